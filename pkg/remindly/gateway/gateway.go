// Package gateway serves the WhatsApp Cloud API webhook and a small job
// dashboard over HTTP.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/remindlab/remindly/pkg/remindly/scheduler"
)

// Config holds the webhook server settings.
type Config struct {
	Address     string `yaml:"address"`
	VerifyToken string `yaml:"verify_token"`
	AppSecret   string `yaml:"app_secret"`

	// Graph API credentials for inbound media downloads.
	AccessToken string `yaml:"access_token"`
	Version     string `yaml:"version"`
	GraphURL    string `yaml:"graph_url"`
}

// Responder produces a reply for one inbound message.
type Responder interface {
	HandleTurn(ctx context.Context, senderID, displayName, text string) (string, error)
}

// Transcriber converts voice audio to text.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audioData []byte, filename string) (string, error)
}

// ReplySender delivers the assistant's reply back to the sender.
type ReplySender interface {
	SendText(ctx context.Context, to, text string) error
}

// JobStore is the read side of the scheduler used by the dashboard.
type JobStore interface {
	ListAll(sender string) (map[string]scheduler.Record, error)
	Senders() ([]string, error)
}

// Gateway is the webhook HTTP server.
type Gateway struct {
	cfg         Config
	assistant   Responder
	transcriber Transcriber
	replies     ReplySender
	jobs        JobStore
	server      *http.Server
	httpClient  *http.Client
	logger      *slog.Logger
}

// New assembles the gateway. transcriber may be nil, which rejects voice
// messages with an apology instead of transcribing them.
func New(cfg Config, assistant Responder, transcriber Transcriber, replies ReplySender, jobs JobStore, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8000"
	}
	if cfg.Version == "" {
		cfg.Version = "v18.0"
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = "https://graph.facebook.com"
	}
	logger = logger.With("component", "gateway")
	if cfg.AppSecret == "" {
		logger.Warn("gateway.app_secret is not set, webhook signatures will not be verified")
	}
	return &Gateway{
		cfg:         cfg,
		assistant:   assistant,
		transcriber: transcriber,
		replies:     replies,
		jobs:        jobs,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// Router builds the HTTP routes.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(g.requestID)

	r.Get("/health", g.handleHealth)
	r.Get("/webhook", g.handleVerify)
	r.Post("/webhook", g.handleWebhook)

	r.Get("/", g.handleDashboard)
	r.Route("/api", func(r chi.Router) {
		r.Get("/senders", g.handleSenders)
		r.Get("/jobs", g.handleJobs)
	})

	return r
}

// Start runs the HTTP server until the context is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.cfg.Address,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("webhook server listening", "address", g.cfg.Address)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	}
}

// requestID tags each request with a correlation ID for log grouping.
func (g *Gateway) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
