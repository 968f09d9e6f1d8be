package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remindlab/remindly/pkg/remindly/assistant"
	"github.com/remindlab/remindly/pkg/remindly/channels/whatsapp"
	"github.com/remindlab/remindly/pkg/remindly/config"
	"github.com/remindlab/remindly/pkg/remindly/gateway"
	"github.com/remindlab/remindly/pkg/remindly/notify"
	"github.com/remindlab/remindly/pkg/remindly/scheduler"
)

// newServeCmd creates the `remindly serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant and scheduler daemon",
		Long: `Start Remindly as a daemon: connects the WhatsApp transport,
recovers pending jobs from the database, and processes messages until
interrupted.

Examples:
  remindly serve
  remindly serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := buildLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	db, err := scheduler.OpenDatabase(cfg.Scheduler.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	store, err := scheduler.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("initializing job store: %w", err)
	}
	maxID, err := store.MaxJobID()
	if err != nil {
		return fmt.Errorf("reading job ID high water mark: %w", err)
	}
	alloc := scheduler.NewIDAllocator(maxID)

	// ── Delivery channels ──
	dispatcher := notify.NewDispatcher(logger)
	dispatcher.Register(notify.ChannelEmail, notify.NewSMTPSender(cfg.Notify.Email))
	dispatcher.Register(notify.ChannelCall, notify.NewTwilioCallSender(cfg.Notify.Call))

	var wa *whatsapp.Channel
	var replies gateway.ReplySender
	if cfg.Channels.WhatsApp.Mode == config.WhatsAppModeDirect {
		wa = whatsapp.New(cfg.Channels.WhatsApp.Direct, logger)
		if err := wa.Connect(ctx); err != nil {
			return fmt.Errorf("connecting whatsapp: %w", err)
		}
		defer wa.Disconnect()
		dispatcher.Register(notify.ChannelWhatsApp, notify.SenderFunc(func(ctx context.Context, p notify.Payload) error {
			return wa.Send(ctx, p.To, p.Message)
		}))
	} else {
		cloud := notify.NewWhatsAppCloudSender(cfg.Channels.WhatsApp.Cloud)
		dispatcher.Register(notify.ChannelWhatsApp, cloud)
		replies = cloud
	}

	// ── Scheduler ──
	sched := scheduler.New(store, alloc, dispatcher, logger,
		scheduler.WithSweepInterval(cfg.Scheduler.SweepInterval))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	// ── Assistant ──
	backend := assistant.NewOpenAIBackend(cfg.API, logger)
	tools := assistant.NewToolRegistry(logger)
	assistant.RegisterSchedulingTools(tools, sched)
	if err := backend.EnsureAssistant(ctx, cfg.Name, assistant.Instructions, tools.Definitions()); err != nil {
		return fmt.Errorf("provisioning assistant: %w", err)
	}

	sessions, err := assistant.NewSessionStore(db, backend, logger)
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}

	localTime, err := buildLocalTimeResolver(cfg)
	if err != nil {
		return err
	}

	asst := assistant.New(backend, sessions, tools, localTime, logger)

	logger.Info("remindly running, press Ctrl+C to stop",
		"name", cfg.Name,
		"mode", cfg.Channels.WhatsApp.Mode,
		"model", cfg.API.Model,
	)

	// ── Serve until interrupted ──
	errCh := make(chan error, 1)
	if cfg.Channels.WhatsApp.Mode == config.WhatsAppModeDirect {
		go func() {
			errCh <- runDirectLoop(ctx, wa, backend, asst, logger)
		}()
	} else {
		gwCfg := gateway.Config{
			Address:     cfg.Gateway.Address,
			VerifyToken: cfg.Gateway.VerifyToken,
			AppSecret:   cfg.Gateway.AppSecret,
			AccessToken: cfg.Channels.WhatsApp.Cloud.AccessToken,
			Version:     cfg.Channels.WhatsApp.Cloud.Version,
		}
		gw := gateway.New(gwCfg, asst, backend, replies, sched, logger)
		go func() {
			errCh <- gw.Start(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received, stopping", "signal", sig.String())
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			logger.Warn("shutdown timed out after 10s, forcing exit")
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// runDirectLoop consumes inbound messages from the direct WhatsApp
// session and replies through it.
func runDirectLoop(ctx context.Context, wa *whatsapp.Channel, backend *assistant.OpenAIBackend, asst *assistant.Assistant, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-wa.Receive():
			if !ok {
				return nil
			}
			go handleDirectMessage(ctx, wa, backend, asst, msg, logger)
		}
	}
}

func handleDirectMessage(ctx context.Context, wa *whatsapp.Channel, backend *assistant.OpenAIBackend, asst *assistant.Assistant, msg *whatsapp.Message, logger *slog.Logger) {
	_ = wa.SendTyping(ctx, msg.Chat)

	text := msg.Text
	if msg.IsVoice() {
		audio, err := wa.DownloadVoice(ctx, msg)
		if err != nil {
			logger.Error("voice download failed", "sender", msg.Sender, "error", err)
			_ = wa.Send(ctx, msg.Chat, "Sorry, I couldn't process your voice message. Please send it as text.")
			return
		}
		text, err = backend.TranscribeAudio(ctx, audio, "voice_"+msg.ID+".ogg")
		if err != nil {
			logger.Error("voice transcription failed", "sender", msg.Sender, "error", err)
			_ = wa.Send(ctx, msg.Chat, "Sorry, I couldn't process your voice message. Please send it as text.")
			return
		}
	}

	reply, err := asst.HandleTurn(ctx, msg.Sender, msg.SenderName, text)
	if err != nil {
		logger.Error("turn failed", "sender", msg.Sender, "error", err)
		return
	}
	if err := wa.Send(ctx, msg.Chat, assistant.FormatWhatsApp(reply)); err != nil {
		logger.Error("reply delivery failed", "sender", msg.Sender, "error", err)
	}
}

// resolveConfig loads config from the --config flag or discovery.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file found (use --config or create config.yaml)")
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, nil
}

func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch {
	case verbose, cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func buildLocalTimeResolver(cfg *config.Config) (assistant.LocalTimeResolver, error) {
	if cfg.Timezone != "" {
		resolver, err := assistant.NewFixedZoneResolver(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
		return resolver, nil
	}
	return assistant.NewIPInfoResolver(), nil
}
