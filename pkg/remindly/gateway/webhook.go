// Package gateway – webhook.go handles Cloud API webhook verification,
// signature checking, and inbound message processing.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/remindlab/remindly/pkg/remindly/assistant"
)

const voiceUnavailableReply = "Sorry, I couldn't process your voice message. Please send it as text."

// webhookEvent is the Cloud API notification payload, reduced to the
// fields this service consumes.
type webhookEvent struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []webhookContact  `json:"contacts"`
	Messages []webhookMessage  `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio struct {
		ID string `json:"id"`
	} `json:"audio"`
}

// handleVerify answers the Cloud API subscription handshake.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "" || token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error", "message": "Missing parameters",
		})
		return
	}
	if mode != "subscribe" || token != g.cfg.VerifyToken {
		g.logger.Warn("webhook verification failed")
		writeJSON(w, http.StatusForbidden, map[string]string{
			"status": "error", "message": "Verification failed",
		})
		return
	}

	g.logger.Info("webhook verified")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, challenge)
}

// handleWebhook processes one Cloud API notification.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error", "message": "Unreadable body",
		})
		return
	}

	if !g.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		g.logger.Warn("invalid webhook signature", "request_id", requestIDFrom(r.Context()))
		writeJSON(w, http.StatusForbidden, map[string]string{
			"status": "error", "message": "Invalid signature",
		})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error", "message": "Invalid JSON provided",
		})
		return
	}

	value, ok := eventValue(&event)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "error", "message": "Not a WhatsApp API event",
		})
		return
	}

	// Delivery/read status updates are acknowledged without processing.
	if len(value.Statuses) > 0 {
		g.logger.Info("received status update", "request_id", requestIDFrom(r.Context()))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if len(value.Messages) == 0 || len(value.Contacts) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "error", "message": "Not a WhatsApp API event",
		})
		return
	}

	senderID := value.Contacts[0].WaID
	displayName := value.Contacts[0].Profile.Name
	msg := value.Messages[0]

	text := msg.Text.Body
	if msg.Type == "audio" {
		transcript, err := g.transcribeVoice(r, msg.Audio.ID)
		if err != nil {
			g.logger.Error("voice transcription failed",
				"request_id", requestIDFrom(r.Context()), "error", err)
			g.reply(r, senderID, voiceUnavailableReply)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		g.logger.Info("voice message transcribed",
			"sender", senderID, "transcript_len", len(transcript))
		text = transcript
	}

	replyText, err := g.assistant.HandleTurn(r.Context(), senderID, displayName, text)
	if err != nil {
		g.logger.Error("turn failed",
			"request_id", requestIDFrom(r.Context()), "sender", senderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error", "message": err.Error(),
		})
		return
	}

	g.reply(r, senderID, assistant.FormatWhatsApp(replyText))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) reply(r *http.Request, to, text string) {
	if err := g.replies.SendText(r.Context(), to, text); err != nil {
		g.logger.Error("reply delivery failed",
			"request_id", requestIDFrom(r.Context()), "to", to, "error", err)
	}
}

// verifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body keyed with the app secret.
func (g *Gateway) verifySignature(body []byte, header string) bool {
	if g.cfg.AppSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(g.cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// transcribeVoice downloads an inbound voice note from the Graph API and
// transcribes it.
func (g *Gateway) transcribeVoice(r *http.Request, mediaID string) (string, error) {
	if g.transcriber == nil {
		return "", fmt.Errorf("transcription not configured")
	}

	audio, err := g.downloadMedia(r, mediaID)
	if err != nil {
		return "", err
	}
	return g.transcriber.TranscribeAudio(r.Context(), audio, fmt.Sprintf("voice_%s.ogg", mediaID))
}

// downloadMedia resolves a media ID to its URL and fetches the bytes.
func (g *Gateway) downloadMedia(r *http.Request, mediaID string) ([]byte, error) {
	metaURL := fmt.Sprintf("%s/%s/%s", g.cfg.GraphURL, g.cfg.Version, mediaID)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, metaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.AccessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media metadata returned %d", resp.StatusCode)
	}

	var meta struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding media metadata: %w", err)
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("media %s has no download URL", mediaID)
	}

	dlReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	dlReq.Header.Set("Authorization", "Bearer "+g.cfg.AccessToken)

	dlResp, err := g.httpClient.Do(dlReq)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download returned %d", dlResp.StatusCode)
	}

	return io.ReadAll(dlResp.Body)
}

func eventValue(event *webhookEvent) (*webhookValue, bool) {
	if event.Object == "" || len(event.Entry) == 0 || len(event.Entry[0].Changes) == 0 {
		return nil, false
	}
	return &event.Entry[0].Changes[0].Value, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
