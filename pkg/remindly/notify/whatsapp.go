// Package notify – whatsapp.go implements the WhatsApp Cloud API sender
// (Meta Graph API). Used in "cloud" mode; "direct" mode sends through the
// whatsmeow channel instead.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WhatsAppCloudConfig holds Meta Graph API credentials.
type WhatsAppCloudConfig struct {
	// AccessToken is the Graph API bearer token.
	AccessToken string `yaml:"access_token"`

	// PhoneNumberID is the sending phone number ID.
	PhoneNumberID string `yaml:"phone_number_id"`

	// Version is the Graph API version (e.g. "v18.0").
	Version string `yaml:"version"`

	// BaseURL overrides the Graph API endpoint (tests).
	BaseURL string `yaml:"base_url"`
}

// WhatsAppCloudSender sends text messages through the Graph API.
type WhatsAppCloudSender struct {
	cfg        WhatsAppCloudConfig
	httpClient *http.Client
}

// NewWhatsAppCloudSender creates a Graph API sender.
func NewWhatsAppCloudSender(cfg WhatsAppCloudConfig) *WhatsAppCloudSender {
	if cfg.Version == "" {
		cfg.Version = "v18.0"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	return &WhatsAppCloudSender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendText posts a plain text message to the recipient's WhatsApp ID.
func (s *WhatsAppCloudSender) SendText(ctx context.Context, to, text string) error {
	return s.Send(ctx, Payload{To: to, Message: text})
}

// Send posts a text message to the recipient's WhatsApp ID.
func (s *WhatsAppCloudSender) Send(ctx context.Context, p Payload) error {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                p.To,
		"type":              "text",
		"text": map[string]any{
			"preview_url": false,
			"body":        p.Message,
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.cfg.BaseURL, s.cfg.Version, s.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph api returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
