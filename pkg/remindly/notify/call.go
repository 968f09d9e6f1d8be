// Package notify – call.go implements the voice call sender using the
// Twilio REST API. The payload message is spoken via inline TwiML.
package notify

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioConfig holds Twilio REST API credentials.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID.
	AccountSID string `yaml:"account_sid"`

	// AuthToken is the Twilio auth token.
	AuthToken string `yaml:"auth_token"`

	// FromNumber is the Twilio phone number calls originate from.
	FromNumber string `yaml:"from_number"`

	// BaseURL overrides the API endpoint (tests).
	BaseURL string `yaml:"base_url"`
}

// TwilioCallSender places voice calls that speak the payload message.
type TwilioCallSender struct {
	cfg        TwilioConfig
	httpClient *http.Client
}

// NewTwilioCallSender creates a Twilio voice sender.
func NewTwilioCallSender(cfg TwilioConfig) *TwilioCallSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &TwilioCallSender{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Send places a call to the payload's number and speaks the message.
func (s *TwilioCallSender) Send(ctx context.Context, p Payload) error {
	to := cleanPhoneNumber(p.To)
	if to == "" {
		return fmt.Errorf("call recipient %q has no digits", p.To)
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Twiml", sayTwiML(p.Message))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", s.cfg.BaseURL, s.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twilio returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// sayTwiML wraps the message in a <Response><Say> document, escaping
// any XML-significant characters in the spoken text.
func sayTwiML(message string) string {
	var escaped strings.Builder
	xml.EscapeText(&escaped, []byte(message))
	return "<Response><Say>" + escaped.String() + "</Say></Response>"
}

// cleanPhoneNumber strips everything except digits and a leading plus.
func cleanPhoneNumber(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.TrimPrefix(out, "+") == "" {
		return ""
	}
	return out
}
