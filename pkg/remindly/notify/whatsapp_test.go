package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWhatsAppCloudSenderSend(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages": [{"id": "wamid.test"}]}`))
	}))
	t.Cleanup(srv.Close)

	sender := NewWhatsAppCloudSender(WhatsAppCloudConfig{
		AccessToken:   "token123",
		PhoneNumberID: "555000",
		Version:       "v18.0",
		BaseURL:       srv.URL,
	})

	err := sender.Send(context.Background(), Payload{To: "15551234567", Message: "Tea time!"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/v18.0/555000/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer token123" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["messaging_product"] != "whatsapp" || gotBody["to"] != "15551234567" {
		t.Errorf("body = %v", gotBody)
	}
	text, _ := gotBody["text"].(map[string]any)
	if text["body"] != "Tea time!" {
		t.Errorf("text body = %v", text)
	}
}

func TestWhatsAppCloudSenderAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "bad token"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	sender := NewWhatsAppCloudSender(WhatsAppCloudConfig{BaseURL: srv.URL, PhoneNumberID: "555000"})

	err := sender.Send(context.Background(), Payload{To: "15551234567", Message: "hi"})
	if err == nil {
		t.Fatal("want error for non-2xx response")
	}
}

func TestWhatsAppCloudSenderDefaults(t *testing.T) {
	t.Parallel()

	sender := NewWhatsAppCloudSender(WhatsAppCloudConfig{})
	if sender.cfg.Version != "v18.0" {
		t.Errorf("Version default = %q", sender.cfg.Version)
	}
	if sender.cfg.BaseURL != "https://graph.facebook.com" {
		t.Errorf("BaseURL default = %q", sender.cfg.BaseURL)
	}
}
