package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	assistantsBetaHeader = "assistants=v2"
)

// OpenAIConfig holds credentials and endpoints for the Assistants API.
type OpenAIConfig struct {
	APIKey      string `yaml:"api_key"`
	AssistantID string `yaml:"assistant_id"`
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"base_url"`
}

var _ Backend = (*OpenAIBackend)(nil)

// OpenAIBackend talks to the OpenAI Assistants v2 API over plain HTTP.
type OpenAIBackend struct {
	baseURL     string
	apiKey      string
	assistantID string
	model       string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIBackend creates a backend from config. AssistantID may be
// empty; call EnsureAssistant to provision one.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIBackend{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      cfg.APIKey,
		assistantID: cfg.AssistantID,
		model:       model,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      logger.With("component", "openai"),
	}
}

// AssistantID returns the provisioned assistant ID, empty until
// EnsureAssistant runs or config supplies one.
func (b *OpenAIBackend) AssistantID() string {
	return b.assistantID
}

// EnsureAssistant provisions an assistant with the given instructions and
// tools when no assistant ID is configured.
func (b *OpenAIBackend) EnsureAssistant(ctx context.Context, name, instructions string, tools []ToolDefinition) error {
	if b.assistantID != "" {
		return nil
	}

	toolSpecs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		toolSpecs = append(toolSpecs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}

	var resp struct {
		ID string `json:"id"`
	}
	err := b.doJSON(ctx, http.MethodPost, "/assistants", map[string]any{
		"name":         name,
		"model":        b.model,
		"instructions": instructions,
		"tools":        toolSpecs,
	}, &resp)
	if err != nil {
		return fmt.Errorf("creating assistant: %w", err)
	}

	b.assistantID = resp.ID
	b.logger.Info("assistant provisioned", "assistant_id", resp.ID, "model", b.model)
	return nil
}

// CreateThread starts a new conversation thread.
func (b *OpenAIBackend) CreateThread(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &resp); err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	return resp.ID, nil
}

// AddUserMessage appends a user message to a thread.
func (b *OpenAIBackend) AddUserMessage(ctx context.Context, threadID, content string) error {
	path := fmt.Sprintf("/threads/%s/messages", threadID)
	err := b.doJSON(ctx, http.MethodPost, path, map[string]any{
		"role":    "user",
		"content": content,
	}, nil)
	if err != nil {
		return fmt.Errorf("adding message to thread %s: %w", threadID, err)
	}
	return nil
}

// runPayload is the wire shape shared by run create, retrieve and
// tool-output submission responses.
type runPayload struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
}

func (p *runPayload) toRun() *Run {
	run := &Run{
		ID:       p.ID,
		ThreadID: p.ThreadID,
		Status:   RunStatus(p.Status),
	}
	if p.RequiredAction != nil {
		for _, tc := range p.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.ToolCalls = append(run.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return run
}

// CreateRun starts a run of the configured assistant on a thread.
func (b *OpenAIBackend) CreateRun(ctx context.Context, threadID string) (*Run, error) {
	if b.assistantID == "" {
		return nil, fmt.Errorf("no assistant configured")
	}
	var resp runPayload
	path := fmt.Sprintf("/threads/%s/runs", threadID)
	err := b.doJSON(ctx, http.MethodPost, path, map[string]any{
		"assistant_id": b.assistantID,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("creating run on thread %s: %w", threadID, err)
	}
	return resp.toRun(), nil
}

// RetrieveRun fetches the current state of a run.
func (b *OpenAIBackend) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var resp runPayload
	path := fmt.Sprintf("/threads/%s/runs/%s", threadID, runID)
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("retrieving run %s: %w", runID, err)
	}
	return resp.toRun(), nil
}

// SubmitToolOutputs returns tool results to a run waiting on
// requires_action.
func (b *OpenAIBackend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error) {
	wire := make([]map[string]string, 0, len(outputs))
	for _, o := range outputs {
		wire = append(wire, map[string]string{
			"tool_call_id": o.ToolCallID,
			"output":       o.Output,
		})
	}

	var resp runPayload
	path := fmt.Sprintf("/threads/%s/runs/%s/submit_tool_outputs", threadID, runID)
	err := b.doJSON(ctx, http.MethodPost, path, map[string]any{
		"tool_outputs": wire,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("submitting tool outputs for run %s: %w", runID, err)
	}
	return resp.toRun(), nil
}

// LatestAssistantMessage returns the text of the newest assistant message
// on a thread.
func (b *OpenAIBackend) LatestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	var resp struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}

	path := fmt.Sprintf("/threads/%s/messages?%s", threadID, url.Values{
		"order": {"desc"},
		"limit": {"10"},
	}.Encode())
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("listing messages on thread %s: %w", threadID, err)
	}

	for _, msg := range resp.Data {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type == "text" {
				return part.Text.Value, nil
			}
		}
	}
	return "", fmt.Errorf("no assistant message on thread %s", threadID)
}

// TranscribeAudio sends audio data to the Whisper endpoint and returns
// the transcript. filename carries the format hint (e.g. "voice.ogg").
func (b *OpenAIBackend) TranscribeAudio(ctx context.Context, audioData []byte, filename string) (string, error) {
	if filename == "" {
		filename = "audio.ogg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audioData); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", "whisper-1"); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var j struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &j); err != nil {
		return "", fmt.Errorf("decoding transcript: %w", err)
	}

	b.logger.Info("audio transcription done",
		"duration_ms", time.Since(start).Milliseconds(),
		"transcript_len", len(j.Text),
	)
	return j.Text, nil
}

// doJSON performs one JSON request against the API. out may be nil when
// the response body is not needed.
func (b *OpenAIBackend) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("OpenAI-Beta", assistantsBetaHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Error("API error",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
