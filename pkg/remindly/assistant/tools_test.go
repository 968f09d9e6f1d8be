package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/remindlab/remindly/pkg/remindly/notify"
)

func TestDispatch(t *testing.T) {
	t.Parallel()

	reg := NewToolRegistry(nil)
	reg.Register(ToolDefinition{Name: "echo"}, func(_ context.Context, sender string, args map[string]any) (any, error) {
		return map[string]any{"sender": sender, "got": args["value"]}, nil
	})
	reg.Register(ToolDefinition{Name: "broken"}, func(_ context.Context, _ string, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("storage offline")
	})
	reg.Register(ToolDefinition{Name: "panicky"}, func(_ context.Context, _ string, _ map[string]any) (any, error) {
		panic("nil map write")
	})

	tests := []struct {
		name       string
		call       ToolCall
		wantOutput string
	}{
		{
			name:       "happy path",
			call:       ToolCall{ID: "call_1", Name: "echo", Arguments: `{"value": "hi"}`},
			wantOutput: `{"got":"hi","sender":"alice"}`,
		},
		{
			name:       "unknown tool",
			call:       ToolCall{ID: "call_2", Name: "nope", Arguments: "{}"},
			wantOutput: `{"error":"Unknown function: nope"}`,
		},
		{
			name:       "handler error",
			call:       ToolCall{ID: "call_3", Name: "broken", Arguments: "{}"},
			wantOutput: `{"error":"storage offline"}`,
		},
		{
			name:       "malformed arguments",
			call:       ToolCall{ID: "call_4", Name: "echo", Arguments: `{"value":`},
			wantOutput: `invalid arguments for echo`,
		},
		{
			name:       "handler panic",
			call:       ToolCall{ID: "call_5", Name: "panicky", Arguments: "{}"},
			wantOutput: `{"error":"internal error in panicky"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := reg.Dispatch(context.Background(), "alice", tt.call)
			if out.ToolCallID != tt.call.ID {
				t.Errorf("ToolCallID = %q, want %q", out.ToolCallID, tt.call.ID)
			}
			if !strings.Contains(out.Output, tt.wantOutput) {
				t.Errorf("Output = %q, want it to contain %q", out.Output, tt.wantOutput)
			}
		})
	}
}

func TestDispatchEmptyArguments(t *testing.T) {
	t.Parallel()

	reg := NewToolRegistry(nil)
	reg.Register(ToolDefinition{Name: "list"}, func(_ context.Context, _ string, args map[string]any) (any, error) {
		return len(args), nil
	})

	out := reg.Dispatch(context.Background(), "bob", ToolCall{ID: "c", Name: "list"})
	if out.Output != "0" {
		t.Fatalf("Output = %q, want %q", out.Output, "0")
	}
}

func TestScheduleRequestFromArgs(t *testing.T) {
	t.Parallel()

	due := time.Now().Add(time.Hour).Format(time.RFC3339)
	args := map[string]any{
		"type":             []any{"whatsapp", "email"},
		"task":             "submit report",
		"time":             due,
		"reminder_message": "Report time!",
		"email":            "bob@example.com",
		"email_subject":    "Report",
		"email_body":       "Please submit the report.",
	}

	req, err := scheduleRequestFromArgs(args)
	if err != nil {
		t.Fatalf("scheduleRequestFromArgs: %v", err)
	}
	if req.Task != "submit report" {
		t.Errorf("Task = %q", req.Task)
	}
	if len(req.Channels) != 2 || req.Channels[0] != notify.ChannelWhatsApp || req.Channels[1] != notify.ChannelEmail {
		t.Errorf("Channels = %v", req.Channels)
	}
	if req.Email != "bob@example.com" || req.EmailSubject != "Report" {
		t.Errorf("email fields = %q / %q", req.Email, req.EmailSubject)
	}
	if req.DueAt.IsZero() {
		t.Error("DueAt not parsed")
	}
}

func TestScheduleRequestFromArgsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args map[string]any
	}{
		{
			name: "missing channels",
			args: map[string]any{"task": "x", "time": "15:04"},
		},
		{
			name: "empty channel list",
			args: map[string]any{"type": []any{}, "task": "x", "time": "15:04"},
		},
		{
			name: "unknown channel",
			args: map[string]any{"type": []any{"pager"}, "task": "x", "time": "15:04"},
		},
		{
			name: "missing task",
			args: map[string]any{"type": []any{"whatsapp"}, "time": "15:04"},
		},
		{
			name: "missing time",
			args: map[string]any{"type": []any{"whatsapp"}, "task": "x"},
		},
		{
			name: "garbage time",
			args: map[string]any{"type": []any{"whatsapp"}, "task": "x", "time": "five-ish"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := scheduleRequestFromArgs(tt.args); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestParseDueTime(t *testing.T) {
	t.Parallel()

	t.Run("rfc3339", func(t *testing.T) {
		t.Parallel()
		got, err := parseDueTime("2026-03-01T09:30:00+05:30")
		if err != nil {
			t.Fatalf("parseDueTime: %v", err)
		}
		if got.UTC().Hour() != 4 || got.UTC().Minute() != 0 {
			t.Errorf("got %v, want 04:00 UTC", got.UTC())
		}
	})

	t.Run("naive date-time is local", func(t *testing.T) {
		t.Parallel()
		got, err := parseDueTime("2026-03-01T09:30:00")
		if err != nil {
			t.Fatalf("parseDueTime: %v", err)
		}
		if got.Location() != time.Local {
			t.Errorf("location = %v, want local", got.Location())
		}
		if got.Hour() != 9 || got.Minute() != 30 {
			t.Errorf("got %v, want 09:30", got)
		}
	})

	t.Run("space-separated date-time", func(t *testing.T) {
		t.Parallel()
		got, err := parseDueTime("2026-03-01 09:30")
		if err != nil {
			t.Fatalf("parseDueTime: %v", err)
		}
		if got.Day() != 1 || got.Hour() != 9 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("bare time resolves to next occurrence", func(t *testing.T) {
		t.Parallel()
		got, err := parseDueTime("23:59")
		if err != nil {
			t.Fatalf("parseDueTime: %v", err)
		}
		now := time.Now()
		if got.Before(now) {
			t.Errorf("bare time resolved to the past: %v", got)
		}
		if got.Sub(now) > 24*time.Hour {
			t.Errorf("bare time resolved more than a day out: %v", got)
		}
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		if _, err := parseDueTime(""); err == nil {
			t.Fatal("want error for empty time")
		}
	})
}

func TestSchedulingToolDefinitions(t *testing.T) {
	t.Parallel()

	reg := NewToolRegistry(nil)
	RegisterSchedulingTools(reg, nil)

	names := make(map[string]bool)
	for _, def := range reg.Definitions() {
		names[def.Name] = true
		if _, err := json.Marshal(def.Parameters); err != nil {
			t.Errorf("parameters for %s do not marshal: %v", def.Name, err)
		}
	}
	for _, want := range []string{"schedule_job", "delete_task", "get_pending_tasks"} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
}
