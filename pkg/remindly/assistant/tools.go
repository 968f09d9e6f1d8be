// Package assistant – tools.go manages the registry of callable tools and
// dispatches tool calls from the backend to their handlers. Handler
// failures and unknown tool names become structured error outputs so the
// conversation continues instead of aborting the run.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/remindlab/remindly/pkg/remindly/notify"
	"github.com/remindlab/remindly/pkg/remindly/scheduler"
)

// ToolDefinition describes a tool to the backend. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolHandlerFunc executes one tool call on behalf of a sender.
type ToolHandlerFunc func(ctx context.Context, sender string, args map[string]any) (any, error)

// ToolRegistry maps tool names to handlers.
type ToolRegistry struct {
	defs     []ToolDefinition
	handlers map[string]ToolHandlerFunc
	logger   *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		handlers: make(map[string]ToolHandlerFunc),
		logger:   logger.With("component", "tools"),
	}
}

// Register adds a tool definition with its handler.
func (r *ToolRegistry) Register(def ToolDefinition, fn ToolHandlerFunc) {
	r.defs = append(r.defs, def)
	r.handlers[def.Name] = fn
}

// Definitions returns all registered tool definitions, used when
// provisioning the backend assistant.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Dispatch executes one tool call and always produces an output: handler
// errors, panics, malformed arguments, and unknown names are surfaced to
// the backend as {"error": ...} objects.
func (r *ToolRegistry) Dispatch(ctx context.Context, sender string, call ToolCall) ToolOutput {
	start := time.Now()
	output := r.execute(ctx, sender, call)
	r.logger.Info("tool call dispatched",
		"tool", call.Name,
		"sender", sender,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ToolOutput{ToolCallID: call.ID, Output: output}
}

func (r *ToolRegistry) execute(ctx context.Context, sender string, call ToolCall) (output string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", call.Name, "panic", rec)
			output = errorOutput(fmt.Sprintf("internal error in %s", call.Name))
		}
	}()

	fn, ok := r.handlers[call.Name]
	if !ok {
		return errorOutput(fmt.Sprintf("Unknown function: %s", call.Name))
	}

	args := make(map[string]any)
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorOutput(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	result, err := fn(ctx, sender, args)
	if err != nil {
		return errorOutput(err.Error())
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errorOutput(fmt.Sprintf("unencodable result from %s: %v", call.Name, err))
	}
	return string(data)
}

func errorOutput(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// RegisterSchedulingTools wires the three scheduling primitives into the
// registry: schedule_job, delete_task, and get_pending_tasks.
func RegisterSchedulingTools(reg *ToolRegistry, sched *scheduler.Scheduler) {
	reg.Register(ToolDefinition{
		Name:        "schedule_job",
		Description: "Schedules a task on WhatsApp, email, call or any combination of these three.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Channels to use: whatsapp, email, call",
				},
				"task":             map[string]any{"type": "string"},
				"time":             map[string]any{"type": "string", "format": "date-time"},
				"reminder_message": map[string]any{"type": "string"},
				"email":            map[string]any{"type": "string"},
				"email_subject":    map[string]any{"type": "string"},
				"email_body":       map[string]any{"type": "string"},
				"mobile_no":        map[string]any{"type": "string"},
				"call_message":     map[string]any{"type": "string"},
			},
			"required": []string{"type", "task", "time"},
		},
	}, func(_ context.Context, sender string, args map[string]any) (any, error) {
		req, err := scheduleRequestFromArgs(args)
		if err != nil {
			return nil, err
		}
		ids, err := sched.Schedule(sender, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"scheduled": ids, "status": string(scheduler.StatusPending)}, nil
	})

	reg.Register(ToolDefinition{
		Name:        "delete_task",
		Description: "Deletes a scheduled task by job_id",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"job_id": map[string]any{
					"type":        "string",
					"description": "The ID of the job to delete",
				},
			},
			"required": []string{"job_id"},
		},
	}, func(_ context.Context, sender string, args map[string]any) (any, error) {
		jobID, _ := args["job_id"].(string)
		if jobID == "" {
			return nil, fmt.Errorf("job_id is required")
		}
		return sched.Delete(sender, jobID), nil
	})

	reg.Register(ToolDefinition{
		Name:        "get_pending_tasks",
		Description: "Fetches all pending tasks for a user.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, func(_ context.Context, sender string, _ map[string]any) (any, error) {
		return sched.ListPending(sender)
	})
}

// scheduleRequestFromArgs converts the tool's argument object into a
// ScheduleRequest, validating the channel set and due time.
func scheduleRequestFromArgs(args map[string]any) (scheduler.ScheduleRequest, error) {
	var req scheduler.ScheduleRequest

	rawChannels, ok := args["type"].([]any)
	if !ok || len(rawChannels) == 0 {
		return req, fmt.Errorf("type must be a non-empty array of channels")
	}
	for _, raw := range rawChannels {
		name, _ := raw.(string)
		ch, err := notify.ParseChannel(name)
		if err != nil {
			return req, err
		}
		req.Channels = append(req.Channels, ch)
	}

	req.Task, _ = args["task"].(string)
	if req.Task == "" {
		return req, fmt.Errorf("task is required")
	}

	timeStr, _ := args["time"].(string)
	dueAt, err := parseDueTime(timeStr)
	if err != nil {
		return req, err
	}
	req.DueAt = dueAt

	req.ReminderMessage, _ = args["reminder_message"].(string)
	req.Email, _ = args["email"].(string)
	req.EmailSubject, _ = args["email_subject"].(string)
	req.EmailBody, _ = args["email_body"].(string)
	req.PhoneNumber, _ = args["mobile_no"].(string)
	req.CallMessage, _ = args["call_message"].(string)

	return req, nil
}

// parseDueTime accepts the date-time formats the backend is known to emit.
// "15:04" resolves to today, or tomorrow if already past.
func parseDueTime(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, fmt.Errorf("time is required")
	}

	if t, err := time.Parse(time.RFC3339, timeStr); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", timeStr, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", timeStr, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.Parse("15:04", timeStr); err == nil {
		now := time.Now()
		target := time.Date(now.Year(), now.Month(), now.Day(),
			t.Hour(), t.Minute(), 0, 0, now.Location())
		if target.Before(now) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", timeStr)
}
