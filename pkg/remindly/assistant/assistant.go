package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	stillWorkingReply = "Please wait, I'm still working on your last request."
	failureReply      = "Something went wrong. Please try again."

	defaultWaitTimeout  = 60 * time.Second
	defaultPollInterval = time.Second
)

// Instructions is the system prompt given to the assistant when
// provisioning it.
const Instructions = `You are a friendly and helpful WhatsApp AI assistant.

Your responsibilities:

1. Detect whether the user is:
    - Engaged in a **casual conversation** ("normal chat")
    - Making a **scheduling request** via WhatsApp, email, or call

2. If it's a **normal chat**, respond conversationally.
    - Always return the response in this JSON format:
    {
        "type": [],
        "message": "your conversational reply here"
    }

3. If it's a **scheduling request follow-up**, follow this behavior:
    - All responses MUST use this format:
    {
        "type": [],
        "message": "your question or message here"
    }
    - Always ask for via whatsapp, email, or call if not mentioned.

4. If user wants to delete a scheduled task:
    - Call get_pending_tasks to list all current pending jobs.
    - Ask the user which one to delete based on task name, type, or time.
    - Confirm with the user before calling delete_task.

5. If user wants to reschedule a task:
    - Follow deletion flow as above.
    - After successful deletion, ask for the new time and then call schedule_job again.

Only return this JSON (with correct keys) if the user confirms. Do not include any extra text.`

// Assistant runs the conversation loop: one inbound message becomes a
// backend run that may call tools before producing a reply. One run per
// thread is active at a time.
type Assistant struct {
	backend      Backend
	sessions     *SessionStore
	tools        *ToolRegistry
	localTime    LocalTimeResolver
	waitTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]string // threadID -> runID
}

// New assembles the assistant. localTime may be nil, disabling the time
// prefix on user messages.
func New(backend Backend, sessions *SessionStore, tools *ToolRegistry, localTime LocalTimeResolver, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		backend:      backend,
		sessions:     sessions,
		tools:        tools,
		localTime:    localTime,
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
		logger:       logger.With("component", "assistant"),
	}
}

// HandleTurn processes one inbound message from a sender and returns the
// reply text to deliver back on the same channel.
func (a *Assistant) HandleTurn(ctx context.Context, senderID, displayName, text string) (string, error) {
	threadID, err := a.sessions.GetOrCreate(ctx, senderID, displayName)
	if err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}

	if done := a.waitForActiveRun(ctx, threadID); !done {
		a.logger.Warn("previous run still active, deferring message",
			"sender", senderID, "thread_id", threadID)
		return stillWorkingReply, nil
	}

	content := text
	if a.localTime != nil {
		if t, err := a.localTime.LocalTime(ctx); err != nil {
			a.logger.Warn("local time lookup failed", "error", err)
		} else {
			content = t + "\n" + text
		}
	}

	if err := a.backend.AddUserMessage(ctx, threadID, content); err != nil {
		return "", fmt.Errorf("adding user message: %w", err)
	}

	run, err := a.backend.CreateRun(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("starting run: %w", err)
	}
	a.setActive(threadID, run.ID)
	a.logger.Info("run started", "sender", senderID, "thread_id", threadID, "run_id", run.ID)

	return a.driveRun(ctx, senderID, threadID, run)
}

// driveRun polls the run to completion, executing tool calls whenever the
// backend asks for them.
func (a *Assistant) driveRun(ctx context.Context, senderID, threadID string, run *Run) (string, error) {
	deadline := time.Now().Add(a.waitTimeout)

	for {
		switch run.Status {
		case RunCompleted:
			a.clearActive(threadID)
			raw, err := a.backend.LatestAssistantMessage(ctx, threadID)
			if err != nil {
				return "", fmt.Errorf("fetching reply: %w", err)
			}
			reply := ParseReply(raw)
			a.logger.Info("run completed",
				"sender", senderID, "run_id", run.ID, "reply_type", reply.Type)
			return reply.Message, nil

		case RunRequiresAction:
			outputs := make([]ToolOutput, 0, len(run.ToolCalls))
			for _, call := range run.ToolCalls {
				outputs = append(outputs, a.tools.Dispatch(ctx, senderID, call))
			}
			next, err := a.backend.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
			if err != nil {
				a.clearActive(threadID)
				return "", fmt.Errorf("submitting tool outputs: %w", err)
			}
			run = next
			continue

		case RunFailed, RunCancelled, RunExpired:
			a.clearActive(threadID)
			a.logger.Error("run ended abnormally",
				"sender", senderID, "run_id", run.ID, "status", run.Status)
			return failureReply, nil
		}

		if time.Now().After(deadline) {
			a.logger.Warn("run poll timed out",
				"sender", senderID, "run_id", run.ID, "status", run.Status)
			return failureReply, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.pollInterval):
		}

		next, err := a.backend.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			// Transient poll errors are retried until the deadline.
			a.logger.Warn("run poll failed", "run_id", run.ID, "error", err)
			continue
		}
		run = next
	}
}

// waitForActiveRun blocks until the thread's tracked run reaches a
// settled state, or the wait times out. A run stuck on requires_action
// is considered abandoned and cleared; the backend expires it server
// side.
func (a *Assistant) waitForActiveRun(ctx context.Context, threadID string) bool {
	runID := a.activeRun(threadID)
	if runID == "" {
		return true
	}

	deadline := time.Now().Add(a.waitTimeout)
	for {
		run, err := a.backend.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			a.logger.Warn("active run poll failed", "run_id", runID, "error", err)
		} else if run.Status.Terminal() || run.Status == RunRequiresAction {
			a.clearActive(threadID)
			return true
		}

		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(a.pollInterval):
		}
	}
}

func (a *Assistant) setActive(threadID, runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		a.active = make(map[string]string)
	}
	a.active[threadID] = runID
}

func (a *Assistant) clearActive(threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, threadID)
}

func (a *Assistant) activeRun(threadID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[threadID]
}
