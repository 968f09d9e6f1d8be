// Package assistant drives conversation turns through an external
// tool-calling assistant backend and translates its tool calls into
// scheduling actions.
package assistant

import "context"

// Backend is the opaque RPC boundary to the external assistant service.
// The run loop depends only on the state machine these calls expose, not
// on provider-specific payload shapes.
type Backend interface {
	// CreateThread creates a new durable conversation handle.
	CreateThread(ctx context.Context) (string, error)

	// AddUserMessage appends a user turn to the thread.
	AddUserMessage(ctx context.Context, threadID, text string) error

	// CreateRun starts a new processing cycle on the thread.
	CreateRun(ctx context.Context, threadID string) (*Run, error)

	// RetrieveRun fetches the current snapshot of a run.
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)

	// SubmitToolOutputs answers the run's pending tool calls in one batch.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)

	// LatestAssistantMessage returns the newest assistant reply text.
	LatestAssistantMessage(ctx context.Context, threadID string) (string, error)
}

// RunStatus is the lifecycle state of one backend processing cycle.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether the run can never change state again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// ToolCall is a structured request from the backend asking the host to
// execute a named function. Arguments is the raw JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput is the host's answer to one tool call.
type ToolOutput struct {
	ToolCallID string
	Output     string
}

// Run is a snapshot of one backend processing cycle. ToolCalls is only
// populated while Status is RunRequiresAction.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	ToolCalls []ToolCall
}
