// Package scheduler tracks tool-call batches from request to terminal
// outcome. Each call moves through a small state machine; the scheduler is
// the only writer of call state, consults the policy engine during
// validation, negotiates approvals over the message bus, and executes
// approved invocations concurrently.
package scheduler

import (
	"agentcore/internal/bus"
	"agentcore/internal/tools"
)

// Status is the lifecycle state of one tool call.
type Status string

const (
	StatusScheduled        Status = "scheduled"
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the status is a terminal outcome.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Response is the terminal payload of a call: a result or an error, never
// both meaningful at once.
type Response struct {
	CallID string
	Result tools.InvocationResult
	Err    error
}

// ToolCall is one tracked call. The struct is a tagged union over Status:
// Confirmation is set only in awaiting_approval, LiveOutput accumulates
// during executing, Response is set only in terminal states. The scheduler
// maintains these invariants; consumers treat the struct as read-only.
type ToolCall struct {
	Request    tools.CallRequest
	Status     Status
	Invocation tools.Invocation

	// Confirmation describes what is awaiting approval.
	Confirmation *bus.ConfirmationDetails

	// LiveOutput is the accumulated streamed output. The scheduler merges
	// new chunks into it so consumers always see the latest fragment even
	// across snapshot re-renders.
	LiveOutput string

	// Response is the terminal payload.
	Response *Response
}

// Callbacks are the consumer-facing lifecycle notifications. All callbacks
// are invoked with the scheduler's dispatch lock held: they must return
// promptly and must not call back into the scheduler.
type Callbacks struct {
	// OnToolCallsUpdate fires on every state transition of any call with a
	// snapshot of the whole batch.
	OnToolCallsUpdate func(calls []ToolCall)

	// OnOutputUpdate fires for each streamed output chunk, keyed by call.
	OnOutputUpdate func(callID, chunk string)

	// OnAllComplete fires exactly once per batch, after every call reached
	// a terminal state, in the order calls were scheduled.
	OnAllComplete func(calls []ToolCall)

	// OnNeedsInput fires when at least one call awaits approval and no
	// other call in the batch is still progressing. Suppressed entirely by
	// Options.SuppressNeedsInput.
	OnNeedsInput func(callIDs []string)
}
