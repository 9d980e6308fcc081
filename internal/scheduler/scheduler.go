package scheduler

import (
	"context"
	"fmt"
	"sync"

	"agentcore/internal/bus"
	"agentcore/internal/diff"
	"agentcore/internal/logging"
	"agentcore/internal/policy"
	"agentcore/internal/tools"
)

// PreferredEditorAccessor reports the user's preferred editor kind at the
// moment a preview is built. Queried on every preview so a settings change
// takes effect on re-confirmation.
type PreferredEditorAccessor func() string

// Options wires a scheduler to its collaborators.
type Options struct {
	Registry *tools.Registry
	Policy   *policy.Engine
	Bus      *bus.Bus

	// Diff renders edit previews; nil uses the package default engine.
	Diff *diff.Engine

	// PreferredEditor is optional; "" is reported when nil.
	PreferredEditor PreferredEditorAccessor

	// SuppressNeedsInput disables the consolidated needs-input callback.
	SuppressNeedsInput bool

	Callbacks Callbacks
}

// batch is one scheduled set of calls. A new Schedule replaces the tracked
// batch; goroutines of a replaced batch keep their own pointer and go quiet.
type batch struct {
	calls      []*ToolCall
	cancel     context.CancelFunc
	completed  bool
	needsInput bool // edge trigger for OnNeedsInput
}

// Scheduler runs tool-call batches for one session. All state transitions
// are linearized through its mutex; different calls still execute fully
// concurrently because the lock is never held across a suspension point.
type Scheduler struct {
	opts Options

	mu      sync.Mutex
	current *batch
}

// New creates a scheduler. Registry, Policy, and Bus are required.
func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil || opts.Policy == nil || opts.Bus == nil {
		return nil, fmt.Errorf("scheduler requires registry, policy engine, and bus")
	}
	if opts.Diff == nil {
		opts.Diff = diff.DefaultEngine
	}
	return &Scheduler{opts: opts}, nil
}

// Schedule accepts a batch of requests and returns once every call has been
// admitted; completion is observed through callbacks, not a return value.
// The input slice is never mutated. Call ids must be unique within the
// batch. Scheduling while a previous batch is active cancels that batch and
// overwrites the tracked set; the consumer is expected to clear its display
// state accordingly.
func (s *Scheduler) Schedule(ctx context.Context, requests []tools.CallRequest) error {
	if len(requests) == 0 {
		return fmt.Errorf("empty request batch")
	}

	seen := make(map[string]bool, len(requests))
	for _, r := range requests {
		if seen[r.CallID] {
			return fmt.Errorf("duplicate call id in batch: %s", r.CallID)
		}
		seen[r.CallID] = true
	}

	batchCtx, cancel := context.WithCancel(ctx)

	// Defensive copy: callers must never observe their input changed.
	b := &batch{cancel: cancel}
	for _, req := range requests {
		b.calls = append(b.calls, &ToolCall{Request: req, Status: StatusScheduled})
	}

	s.mu.Lock()
	if s.current != nil && !s.current.completed {
		logging.Scheduler("new batch overwrites an active one; cancelling %d tracked calls", len(s.current.calls))
		s.current.cancel()
	}
	s.current = b
	s.notifyLocked(b)
	s.mu.Unlock()

	logging.Scheduler("scheduled batch of %d calls", len(b.calls))
	for _, call := range b.calls {
		go s.runCall(batchCtx, b, call)
	}
	return nil
}

// CancelAll cancels every non-terminal call in the outstanding batch.
func (s *Scheduler) CancelAll(ctx context.Context) {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()
	if b != nil {
		b.cancel()
	}
}

// Calls returns a snapshot of the tracked batch.
func (s *Scheduler) Calls() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return snapshot(s.current)
}

// runCall drives one call through the state machine. Every error is
// converted to a terminal state here; nothing propagates out to crash the
// batch.
func (s *Scheduler) runCall(ctx context.Context, b *batch, call *ToolCall) {
	req := call.Request

	s.transition(b, call, StatusValidating, nil)

	inv, err := s.opts.Registry.Resolve(req)
	if err != nil {
		s.finish(b, call, StatusError, Response{CallID: req.CallID, Err: err})
		return
	}
	s.setInvocation(b, call, inv)

	res := s.opts.Policy.Check(ctx, req, req.ServerName())
	switch res.Decision {
	case policy.Deny:
		reason := fmt.Sprintf("tool %q denied by policy", req.Name)
		s.opts.Bus.Publish(bus.Message{
			Type:      bus.MessagePolicyRejection,
			Rejection: &bus.PolicyRejection{CallID: req.CallID, ToolName: req.Name, Reason: reason},
		})
		s.finish(b, call, StatusError, Response{CallID: req.CallID, Err: fmt.Errorf("%s", reason)})
		return

	case policy.AskUser:
		approved, err := s.awaitApproval(ctx, b, call, inv)
		if err != nil {
			// The only way out of a pending approval without an answer is
			// cancellation.
			s.finish(b, call, StatusCancelled, Response{CallID: req.CallID, Err: err})
			return
		}
		if !approved {
			s.finish(b, call, StatusCancelled, Response{
				CallID: req.CallID,
				Err:    fmt.Errorf("tool %q rejected by user", req.Name),
			})
			return
		}
	}

	s.execute(ctx, b, call, inv)
}

// awaitApproval publishes a confirmation request and suspends this call (and
// only this call) until a correlated response arrives or ctx fires.
func (s *Scheduler) awaitApproval(ctx context.Context, b *batch, call *ToolCall, inv tools.Invocation) (bool, error) {
	details := &bus.ConfirmationDetails{
		CallID:      call.Request.CallID,
		ToolName:    call.Request.Name,
		Description: inv.Description(),
	}
	if s.opts.PreferredEditor != nil {
		details.Editor = s.opts.PreferredEditor()
	}

	// Edit previews are rebuilt on every confirmation attempt rather than
	// cached, so the diff always reflects the file as it is now.
	if previewer, ok := inv.(tools.EditPreviewer); ok {
		preview, err := previewer.ProposedContent(ctx)
		if err != nil {
			logging.Scheduler("preview for %s failed: %v", call.Request.CallID, err)
		} else {
			details.Preview = s.opts.Diff.Unified(preview.Path, preview.OldContent, preview.NewContent)
		}
	}

	s.transitionConfirmation(b, call, details)

	resp, err := s.opts.Bus.Request(ctx, bus.Message{
		Type:         bus.MessageToolConfirmationRequest,
		Confirmation: details,
	}, bus.MessageToolConfirmationResponse)
	if err != nil {
		return false, err
	}
	if resp.Outcome == nil {
		return false, fmt.Errorf("confirmation response missing outcome")
	}
	return resp.Outcome.Approved, nil
}

func (s *Scheduler) execute(ctx context.Context, b *batch, call *ToolCall, inv tools.Invocation) {
	req := call.Request
	s.transition(b, call, StatusExecuting, nil)

	sink := func(chunk string) {
		s.appendOutput(b, call, chunk)
	}

	result, err := func() (result tools.InvocationResult, err error) {
		// A panicking invocation becomes a terminal error, never a crashed
		// batch.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("invocation panicked: %v", r)
			}
		}()
		return inv.Execute(ctx, sink)
	}()

	switch {
	case ctx.Err() != nil:
		// Cooperative abort: partial output travels with the cancelled
		// response rather than dangling.
		s.opts.Bus.Publish(bus.Message{
			Type:      bus.MessageToolExecutionFailure,
			Execution: &bus.ExecutionReport{CallID: req.CallID, ToolName: req.Name, Output: result.Content, Error: ctx.Err().Error()},
		})
		s.finish(b, call, StatusCancelled, Response{CallID: req.CallID, Result: result, Err: ctx.Err()})

	case err != nil:
		s.opts.Bus.Publish(bus.Message{
			Type:      bus.MessageToolExecutionFailure,
			Execution: &bus.ExecutionReport{CallID: req.CallID, ToolName: req.Name, Output: result.Content, Error: err.Error()},
		})
		s.finish(b, call, StatusError, Response{CallID: req.CallID, Result: result, Err: err})

	default:
		s.opts.Bus.Publish(bus.Message{
			Type:      bus.MessageToolExecutionSuccess,
			Execution: &bus.ExecutionReport{CallID: req.CallID, ToolName: req.Name, Output: result.Content},
		})
		s.finish(b, call, StatusSuccess, Response{CallID: req.CallID, Result: result})
	}
}

// --- state transitions -------------------------------------------------

// transition moves a call to a non-terminal state and notifies.
func (s *Scheduler) transition(b *batch, call *ToolCall, status Status, confirmation *bus.ConfirmationDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.Status.IsTerminal() {
		return
	}
	call.Status = status
	call.Confirmation = confirmation
	s.notifyLocked(b)
}

func (s *Scheduler) transitionConfirmation(b *batch, call *ToolCall, details *bus.ConfirmationDetails) {
	s.transition(b, call, StatusAwaitingApproval, details)
}

func (s *Scheduler) setInvocation(b *batch, call *ToolCall, inv tools.Invocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call.Invocation = inv
}

func (s *Scheduler) appendOutput(b *batch, call *ToolCall, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Merging live output into the call is the scheduler's job; consumers
	// only ever re-render snapshots.
	call.LiveOutput += chunk
	if cb := s.opts.Callbacks.OnOutputUpdate; cb != nil {
		cb(call.Request.CallID, chunk)
	}
}

// finish moves a call to a terminal state exactly once and fires batch
// completion when it was the last one.
func (s *Scheduler) finish(b *batch, call *ToolCall, status Status, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.Status.IsTerminal() {
		return
	}
	call.Status = status
	call.Confirmation = nil
	call.Response = &resp
	s.notifyLocked(b)

	for _, c := range b.calls {
		if !c.Status.IsTerminal() {
			return
		}
	}
	if b.completed {
		return
	}
	b.completed = true
	logging.Scheduler("batch complete: %d calls terminal", len(b.calls))
	if b == s.current {
		if cb := s.opts.Callbacks.OnAllComplete; cb != nil {
			cb(snapshot(b))
		}
	}
}

// notifyLocked fires the per-transition snapshot callback and, when the
// batch has quiesced into waiting-for-approval, the consolidated
// needs-input callback. Caller holds s.mu.
func (s *Scheduler) notifyLocked(b *batch) {
	if b != s.current {
		return
	}
	if cb := s.opts.Callbacks.OnToolCallsUpdate; cb != nil {
		cb(snapshot(b))
	}

	if s.opts.SuppressNeedsInput {
		return
	}
	var waiting []string
	quiet := true
	for _, c := range b.calls {
		switch c.Status {
		case StatusAwaitingApproval:
			waiting = append(waiting, c.Request.CallID)
		case StatusScheduled, StatusValidating, StatusExecuting:
			quiet = false
		}
	}
	if len(waiting) > 0 && quiet {
		if !b.needsInput {
			b.needsInput = true
			if cb := s.opts.Callbacks.OnNeedsInput; cb != nil {
				cb(waiting)
			}
		}
	} else {
		b.needsInput = false
	}
}

func snapshot(b *batch) []ToolCall {
	out := make([]ToolCall, len(b.calls))
	for i, c := range b.calls {
		out[i] = *c
	}
	return out
}
