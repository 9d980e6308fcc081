// Package bus implements the typed message bus that decouples the tool-call
// scheduler, the policy engine, the hook runner, and whatever is answering
// approval prompts (a human in the TUI, or an automated approver).
//
// The bus is plain pub/sub plus a request/response convenience built on
// correlation ids. It keeps no message history and no timeout logic of its
// own; callers race Request against their own context.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"agentcore/internal/logging"
)

// MessageType discriminates the closed set of messages the core exchanges.
type MessageType string

const (
	MessageToolConfirmationRequest  MessageType = "tool-confirmation-request"
	MessageToolConfirmationResponse MessageType = "tool-confirmation-response"
	MessagePolicyRejection          MessageType = "policy-rejection"
	MessageToolExecutionSuccess     MessageType = "tool-execution-success"
	MessageToolExecutionFailure     MessageType = "tool-execution-failure"
	MessagePolicyUpdate             MessageType = "policy-update"
	MessageHookExecutionRequest     MessageType = "hook-execution-request"
	MessageHookExecutionResponse    MessageType = "hook-execution-response"
	MessageHookPolicyDecision       MessageType = "hook-policy-decision"
)

// ConfirmationDetails describes what an approver is being asked to approve.
type ConfirmationDetails struct {
	CallID      string
	ToolName    string
	Description string
	// Preview carries a rendered diff for content edits, or a command line
	// for shell invocations. Empty when the tool has nothing to show.
	Preview string

	// Editor is the approver's preferred editor kind, so the consumer can
	// hand the preview off for external editing.
	Editor string
}

// ConfirmationOutcome is the approver's answer to a confirmation request.
type ConfirmationOutcome struct {
	CallID   string
	Approved bool
	// Reason is optional approver-supplied context, shown on denial.
	Reason string
}

// PolicyRejection reports that the policy engine denied a call outright.
type PolicyRejection struct {
	CallID   string
	ToolName string
	Reason   string
}

// ExecutionReport carries the terminal outcome of a tool invocation.
type ExecutionReport struct {
	CallID   string
	ToolName string
	Output   string
	Error    string
}

// PolicyUpdateNotice announces that the active rule set changed.
type PolicyUpdateNotice struct {
	Source    string
	RuleCount int
}

// HookExecutionRequest asks the hook runner to fire one hook entry.
type HookExecutionRequest struct {
	// ExecutionID identifies one execution so the requester can cancel it
	// after abandoning the wait.
	ExecutionID string
	EntryID     string
	EventName   string
	Payload     map[string]any
}

// HookExecutionResponse carries the result of a hook execution.
type HookExecutionResponse struct {
	EntryID string
	Output  string
	Blocked bool
	Error   string
}

// HookPolicyDecision reports the policy engine's verdict on a hook.
type HookPolicyDecision struct {
	EntryID  string
	Decision string
}

// Message is the envelope published on the bus. Exactly one payload field is
// set, matching Type; request-style messages carry a CorrelationID that the
// response must echo.
type Message struct {
	Type          MessageType
	CorrelationID string

	Confirmation *ConfirmationDetails
	Outcome      *ConfirmationOutcome
	Rejection    *PolicyRejection
	Execution    *ExecutionReport
	PolicyUpdate *PolicyUpdateNotice
	HookRequest  *HookExecutionRequest
	HookResponse *HookExecutionResponse
	HookDecision *HookPolicyDecision
}

// Listener receives every published message of a subscribed type. Listeners
// run synchronously on the publisher's goroutine and must not block.
type Listener func(Message)

// SubscriptionID identifies one listener registration.
type SubscriptionID string

type waiter struct {
	want MessageType
	ch   chan Message
}

// Bus routes messages between core components. Construct one per session and
// pass it by reference; it has no global state.
type Bus struct {
	mu      sync.RWMutex
	subs    map[MessageType]map[SubscriptionID]Listener
	order   map[MessageType][]SubscriptionID
	pending map[string]*waiter
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[MessageType]map[SubscriptionID]Listener),
		order:   make(map[MessageType][]SubscriptionID),
		pending: make(map[string]*waiter),
	}
}

// NewCorrelationID returns a token unique enough to never collide within a
// process lifetime.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Subscribe registers a listener for a message type and returns its id.
func (b *Bus) Subscribe(t MessageType, fn Listener) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = make(map[SubscriptionID]Listener)
	}
	b.subs[t][id] = fn
	b.order[t] = append(b.order[t], id)
	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (b *Bus) Unsubscribe(t MessageType, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[t], id)
	ids := b.order[t]
	for i, sid := range ids {
		if sid == id {
			b.order[t] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Publish delivers a message to every listener subscribed to its type, in
// subscription order, and resolves any pending Request waiting on the
// message's correlation id.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.order[msg.Type]))
	for _, id := range b.order[msg.Type] {
		if fn, ok := b.subs[msg.Type][id]; ok {
			listeners = append(listeners, fn)
		}
	}
	b.mu.RUnlock()

	logging.Bus("publish type=%s corr=%s listeners=%d", msg.Type, msg.CorrelationID, len(listeners))

	for _, fn := range listeners {
		fn(msg)
	}

	if msg.CorrelationID == "" {
		return
	}
	b.mu.Lock()
	w, ok := b.pending[msg.CorrelationID]
	if ok && w.want == msg.Type {
		delete(b.pending, msg.CorrelationID)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if ok {
		w.ch <- msg
	}
}

// Request publishes a request message and blocks until a message of
// wantType arrives carrying the same correlation id, or ctx fires. A message
// without a correlation id gets one assigned before publishing.
//
// The bus never times a request out by itself: if no responder ever answers,
// Request blocks until ctx is cancelled.
func (b *Bus) Request(ctx context.Context, msg Message, wantType MessageType) (Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = NewCorrelationID()
	}

	w := &waiter{want: wantType, ch: make(chan Message, 1)}
	b.mu.Lock()
	if _, exists := b.pending[msg.CorrelationID]; exists {
		b.mu.Unlock()
		return Message{}, fmt.Errorf("correlation id already in flight: %s", msg.CorrelationID)
	}
	b.pending[msg.CorrelationID] = w
	b.mu.Unlock()

	b.Publish(msg)

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, msg.CorrelationID)
		b.mu.Unlock()
		return Message{}, ctx.Err()
	}
}
