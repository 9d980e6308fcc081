package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe(MessagePolicyRejection, func(m Message) {
		got = append(got, "first:"+m.Rejection.CallID)
	})
	b.Subscribe(MessagePolicyRejection, func(m Message) {
		got = append(got, "second:"+m.Rejection.CallID)
	})

	b.Publish(Message{
		Type:      MessagePolicyRejection,
		Rejection: &PolicyRejection{CallID: "c1", ToolName: "shell", Reason: "denied"},
	})

	assert.Equal(t, []string{"first:c1", "second:c1"}, got)
}

func TestPublishIgnoresOtherTypes(t *testing.T) {
	b := New()

	called := 0
	b.Subscribe(MessageToolExecutionSuccess, func(Message) { called++ })

	b.Publish(Message{Type: MessageToolExecutionFailure})
	assert.Zero(t, called)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	called := 0
	id := b.Subscribe(MessagePolicyUpdate, func(Message) { called++ })
	b.Publish(Message{Type: MessagePolicyUpdate})
	b.Unsubscribe(MessagePolicyUpdate, id)
	b.Publish(Message{Type: MessagePolicyUpdate})

	assert.Equal(t, 1, called)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	b := New()

	// Responder answers every confirmation request by echoing the
	// correlation id, the way the TUI approval layer does.
	b.Subscribe(MessageToolConfirmationRequest, func(m Message) {
		go b.Publish(Message{
			Type:          MessageToolConfirmationResponse,
			CorrelationID: m.CorrelationID,
			Outcome:       &ConfirmationOutcome{CallID: m.Confirmation.CallID, Approved: true},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := b.Request(ctx, Message{
		Type:         MessageToolConfirmationRequest,
		Confirmation: &ConfirmationDetails{CallID: "c7", ToolName: "edit"},
	}, MessageToolConfirmationResponse)
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome)
	assert.True(t, resp.Outcome.Approved)
	assert.Equal(t, "c7", resp.Outcome.CallID)
}

func TestRequestMismatchedCorrelationIDDoesNotResolve(t *testing.T) {
	b := New()

	b.Subscribe(MessageToolConfirmationRequest, func(m Message) {
		go b.Publish(Message{
			Type:          MessageToolConfirmationResponse,
			CorrelationID: "some-other-id",
			Outcome:       &ConfirmationOutcome{Approved: true},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, Message{
		Type:         MessageToolConfirmationRequest,
		Confirmation: &ConfirmationDetails{CallID: "c1"},
	}, MessageToolConfirmationResponse)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestNoResponderBlocksUntilContext(t *testing.T) {
	b := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, Message{
			Type:         MessageToolConfirmationRequest,
			Confirmation: &ConfirmationDetails{CallID: "c1"},
		}, MessageToolConfirmationResponse)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("request resolved without a responder")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRequestWrongResponseTypeDoesNotResolve(t *testing.T) {
	b := New()

	b.Subscribe(MessageHookExecutionRequest, func(m Message) {
		// Right correlation id, wrong type: must not satisfy the waiter.
		go b.Publish(Message{
			Type:          MessageHookPolicyDecision,
			CorrelationID: m.CorrelationID,
			HookDecision:  &HookPolicyDecision{EntryID: "h1", Decision: "allow"},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, Message{
		Type:        MessageHookExecutionRequest,
		HookRequest: &HookExecutionRequest{EntryID: "h1"},
	}, MessageHookExecutionResponse)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentRequests(t *testing.T) {
	b := New()

	b.Subscribe(MessageToolConfirmationRequest, func(m Message) {
		go b.Publish(Message{
			Type:          MessageToolConfirmationResponse,
			CorrelationID: m.CorrelationID,
			Outcome:       &ConfirmationOutcome{CallID: m.Confirmation.CallID, Approved: true},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			callID := string(rune('a' + n))
			resp, err := b.Request(ctx, Message{
				Type:         MessageToolConfirmationRequest,
				Confirmation: &ConfirmationDetails{CallID: callID},
			}, MessageToolConfirmationResponse)
			if err != nil {
				t.Errorf("request %d: %v", n, err)
				return
			}
			if resp.Outcome.CallID != callID {
				t.Errorf("request %d: got response for %q", n, resp.Outcome.CallID)
			}
		}(i)
	}
	wg.Wait()
}
