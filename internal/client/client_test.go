package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"peerstudy-backend/internal/model"
	"peerstudy-backend/internal/relay"
	"peerstudy-backend/internal/retry"
)

// flakyTransport fails the first failures publishes/subscribes with a
// transient error, then delegates to an in-process relay.
type flakyTransport struct {
	relay *relay.Relay

	mu             sync.Mutex
	publishFails   int
	subscribeFails int
	publishCalls   int
}

func newFlakyTransport() *flakyTransport {
	return &flakyTransport{relay: relay.New(relay.NewMemoryStore(), nil)}
}

func (f *flakyTransport) Publish(ctx context.Context, ev *relay.Event) error {
	f.mu.Lock()
	f.publishCalls++
	if f.publishFails > 0 {
		f.publishFails--
		f.mu.Unlock()
		return model.ErrTransient
	}
	f.mu.Unlock()
	return f.relay.Publish(ctx, ev)
}

func (f *flakyTransport) Subscribe(ctx context.Context, sessionID, consumerID, sinceSeq int64) (<-chan relay.Event, error) {
	f.mu.Lock()
	if f.subscribeFails > 0 {
		f.subscribeFails--
		f.mu.Unlock()
		return nil, model.ErrTransient
	}
	f.mu.Unlock()
	return f.relay.Subscribe(ctx, sessionID, consumerID, sinceSeq)
}

func (f *flakyTransport) Leave(ctx context.Context, sessionID, userID int64) error {
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func chatEvent(code string) relay.Event {
	return relay.Event{
		Code: code,
		Kind: model.MessageKindChat,
		Recipients: []relay.Recipient{
			{RecipientID: 11, Ciphertext: "ct"},
		},
	}
}

func TestSend_RetriesTransientFailuresThenSucceeds(t *testing.T) {
	tr := newFlakyTransport()
	tr.publishFails = 2
	c := New(tr, fastPolicy(), 1, 10)

	if err := c.Send(context.Background(), chatEvent("m1")); err != nil {
		t.Fatalf("send should succeed after retries: %v", err)
	}
	if tr.publishCalls != 3 {
		t.Errorf("expected 3 publish attempts, got %d", tr.publishCalls)
	}

	outbox := c.Outbox()
	if len(outbox) != 1 || outbox[0].State != PendingSent {
		t.Errorf("message should be tagged SENT, got %+v", outbox)
	}
}

func TestSend_ExhaustedRetriesTagUnsentAndSurfacePersistentFailure(t *testing.T) {
	tr := newFlakyTransport()
	tr.publishFails = 99
	c := New(tr, fastPolicy(), 1, 10)

	err := c.Send(context.Background(), chatEvent("m1"))
	if !errors.Is(err, model.ErrPersistentFailure) {
		t.Fatalf("expected ErrPersistentFailure, got %v", err)
	}
	if tr.publishCalls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", tr.publishCalls)
	}

	// The message remains visible locally, tagged unsent.
	outbox := c.Outbox()
	if len(outbox) != 1 {
		t.Fatalf("expected 1 outbox entry, got %d", len(outbox))
	}
	if outbox[0].State != PendingUnsent {
		t.Errorf("expected UNSENT, got %s", outbox[0].State)
	}
}

func TestSend_ValidationErrorIsNotRetried(t *testing.T) {
	tr := newFlakyTransport()
	c := New(tr, fastPolicy(), 1, 10)

	// Publishing into a session that does not accept it.
	ev := relay.Event{Code: "m1", Kind: "BOGUS"}
	err := c.Send(context.Background(), ev)
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if tr.publishCalls != 1 {
		t.Errorf("validation failure must not be retried, got %d calls", tr.publishCalls)
	}
}

func TestApply_DeduplicatesRedeliveredMessages(t *testing.T) {
	c := New(newFlakyTransport(), fastPolicy(), 1, 11)

	ev := relay.Event{Code: "m1", Seq: 5, Kind: model.MessageKindChat}
	if !c.Apply(ev) {
		t.Fatal("first apply should be recorded")
	}
	if c.Apply(ev) {
		t.Error("redelivery of the same code must be ignored")
	}
	if got := len(c.Applied()); got != 1 {
		t.Errorf("expected 1 visible entry, got %d", got)
	}
	if c.LastApplied() != 5 {
		t.Errorf("expected lastApplied 5, got %d", c.LastApplied())
	}
}

func TestRun_RetriesSubscriptionAndAppliesBacklog(t *testing.T) {
	tr := newFlakyTransport()
	tr.subscribeFails = 2
	c := New(tr, fastPolicy(), 1, 11)

	// Backlog published before the consumer connects.
	for i := 0; i < 3; i++ {
		ev := relay.Event{
			SessionID: 1, SenderID: 10,
			Kind:       model.MessageKindChat,
			Recipients: []relay.Recipient{{RecipientID: 11, Ciphertext: "ct"}},
		}
		if err := tr.relay.Publish(context.Background(), &ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for c.LastApplied() < 3 {
		select {
		case <-deadline:
			t.Fatalf("backlog not applied, lastApplied=%d", c.LastApplied())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got := len(c.Applied()); got != 3 {
		t.Errorf("expected 3 applied events, got %d", got)
	}
}
