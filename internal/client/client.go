package client

import (
	"context"
	"log"
	"sync"

	"peerstudy-backend/internal/relay"
	"peerstudy-backend/internal/retry"
)

// Transport is the slice of the relay a consumer talks to. In production this
// is the WebSocket/REST boundary; tests plug in flaky fakes.
type Transport interface {
	Publish(ctx context.Context, ev *relay.Event) error
	Subscribe(ctx context.Context, sessionID, consumerID, sinceSeq int64) (<-chan relay.Event, error)
	Leave(ctx context.Context, sessionID, userID int64) error
}

// PendingState tags a locally-held outbound message.
type PendingState string

const (
	PendingSending PendingState = "SENDING"
	PendingSent    PendingState = "SENT"
	PendingUnsent  PendingState = "UNSENT" // retries exhausted, kept visible locally
)

// PendingMessage is an outbound message and its local delivery state. Send
// failures degrade to "sent locally, pending sync" instead of blocking the UI.
type PendingMessage struct {
	Event relay.Event
	State PendingState
	Err   error
}

// Client implements the consumer-side reconnection contract: retried sends
// with linear backoff, resubscription from the last applied seq, and
// idempotent apply keyed by message code.
type Client struct {
	transport Transport
	policy    retry.Policy

	sessionID  int64
	consumerID int64

	mu          sync.Mutex
	lastApplied int64
	appliedIDs  map[string]struct{}
	applied     []relay.Event
	outbox      []*PendingMessage
}

// New creates a client for one consumer in one session.
func New(transport Transport, policy retry.Policy, sessionID, consumerID int64) *Client {
	return &Client{
		transport:  transport,
		policy:     policy,
		sessionID:  sessionID,
		consumerID: consumerID,
		appliedIDs: make(map[string]struct{}),
	}
}

// Send publishes the event through the retry policy. On persistent failure the
// message stays in the outbox tagged UNSENT and the error is returned for a
// non-blocking notification; the caller's view keeps the message visible.
func (c *Client) Send(ctx context.Context, ev relay.Event) error {
	ev.SessionID = c.sessionID
	ev.SenderID = c.consumerID

	pending := &PendingMessage{Event: ev, State: PendingSending}
	c.mu.Lock()
	c.outbox = append(c.outbox, pending)
	c.mu.Unlock()

	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.transport.Publish(ctx, &pending.Event)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		pending.State = PendingUnsent
		pending.Err = err
		return err
	}
	pending.State = PendingSent
	return nil
}

// Outbox returns a snapshot of locally-held outbound messages.
func (c *Client) Outbox() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingMessage, len(c.outbox))
	for i, p := range c.outbox {
		out[i] = *p
	}
	return out
}

// Apply records a delivered event. Redeliveries of the same message code are
// ignored, so replaying an overlap after a reconnect cannot duplicate visible
// chat entries.
func (c *Client) Apply(ev relay.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.appliedIDs[ev.Code]; dup {
		return false
	}
	c.appliedIDs[ev.Code] = struct{}{}
	c.applied = append(c.applied, ev)
	if ev.Seq > c.lastApplied {
		c.lastApplied = ev.Seq
	}
	return true
}

// Applied returns the events applied so far, in application order.
func (c *Client) Applied() []relay.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]relay.Event, len(c.applied))
	copy(out, c.applied)
	return out
}

// LastApplied returns the high-water seq to resume from.
func (c *Client) LastApplied() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastApplied
}

// Run subscribes and applies events until ctx is cancelled. Each transient
// subscription failure goes through the retry policy; every resubscription
// passes the last applied seq so the stream resumes without gaps, and Apply's
// dedupe covers any overlap.
func (c *Client) Run(ctx context.Context) error {
	for {
		var stream <-chan relay.Event
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			stream, err = c.transport.Subscribe(ctx, c.sessionID, c.consumerID, c.LastApplied())
			return err
		})
		if err != nil {
			return err
		}

		if err := c.consume(ctx, stream); err != nil {
			return err
		}
		// Stream ended; resubscribe from the new high-water mark.
		log.Printf("[Client] Session %d: stream ended, resubscribing from seq %d", c.sessionID, c.LastApplied())
	}
}

func (c *Client) consume(ctx context.Context, stream <-chan relay.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			c.Apply(ev)
		}
	}
}

// Leave notifies the relay that this consumer left. Callers tearing down a UI
// component must dispatch this via lifecycle.Runner so it survives the
// component's own context.
func (c *Client) Leave(ctx context.Context) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.transport.Leave(ctx, c.sessionID, c.consumerID)
	})
}
