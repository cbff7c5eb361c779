package relay

import (
	"context"
	"log"
	"sync"

	"peerstudy-backend/internal/metrics"
	"peerstudy-backend/internal/model"
	"peerstudy-backend/internal/whiteboard"
)

const (
	hubBuffer        = 100
	subscriberBuffer = 128
)

// Relay fans published events out to the subscribers of each session. Sessions
// share nothing with each other, so the map of hubs partitions trivially by
// session id.
type Relay struct {
	store   Store
	metrics *metrics.Collector
	hubs    map[int64]*sessionHub
	mu      sync.RWMutex
}

// sessionHub runs one broadcaster goroutine per session, mirroring the
// per-session total order of the store onto every live subscriber.
type sessionHub struct {
	id          int64
	subscribers map[*subscriber]struct{}
	broadcast   chan Event
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	relay       *Relay
}

type subscriber struct {
	consumerID int64
	live       chan Event
}

// New creates a Relay over the given store. collector may be nil.
func New(store Store, collector *metrics.Collector) *Relay {
	return &Relay{
		store:   store,
		metrics: collector,
		hubs:    make(map[int64]*sessionHub),
	}
}

func (r *Relay) getOrCreateHub(sessionID int64) *sessionHub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hub, ok := r.hubs[sessionID]; ok {
		return hub
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := &sessionHub{
		id:          sessionID,
		subscribers: make(map[*subscriber]struct{}),
		broadcast:   make(chan Event, hubBuffer),
		ctx:         ctx,
		cancel:      cancel,
		relay:       r,
	}
	r.hubs[sessionID] = hub
	r.metrics.HubStarted()
	go hub.run()

	log.Printf("[Relay] Started hub for session %d", sessionID)
	return hub
}

// removeHubIfEmpty tears the hub down once its last subscriber is gone.
func (r *Relay) removeHubIfEmpty(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hub, ok := r.hubs[sessionID]
	if !ok {
		return
	}
	hub.mu.RLock()
	empty := len(hub.subscribers) == 0
	hub.mu.RUnlock()

	if empty {
		hub.cancel()
		delete(r.hubs, sessionID)
		r.metrics.HubStopped()
		log.Printf("[Relay] Removed hub for session %d", sessionID)
	}
}

// CloseSession shuts the session's hub down immediately, ending all of its
// subscriber streams. Used when the registry closes a session.
func (r *Relay) CloseSession(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hub, ok := r.hubs[sessionID]; ok {
		hub.cancel()
		delete(r.hubs, sessionID)
		r.metrics.HubStopped()
		log.Printf("[Relay] Closed hub for session %d", sessionID)
	}
}

// Publish appends the event to the session log and notifies live subscribers.
// Delivery to disconnected consumers is deferred until they resubscribe with a
// sinceSeq and replay the backlog.
func (r *Relay) Publish(ctx context.Context, ev *Event) error {
	if !ev.Kind.Valid() {
		return model.ErrInvalidConfig
	}
	if err := r.store.Append(ctx, ev); err != nil {
		return err
	}
	r.metrics.Published(ev.Kind.String())

	r.mu.RLock()
	hub, ok := r.hubs[ev.SessionID]
	r.mu.RUnlock()
	if !ok {
		// Nobody is live; subscribers will catch up from the store.
		return nil
	}

	select {
	case hub.broadcast <- *ev:
	case <-hub.ctx.Done():
	default:
		r.metrics.Dropped()
		log.Printf("[Relay] Session %d broadcast buffer full, event %d dropped from live fan-out", ev.SessionID, ev.Seq)
	}
	return nil
}

// Subscribe returns a stream that first replays stored events with
// seq > sinceSeq, then tails new events as they are published. The splice is
// gapless and duplicate-free: the live registration happens before the replay
// read, and live events at or below the replay high-water mark are suppressed.
// Cancelling ctx closes the stream and releases hub resources promptly.
func (r *Relay) Subscribe(ctx context.Context, sessionID, consumerID, sinceSeq int64) (<-chan Event, error) {
	hub := r.getOrCreateHub(sessionID)

	sub := &subscriber{
		consumerID: consumerID,
		live:       make(chan Event, subscriberBuffer),
	}
	hub.add(sub)
	r.metrics.SubscriberAdded()

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer func() {
			hub.remove(sub)
			r.metrics.SubscriberRemoved()
			r.removeHubIfEmpty(sessionID)
			close(out)
		}()

		highWater, ok := r.replay(ctx, sub, sessionID, sinceSeq, out)
		if !ok {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-hub.ctx.Done():
				return
			case ev := <-sub.live:
				if ev.Seq <= highWater {
					continue // already replayed
				}
				highWater = ev.Seq
				filtered, deliver := eventFor(sub.consumerID, ev)
				if !deliver {
					continue
				}
				select {
				case out <- filtered:
					r.metrics.Delivered()
				case <-ctx.Done():
					return
				case <-hub.ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Backlog returns the stored events visible to consumerID with seq > sinceSeq,
// in ascending seq order. Same filtering as a subscribe replay, without the
// live tail.
func (r *Relay) Backlog(ctx context.Context, sessionID, consumerID, sinceSeq int64) ([]Event, error) {
	clearSeq, err := r.store.LastClearSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wbFloor := whiteboard.ReplayFrom(sinceSeq, clearSeq)

	events, err := r.store.Since(ctx, sessionID, sinceSeq)
	if err != nil {
		return nil, err
	}

	visible := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Kind == model.MessageKindWhiteboardOp && ev.Seq <= wbFloor {
			continue
		}
		filtered, deliver := eventFor(consumerID, ev)
		if !deliver {
			continue
		}
		visible = append(visible, filtered)
	}
	return visible, nil
}

// replay streams the stored backlog to out and returns the highest seq sent.
func (r *Relay) replay(ctx context.Context, sub *subscriber, sessionID, sinceSeq int64, out chan<- Event) (int64, bool) {
	// Whiteboard catch-up after a CLEAR only needs the tail; everything the
	// clear superseded folds to nothing anyway.
	clearSeq, err := r.store.LastClearSeq(ctx, sessionID)
	if err != nil {
		log.Printf("[Relay] Session %d: clear lookup failed: %v", sessionID, err)
		clearSeq = 0
	}
	wbFloor := whiteboard.ReplayFrom(sinceSeq, clearSeq)

	events, err := r.store.Since(ctx, sessionID, sinceSeq)
	if err != nil {
		log.Printf("[Relay] Session %d: backlog read failed: %v", sessionID, err)
		return 0, false
	}

	highWater := sinceSeq
	for _, ev := range events {
		if ev.Seq > highWater {
			highWater = ev.Seq
		}
		if ev.Kind == model.MessageKindWhiteboardOp && ev.Seq <= wbFloor {
			continue
		}
		filtered, deliver := eventFor(sub.consumerID, ev)
		if !deliver {
			continue
		}
		select {
		case out <- filtered:
			r.metrics.Delivered()
		case <-ctx.Done():
			return highWater, false
		}
	}
	return highWater, true
}

// eventFor narrows a chat event to the subscriber's own ciphertext. Events of
// other kinds pass through unchanged.
func eventFor(consumerID int64, ev Event) (Event, bool) {
	if ev.Kind != model.MessageKindChat {
		return ev, true
	}
	for _, rcpt := range ev.Recipients {
		if rcpt.RecipientID == consumerID {
			ev.Ciphertext = rcpt.Ciphertext
			ev.Recipients = nil
			return ev, true
		}
	}
	// The sender sees its own message confirmed without a ciphertext copy.
	if ev.SenderID == consumerID {
		ev.Recipients = nil
		return ev, true
	}
	return Event{}, false
}

// =============================================================================
// Hub internals
// =============================================================================

func (h *sessionHub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
}

func (h *sessionHub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

// run fans broadcast events out to subscriber buffers. A full buffer means a
// slow consumer; the event is dropped for that subscriber only and it recovers
// by resubscribing with its last applied seq.
func (h *sessionHub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.broadcast:
			h.mu.RLock()
			subs := make([]*subscriber, 0, len(h.subscribers))
			for sub := range h.subscribers {
				subs = append(subs, sub)
			}
			h.mu.RUnlock()

			for _, sub := range subs {
				select {
				case sub.live <- ev:
				default:
					h.relay.metrics.Dropped()
					log.Printf("[Relay] Session %d: subscriber %d buffer full, event %d dropped", h.id, sub.consumerID, ev.Seq)
				}
			}
		}
	}
}
