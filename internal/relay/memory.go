package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerstudy-backend/internal/model"
)

// MemoryStore is an in-memory Store. It backs tests and the client package's
// local pending queue; production traffic goes through the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	seqs    map[int64]int64
	events  map[int64][]Event
	closed  map[int64]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seqs:   make(map[int64]int64),
		events: make(map[int64][]Event),
		closed: make(map[int64]bool),
	}
}

// CloseSession marks a session as rejecting further publishes.
func (s *MemoryStore) CloseSession(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[sessionID] = true
}

// Append assigns the next seq and stores the event.
func (s *MemoryStore) Append(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed[ev.SessionID] {
		return model.ErrSessionClosed
	}

	s.seqs[ev.SessionID]++
	ev.Seq = s.seqs[ev.SessionID]
	if ev.Kind == model.MessageKindWhiteboardOp {
		ev.Code = WhiteboardCode(ev.SessionID, ev.Seq)
	} else if ev.Code == "" {
		ev.Code = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	s.events[ev.SessionID] = append(s.events[ev.SessionID], *ev)
	return nil
}

// Since returns events with seq > sinceSeq in seq order.
func (s *MemoryStore) Since(ctx context.Context, sessionID, sinceSeq int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events[sessionID] {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LastClearSeq returns the seq of the latest whiteboard CLEAR.
func (s *MemoryStore) LastClearSeq(ctx context.Context, sessionID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last int64
	for _, ev := range s.events[sessionID] {
		if ev.Kind == model.MessageKindWhiteboardOp && ev.OpKind == model.OpClear && ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}
