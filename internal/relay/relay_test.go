package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"peerstudy-backend/internal/model"
)

func chatEvent(sessionID, senderID int64, recipients ...int64) *Event {
	ev := &Event{
		SessionID: sessionID,
		SenderID:  senderID,
		Kind:      model.MessageKindChat,
	}
	for _, id := range recipients {
		ev.Recipients = append(ev.Recipients, Recipient{
			RecipientID: id,
			Ciphertext:  fmt.Sprintf("ct-for-%d", id),
		})
	}
	return ev
}

func wbEvent(sessionID, senderID int64, kind model.WhiteboardOpKind) *Event {
	return &Event{
		SessionID: sessionID,
		SenderID:  senderID,
		Kind:      model.MessageKindWhiteboardOp,
		OpKind:    kind,
		OpData:    json.RawMessage(`{}`),
	}
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribe_ReplaysExactlyEventsAfterSinceSeq(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := r.Publish(ctx, chatEvent(1, 10, 10, 11)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.Subscribe(subCtx, 1, 11, 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := collect(t, ch, 3)
	for i, ev := range got {
		want := int64(3 + i)
		if ev.Seq != want {
			t.Errorf("event %d: expected seq %d, got %d", i, want, ev.Seq)
		}
		if ev.Ciphertext != "ct-for-11" {
			t.Errorf("event %d: expected the subscriber's ciphertext, got %q", i, ev.Ciphertext)
		}
		if ev.Recipients != nil {
			t.Errorf("event %d: other recipients' ciphertexts must not be delivered", i)
		}
	}
}

func TestSubscribe_SpliceHasNoGapsOrDuplicates(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Publish(ctx, chatEvent(1, 10, 10, 11)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.Subscribe(subCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Live publishes racing the replay.
	for i := 0; i < 3; i++ {
		if err := r.Publish(ctx, chatEvent(1, 10, 10, 11)); err != nil {
			t.Fatalf("live publish: %v", err)
		}
	}

	got := collect(t, ch, 6)
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Fatalf("expected contiguous seqs 1..6, got %d at position %d", ev.Seq, i)
		}
	}
}

func TestSubscribe_LiveTailDeliversNewEvents(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.Subscribe(subCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Hub registration is synchronous, but give the consumer goroutine a beat.
	time.Sleep(10 * time.Millisecond)

	if err := r.Publish(ctx, chatEvent(1, 10, 11)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := collect(t, ch, 1)
	if got[0].Seq != 1 || got[0].Ciphertext != "ct-for-11" {
		t.Errorf("unexpected live event: %+v", got[0])
	}
}

func TestSubscribe_ChatNotAddressedToConsumerIsSkipped(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	// Seq 1 addressed only to user 12, seq 2 to user 11.
	if err := r.Publish(ctx, chatEvent(1, 10, 12)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := r.Publish(ctx, chatEvent(1, 10, 11)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.Subscribe(subCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := collect(t, ch, 1)
	if got[0].Seq != 2 {
		t.Errorf("expected only seq 2 for user 11, got seq %d", got[0].Seq)
	}
}

func TestSubscribe_SenderSeesOwnMessageConfirmed(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	if err := r.Publish(ctx, chatEvent(1, 10, 11)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.Subscribe(subCtx, 1, 10, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := collect(t, ch, 1)
	if got[0].SenderID != 10 || got[0].Ciphertext != "" {
		t.Errorf("sender should see a confirmation without ciphertext: %+v", got[0])
	}
}

func TestSubscribe_ClearTruncatesWhiteboardReplay(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	r.Publish(ctx, wbEvent(1, 10, model.OpStroke))  // seq 1, superseded
	r.Publish(ctx, chatEvent(1, 10, 11))            // seq 2, chat survives the clear
	r.Publish(ctx, wbEvent(1, 10, model.OpClear))   // seq 3
	r.Publish(ctx, wbEvent(1, 11, model.OpStroke))  // seq 4

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.Subscribe(subCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := collect(t, ch, 3)
	wantSeqs := []int64{2, 3, 4}
	for i, ev := range got {
		if ev.Seq != wantSeqs[i] {
			t.Errorf("position %d: expected seq %d, got %d", i, wantSeqs[i], ev.Seq)
		}
	}
}

func TestSubscribe_CancellationClosesStreamAndRemovesHub(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.Subscribe(subCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed stream after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancellation")
	}

	deadline := time.After(time.Second)
	for {
		r.mu.RLock()
		_, exists := r.hubs[1]
		r.mu.RUnlock()
		if !exists {
			break
		}
		select {
		case <-deadline:
			t.Fatal("empty hub was not removed after the last subscriber left")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPublish_ClosedSessionIsRejected(t *testing.T) {
	store := NewMemoryStore()
	store.CloseSession(1)
	r := New(store, nil)

	err := r.Publish(context.Background(), chatEvent(1, 10, 11))
	if !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestPublish_InvalidKindIsRejected(t *testing.T) {
	r := New(NewMemoryStore(), nil)

	err := r.Publish(context.Background(), &Event{SessionID: 1, SenderID: 10, Kind: "BOGUS"})
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestResubscribe_ResumesWithoutGapsOrDuplicates(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := r.Publish(ctx, chatEvent(1, 10, 11)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	firstCtx, firstCancel := context.WithCancel(ctx)
	ch, err := r.Subscribe(firstCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	first := collect(t, ch, 2)
	lastApplied := first[1].Seq
	firstCancel()

	for i := 0; i < 2; i++ {
		if err := r.Publish(ctx, chatEvent(1, 10, 11)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	secondCtx, secondCancel := context.WithCancel(ctx)
	defer secondCancel()
	ch2, err := r.Subscribe(secondCtx, 1, 11, lastApplied)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	rest := collect(t, ch2, 4)
	seen := map[int64]bool{1: true, 2: true}
	for _, ev := range rest {
		if seen[ev.Seq] {
			t.Fatalf("seq %d delivered twice across resubscription", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	for seq := int64(1); seq <= 6; seq++ {
		if !seen[seq] {
			t.Errorf("seq %d never delivered", seq)
		}
	}
}

func TestWhiteboardOp_SameCodeOnLiveDeliveryAndReplay(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, nil)
	ctx := context.Background()

	liveCtx, liveCancel := context.WithCancel(ctx)
	ch, err := r.Subscribe(liveCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.Publish(ctx, wbEvent(1, 10, model.OpStroke)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	live := collect(t, ch, 1)[0]
	liveCancel()

	if live.Code != WhiteboardCode(1, live.Seq) {
		t.Errorf("live delivery: expected code %q, got %q", WhiteboardCode(1, live.Seq), live.Code)
	}

	// Replay from a stale cursor must carry the identifier the live copy had,
	// so a consumer's dedupe-by-code drops the overlap instead of re-applying.
	replayCtx, replayCancel := context.WithCancel(ctx)
	defer replayCancel()
	ch2, err := r.Subscribe(replayCtx, 1, 11, 0)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	replayed := collect(t, ch2, 1)[0]

	if replayed.Code != live.Code {
		t.Errorf("replay code %q differs from live code %q for seq %d", replayed.Code, live.Code, live.Seq)
	}
}
