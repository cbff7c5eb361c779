package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"peerstudy-backend/internal/model"
)

func TestDo_SucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return model.ErrTransient
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustionSurfacesPersistentFailure(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return model.ErrTransient
	})

	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, model.ErrPersistentFailure) {
		t.Fatalf("expected ErrPersistentFailure, got %v", err)
	}
	if !errors.Is(err, model.ErrTransient) {
		t.Errorf("wrapped error should preserve the last cause, got %v", err)
	}
}

func TestDo_ValidationErrorsAreNeverRetried(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return model.ErrSessionFull
	})

	if calls != 1 {
		t.Errorf("validation error must not be retried, got %d calls", calls)
	}
	if !errors.Is(err, model.ErrSessionFull) {
		t.Errorf("expected ErrSessionFull, got %v", err)
	}
	if errors.Is(err, model.ErrPersistentFailure) {
		t.Error("validation error must not be wrapped as persistent failure")
	}
}

func TestDelay_GrowsLinearlyWithAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second}

	for attempt := 1; attempt <= 3; attempt++ {
		got := p.Delay(attempt)
		want := time.Duration(attempt) * time.Second
		if got != want {
			t.Errorf("attempt %d: expected delay %v, got %v", attempt, want, got)
		}
	}
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			calls++
			return model.ErrTransient
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}
