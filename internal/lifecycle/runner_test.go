package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestGo_TaskOutlivesSchedulingContext(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown(time.Second)

	// Simulates a connection context that is torn down immediately after
	// scheduling the leave task.
	connCtx, connCancel := context.WithCancel(context.Background())
	connCancel()

	ran := make(chan struct{})
	r.Go("leave", time.Second, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			t.Error("runner context must not inherit the connection context")
		default:
		}
		close(ran)
		return nil
	})

	<-connCtx.Done()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run after scheduling context teardown")
	}
}

func TestGo_TaskTimeoutIsBounded(t *testing.T) {
	r := NewRunner()
	defer r.Shutdown(time.Second)

	var timedOut atomic.Bool
	done := make(chan struct{})
	r.Go("leave", 20*time.Millisecond, func(ctx context.Context) error {
		defer close(done)
		select {
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
	if !timedOut.Load() {
		t.Error("expected the task context to time out")
	}
}

func TestShutdown_WaitsForInflightTasks(t *testing.T) {
	r := NewRunner()

	var finished atomic.Bool
	r.Go("leave", time.Second, func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	r.Shutdown(time.Second)

	if !finished.Load() {
		t.Error("shutdown returned before the in-flight task finished")
	}
}
