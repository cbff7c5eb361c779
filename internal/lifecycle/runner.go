package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// Runner executes cleanup tasks on a context scoped to the process lifetime,
// not to the connection or request that scheduled them. A client tearing down
// its WebSocket must still get its leave notification delivered; binding that
// work to the dying connection context silently dropped it.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner detached from any request context.
func NewRunner() *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{ctx: ctx, cancel: cancel}
}

// Go schedules fn on the runner with a bounded timeout so an unreachable
// backing store cannot leak a hanging task.
func (r *Runner) Go(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			log.Printf("[Lifecycle] Task %s failed: %v", name, err)
		}
	}()
}

// Shutdown cancels the runner context after waiting up to grace for in-flight
// tasks to finish.
func (r *Runner) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[Lifecycle] Shutdown grace period elapsed with tasks still running")
	}
	r.cancel()
}
