package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"peerstudy-backend/internal/model"
)

// Policy is the single retry policy applied to all relay operations.
// Delay before attempt n (1-based) is BaseDelay * n plus up to Jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

// Default matches the client contract: 3 attempts, linear backoff from 1s.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	Jitter:      250 * time.Millisecond,
}

// Delay returns the backoff before retry attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Do runs fn up to MaxAttempts times. Validation errors abort immediately and
// are returned as-is. When attempts are exhausted the last error is wrapped in
// model.ErrPersistentFailure so callers can degrade instead of hard-failing.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if model.IsValidation(last) {
			return last
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}

	return fmt.Errorf("%w: %w", model.ErrPersistentFailure, last)
}
