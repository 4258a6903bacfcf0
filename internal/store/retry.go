package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Retrier re-runs an atomic unit that failed with ErrConflict.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnRetry is called before each new attempt.
	OnRetry func(attempt int, err error)
}

func DefaultRetrier() Retrier {
	return Retrier{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
}

func (r Retrier) Run(ctx context.Context, atomic Atomic, fn TxFunc) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = atomic.Atomically(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt == attempts {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, err)
		}

		timer := time.NewTimer(r.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func (r Retrier) backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	limit := r.MaxDelay
	if limit < base {
		limit = base
	}
	delay := base << (attempt - 1)
	if delay <= 0 || delay > limit {
		delay = limit
	}
	// full jitter keeps competing terminals from retrying in lockstep
	return time.Duration(rand.Int64N(int64(delay)) + 1)
}
