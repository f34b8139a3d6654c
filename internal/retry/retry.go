// Package retry implements bounded retry with exponential backoff for
// outbound channel sends and provider calls. Only transient failures are
// retried; permanent failures surface immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/providers"
)

// Engine retries an operation with exponential backoff and jitter.
// Retry-After hints from the failure override the computed delay, clamped
// to the configured maximum.
type Engine struct {
	attempts int
	minDelay time.Duration
	maxDelay time.Duration
	jitter   float64

	sleep func(context.Context, time.Duration) error
	rng   func() float64
}

// New creates an engine from config, filling defaults for zero fields.
func New(rc config.RetryConfig) *Engine {
	e := &Engine{
		attempts: rc.Attempts,
		minDelay: time.Duration(rc.MinDelayMs) * time.Millisecond,
		maxDelay: time.Duration(rc.MaxDelayMs) * time.Millisecond,
		jitter:   rc.Jitter,
		sleep:    sleepCtx,
		rng:      rand.Float64,
	}
	if e.attempts <= 0 {
		e.attempts = 3
	}
	if e.minDelay <= 0 {
		e.minDelay = 500 * time.Millisecond
	}
	if e.maxDelay <= 0 {
		e.maxDelay = 30 * time.Second
	}
	if e.jitter <= 0 {
		e.jitter = 0.2
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn up to the attempt budget. Non-transient errors and context
// cancellation return immediately.
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !providers.KindOf(last).IsTransient() {
			return last
		}
		if attempt == e.attempts {
			break
		}
		if err := e.sleep(ctx, e.Delay(attempt, retryAfterOf(last))); err != nil {
			return err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", e.attempts, last)
}

// Delay computes the backoff for a 1-based attempt number. A Retry-After
// hint floors the delay; the configured max caps it; jitter spreads
// synchronized retries.
func (e *Engine) Delay(attempt int, retryAfter time.Duration) time.Duration {
	d := e.minDelay << (attempt - 1)
	if retryAfter > d {
		d = retryAfter
	}
	if d > e.maxDelay {
		d = e.maxDelay
	}
	// Multiplicative jitter in [1-j, 1+j].
	factor := 1 + e.jitter*(2*e.rng()-1)
	d = time.Duration(float64(d) * factor)
	if d < 0 {
		d = e.minDelay
	}
	return d
}

func retryAfterOf(err error) time.Duration {
	var perr *providers.Error
	if errors.As(err, &perr) && perr.RetryAfter > 0 {
		return perr.RetryAfter
	}
	return 0
}
