// Package retry runs operations under bounded retry with backoff. Only
// failures IsTransient accepts are retried; everything else, and
// cancellation, ends the operation immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tomertec/sshmanager-sub001/internal/backoff"
	"github.com/tomertec/sshmanager-sub001/internal/metrics"
)

// Notification describes a scheduled retry. It is advisory; nothing depends
// on it for correctness.
type Notification struct {
	Operation string
	Attempt   int           // 1-based number of the attempt that failed
	Delay     time.Duration // wait before the next attempt
	Err       error
}

// Options configures one execution.
type Options struct {
	// Operation labels logs and metrics.
	Operation string
	// MaxAttempts bounds the total number of attempts; values < 1 mean 1.
	MaxAttempts int
	Backoff     backoff.Config
	// Classifier decides retryability; nil means IsTransient.
	Classifier func(error) bool
	// OnRetry is called before each backoff wait.
	OnRetry func(Notification)
	// Rand overrides the jitter source.
	Rand func() float64
}

// ErrExhausted is wrapped around the last failure when every attempt failed
// transiently.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs op until it succeeds, fails non-transiently, exhausts
// opts.MaxAttempts, or ctx is cancelled. Cancellation returns an error
// satisfying errors.Is(err, ctx.Err()) and never ErrExhausted.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classify := opts.Classifier
	if classify == nil {
		classify = IsTransient
	}
	name := opts.Operation
	if name == "" {
		name = "operation"
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.RetryOutcomesTotal.WithLabelValues(name, "canceled").Inc()
			return zero, fmt.Errorf("%s canceled before attempt %d: %w", name, attempt+1, err)
		}

		result, err := op(ctx)
		if err == nil {
			metrics.RetryOutcomesTotal.WithLabelValues(name, "success").Inc()
			return result, nil
		}

		// A failure caused by our own cancellation is not a retry candidate.
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.RetryOutcomesTotal.WithLabelValues(name, "canceled").Inc()
			return zero, fmt.Errorf("%s canceled during attempt %d: %w", name, attempt+1, errors.Join(ctxErr, err))
		}
		if !classify(err) {
			metrics.RetryOutcomesTotal.WithLabelValues(name, "permanent").Inc()
			return zero, err
		}
		if attempt+1 >= maxAttempts {
			metrics.RetryOutcomesTotal.WithLabelValues(name, "exhausted").Inc()
			return zero, fmt.Errorf("%s: %w after %d attempt(s): %w", name, ErrExhausted, maxAttempts, err)
		}

		var delay time.Duration
		if opts.Rand != nil {
			delay = backoff.DelayWithRand(attempt, opts.Backoff, opts.Rand)
		} else {
			delay = backoff.Delay(attempt, opts.Backoff)
		}

		log.Printf("[retry] %s attempt %d/%d failed: %v; retrying in %s", name, attempt+1, maxAttempts, err, delay)
		metrics.RetryAttemptsTotal.WithLabelValues(name).Inc()
		if opts.OnRetry != nil {
			opts.OnRetry(Notification{Operation: name, Attempt: attempt + 1, Delay: delay, Err: err})
		}

		if err := Sleep(ctx, delay); err != nil {
			metrics.RetryOutcomesTotal.WithLabelValues(name, "canceled").Inc()
			return zero, fmt.Errorf("%s canceled during backoff: %w", name, err)
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
