// Package retry implements the shared backoff policy used by every remote
// call: capped exponential delay with jitter, caller-supplied error
// classification, and a provider-wide rate gate so a rate limit seen by one
// worker slows all of them down.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Class is the retry classification of a single failure.
type Class int

const (
	// Fatal failures propagate immediately without further attempts.
	Fatal Class = iota
	// Retryable failures are retried until the attempt budget is exhausted.
	Retryable
	// RateLimited failures are retried and additionally trip the shared
	// rate gate so sibling workers back off too.
	RateLimited
)

// Classifier maps an operation error to its retry class.
type Classifier func(error) Class

// Policy carries the per-call retry parameters. Policies are plain values;
// nothing is shared between calls except the optional Gate.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter returns a factor in [0,1); the computed delay is scaled by
	// (1 + jitter). Nil uses math/rand. Tests supply a constant.
	Jitter func() float64
	// Sleep overrides how waits are performed. Nil sleeps on a timer that
	// observes ctx.
	Sleep func(context.Context, time.Duration) error
	// RetryAfter extracts a server-suggested wait from an error. A hint
	// longer than the computed delay replaces it. Nil means no hint
	// source.
	RetryAfter func(error) time.Duration
	Gate       *Gate
}

// ExhaustedError is returned when every attempt failed with a retryable
// classification. It is distinct from a fatal failure on the first attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Execute runs op under the policy. It returns the number of invocations
// performed alongside the final error, which is nil on success, the raw
// error on a fatal classification, *ExhaustedError after the budget runs
// out, or the context error when cancelled mid-wait.
func Execute(ctx context.Context, policy Policy, classify Classifier, op func(context.Context) error) (int, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if classify == nil {
		classify = func(error) Class { return Fatal }
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if policy.Gate != nil {
			if err := policy.Gate.Wait(ctx, policy.sleep); err != nil {
				return attempt - 1, err
			}
		}

		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return attempt, err
		}

		class := classify(err)
		if class == Fatal {
			return attempt, err
		}
		lastErr = err

		delay := policy.delay(attempt)
		if policy.RetryAfter != nil {
			if hint := policy.RetryAfter(err); hint > delay {
				delay = hint
			}
		}
		if class == RateLimited && policy.Gate != nil {
			policy.Gate.Block(delay)
		}
		if attempt == attempts {
			break
		}
		if err := policy.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return attempts, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, policy Policy, classify Classifier, op func(context.Context) (T, error)) (T, int, error) {
	var result T
	attempts, err := Execute(ctx, policy, classify, func(ctx context.Context) error {
		value, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		result = value
		return nil
	})
	return result, attempts, err
}

// delay computes base * multiplier^(attempt-1) scaled by (1 + jitter),
// capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 64 * time.Second
	}

	scaled := float64(base)
	for i := 1; i < attempt; i++ {
		scaled *= multiplier
		if scaled >= float64(maxDelay) {
			scaled = float64(maxDelay)
			break
		}
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	scaled *= 1 + jitter()
	if scaled > float64(maxDelay) {
		scaled = float64(maxDelay)
	}
	return time.Duration(scaled)
}

func (p Policy) sleep(ctx context.Context, delay time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, delay)
	}
	return sleepContext(ctx, delay)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
