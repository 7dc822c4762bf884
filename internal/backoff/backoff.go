// ABOUTME: Exponential backoff with symmetric jitter for reconnect and delivery retries.
// ABOUTME: Provides a policy type, context-aware sleep, and a bounded retry helper.

package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrBudgetExhausted is returned when all retry attempts have been used.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the symmetric randomization fraction (0.2 means ±20%).
	Jitter float64
}

// DefaultPolicy matches the session reconnect contract: base 1s, cap 60s, ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     60 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay computes the backoff delay for an attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// delayWithRand computes the delay using the given random value in [0,1).
// Split out so tests can verify the curve deterministically.
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	if base > float64(p.Max) {
		base = float64(p.Max)
	}

	// Symmetric jitter: base * (1 ± jitter)
	spread := base * p.Jitter * (2*randomValue - 1)
	total := base + spread
	if total < 0 {
		total = 0
	}
	return time.Duration(total)
}

// Sleep waits for the attempt's delay or until the context is canceled.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping per the policy between attempts.
// fn receives the 1-indexed attempt number. Returns nil as soon as fn succeeds,
// the context error if canceled, or ErrBudgetExhausted joined with the last error.
func (p Policy) Retry(ctx context.Context, maxAttempts int, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if attempt < maxAttempts {
			if err := p.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrBudgetExhausted, lastErr)
}
