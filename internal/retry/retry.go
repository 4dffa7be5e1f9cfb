// Package retry provides exponential-backoff retry for transient failures.
// This package is internal and should not be imported by external projects.
package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy defines the retry policy.
type Policy struct {
	// MaxRetries is the maximum number of retries (0 means no retry).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// Jitter adds up to 25% random delay to avoid thundering herds.
	Jitter bool

	// RetryIf decides whether an error is retryable. Nil retries everything.
	RetryIf func(error) bool
}

// DefaultPolicy returns a policy suited to transient storage failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn, retrying per the policy until it succeeds, the error is
// non-retryable, attempts run out, or ctx is cancelled.
func Do(ctx context.Context, policy Policy, logger *zap.Logger, op string, fn func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if policy.RetryIf != nil && !policy.RetryIf(err) {
			return err
		}
		if attempt >= policy.MaxRetries {
			return err
		}

		delay := policy.Delay(attempt)
		logger.Warn("retrying after transient failure",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
