package realtime

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// retryPolicy bounds retries of transient storage failures.
type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
	onRetry  func(attempt int, err error)
}

func retryPolicyFromConfig(cfg Config, m *Metrics) retryPolicy {
	return retryPolicy{
		attempts: cfg.StoreRetryAttempts,
		base:     cfg.StoreRetryBase,
		max:      cfg.StoreRetryMax,
		onRetry:  func(int, error) { m.storeRetry() },
	}
}

// backoff returns the full-jitter delay before retry number attempt (1-based).
func (p retryPolicy) backoff(attempt int) time.Duration {
	d := p.base << (attempt - 1)
	if d <= 0 || d > p.max {
		d = p.max
	}
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}

// do runs op until it succeeds, fails permanently, or attempts are exhausted.
// Exhaustion returns an error wrapping ErrTransientStorage.
func (p retryPolicy) do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := max(p.attempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= attempts {
			break
		}
		if p.onRetry != nil {
			p.onRetry(attempt, err)
		}

		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ErrTransientStorage, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("%w: after %d attempts: %w", ErrTransientStorage, attempts, err)
}
