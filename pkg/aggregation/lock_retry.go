package aggregation

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ajitpratap0/nebula-components/pkg/exchange"
)

// LockRetryPolicy controls how AddWithRetry backs off after an optimistic
// locking conflict.
type LockRetryPolicy struct {
	// MaximumRetries caps the number of retries; zero or less retries until
	// the context is done.
	MaximumRetries int `yaml:"maximum_retries" json:"maximum_retries"`
	// RetryDelay is the base delay.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// MaximumRetryDelay caps a single delay; zero means no cap.
	MaximumRetryDelay time.Duration `yaml:"maximum_retry_delay" json:"maximum_retry_delay"`
	// ExponentialBackOff doubles the delay on every attempt.
	ExponentialBackOff bool `yaml:"exponential_back_off" json:"exponential_back_off"`
	// RandomBackOff picks a random delay up to the computed one.
	RandomBackOff bool `yaml:"random_back_off" json:"random_back_off"`
}

// DefaultLockRetryPolicy returns 50ms exponential backoff capped at one second.
func DefaultLockRetryPolicy() LockRetryPolicy {
	return LockRetryPolicy{
		RetryDelay:         50 * time.Millisecond,
		MaximumRetryDelay:  time.Second,
		ExponentialBackOff: true,
	}
}

// ShouldRetry reports whether attempt (zero based) may be retried.
func (p LockRetryPolicy) ShouldRetry(attempt int) bool {
	return p.MaximumRetries <= 0 || attempt < p.MaximumRetries
}

// Delay returns how long to wait before retrying attempt.
func (p LockRetryPolicy) Delay(attempt int) time.Duration {
	d := p.RetryDelay
	if p.ExponentialBackOff && attempt > 0 {
		shift := min(attempt, 30)
		d = p.RetryDelay << shift
		if d < p.RetryDelay {
			d = p.MaximumRetryDelay
		}
	}
	if p.RandomBackOff && d > 0 {
		d = rand.N(d)
	}
	if p.MaximumRetryDelay > 0 && d > p.MaximumRetryDelay {
		d = p.MaximumRetryDelay
	}
	return d
}

// NextVersion is the version a successful AddOptimistic stores when it
// replaces old: 1 for a first insert, one more than old otherwise.
func NextVersion(old *exchange.Exchange) int64 {
	if old == nil {
		return 1
	}
	return old.Version() + 1
}

// MergeFunc combines the stored aggregate (nil on first add) with new data.
type MergeFunc func(old *exchange.Exchange) (*exchange.Exchange, error)

// AddWithRetry reads the current aggregate for key, merges into it and writes
// it back with AddOptimistic, starting over after every conflict the policy
// allows. It returns the exchange that was written, carrying the version now
// stored so it can be passed straight to Remove.
func AddWithRetry(ctx context.Context, repo OptimisticRepository, key string, policy LockRetryPolicy, merge MergeFunc) (*exchange.Exchange, error) {
	for attempt := 0; ; attempt++ {
		old, err := repo.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		merged, err := merge(old)
		if err != nil {
			return nil, err
		}

		_, err = repo.AddOptimistic(ctx, key, old, merged)
		if err == nil {
			return merged.WithVersion(NextVersion(old)), nil
		}
		if !errors.Is(err, ErrOptimisticLocking) || !policy.ShouldRetry(attempt) {
			return nil, err
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
