package aggregation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-components/pkg/exchange"
)

func TestLockRetryPolicyDelay(t *testing.T) {
	p := DefaultLockRetryPolicy()
	assert.Equal(t, 50*time.Millisecond, p.Delay(0))
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))
	assert.Equal(t, time.Second, p.Delay(100))

	p.ExponentialBackOff = false
	assert.Equal(t, 50*time.Millisecond, p.Delay(5))

	p.RandomBackOff = true
	for i := 0; i < 20; i++ {
		d := p.Delay(i)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestLockRetryPolicyShouldRetry(t *testing.T) {
	unlimited := LockRetryPolicy{}
	assert.True(t, unlimited.ShouldRetry(1000))

	bounded := LockRetryPolicy{MaximumRetries: 2}
	assert.True(t, bounded.ShouldRetry(0))
	assert.True(t, bounded.ShouldRetry(1))
	assert.False(t, bounded.ShouldRetry(2))
}

// conflictingRepo fails the first n optimistic writes.
type conflictingRepo struct {
	*MemoryRepository
	failures atomic.Int32
}

func (c *conflictingRepo) AddOptimistic(ctx context.Context, key string, old, ex *exchange.Exchange) (*exchange.Exchange, error) {
	if c.failures.Add(-1) >= 0 {
		return nil, &OptimisticLockingError{Key: key}
	}
	return c.MemoryRepository.AddOptimistic(ctx, key, old, ex)
}

func appendBody(suffix string) MergeFunc {
	return func(old *exchange.Exchange) (*exchange.Exchange, error) {
		if old == nil {
			return exchange.New(suffix), nil
		}
		return old.WithBody(old.Body().(string) + suffix), nil
	}
}

func TestAddWithRetryRecoversFromConflicts(t *testing.T) {
	repo := &conflictingRepo{MemoryRepository: newMemory(t, false)}
	repo.failures.Store(2)
	policy := LockRetryPolicy{MaximumRetries: 5, RetryDelay: time.Millisecond}

	ctx := context.Background()
	_, err := AddWithRetry(ctx, repo, "k", policy, appendBody("a"))
	require.NoError(t, err)
	_, err = AddWithRetry(ctx, repo, "k", policy, appendBody("b"))
	require.NoError(t, err)

	got, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "ab", got.Body())
}

func TestAddWithRetryGivesUp(t *testing.T) {
	repo := &conflictingRepo{MemoryRepository: newMemory(t, false)}
	repo.failures.Store(10)
	policy := LockRetryPolicy{MaximumRetries: 2, RetryDelay: time.Millisecond}

	_, err := AddWithRetry(context.Background(), repo, "k", policy, appendBody("a"))
	assert.ErrorIs(t, err, ErrOptimisticLocking)
	assert.Equal(t, int32(7), repo.failures.Load())
}

func TestAddWithRetryHonorsContext(t *testing.T) {
	repo := &conflictingRepo{MemoryRepository: newMemory(t, false)}
	repo.failures.Store(1000)
	policy := LockRetryPolicy{RetryDelay: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := AddWithRetry(ctx, repo, "k", policy, appendBody("a"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAddWithRetryMergeError(t *testing.T) {
	repo := newMemory(t, false)
	boom := errors.New("merge failed")
	_, err := AddWithRetry(context.Background(), repo, "k", DefaultLockRetryPolicy(), func(*exchange.Exchange) (*exchange.Exchange, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestAddWithRetryReturnsStoredVersion(t *testing.T) {
	ctx := context.Background()
	repo := newMemory(t, false)
	policy := LockRetryPolicy{MaximumRetries: 3, RetryDelay: time.Millisecond}

	first, err := AddWithRetry(ctx, repo, "k1", policy, appendBody("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version())

	merged, err := AddWithRetry(ctx, repo, "k1", policy, appendBody("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), merged.Version())

	require.NoError(t, repo.Remove(ctx, "k1", merged))
	got, err := repo.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)

	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{merged.ID()}, ids)
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, int64(1), NextVersion(nil))
	assert.Equal(t, int64(5), NextVersion(exchange.New("x").WithVersion(4)))
}
