package aggregation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/testutil"
)

type recordingProducer struct {
	mu   sync.Mutex
	got  []*exchange.Exchange
	fail error
}

func (p *recordingProducer) Process(_ context.Context, ex *exchange.Exchange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.got = append(p.got, ex)
	return nil
}

func (p *recordingProducer) Close(context.Context) error { return nil }

func (p *recordingProducer) received() []*exchange.Exchange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*exchange.Exchange(nil), p.got...)
}

// flakyConfirmRepo fails the first confirm.
type flakyConfirmRepo struct {
	*MemoryRepository
	failed bool
}

func (f *flakyConfirmRepo) ConfirmWithResult(ctx context.Context, id string) (bool, error) {
	if !f.failed {
		f.failed = true
		return false, errors.New("connection lost")
	}
	return f.MemoryRepository.ConfirmWithResult(ctx, id)
}

func completedExchange(t *testing.T, repo RecoverableRepository, key, body string) *exchange.Exchange {
	t.Helper()
	ctx := context.Background()
	ex := exchange.New(body, exchange.WithProperties(map[string]any{exchange.PropertyCorrelationKey: key}))
	_, err := repo.Add(ctx, key, ex)
	require.NoError(t, err)
	stored, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, repo.Remove(ctx, key, stored))
	return ex
}

func newTestRecoverer(t *testing.T, repo RecoverableRepository, p core.Processor, cfg RecovererConfig) *Recoverer {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Metrics = testutil.NewMetrics().Recovery
	r, err := NewRecoverer(repo, p, cfg)
	require.NoError(t, err)
	return r
}

func TestRecovererResubmitsAndConfirms(t *testing.T) {
	ctx := context.Background()
	repo := newMemory(t, false)
	ex := completedExchange(t, repo, "k1", "payload")

	target := &recordingProducer{}
	r := newTestRecoverer(t, repo, target, RecovererConfig{MaximumRedeliveries: 3, DeadLetter: &recordingProducer{}})

	require.NoError(t, r.RunOnce(ctx))

	got := target.received()
	require.Len(t, got, 1)
	assert.Equal(t, ex.ID(), got[0].ID())
	redelivered, _ := got[0].Header(exchange.HeaderRedelivered)
	assert.Equal(t, true, redelivered)
	counter, _ := got[0].Header(exchange.HeaderRedeliveryCounter)
	assert.Equal(t, 1, counter)
	maxCount, _ := got[0].Header(exchange.HeaderRedeliveryMaxCount)
	assert.Equal(t, 3, maxCount)
	key, _ := got[0].Property(exchange.PropertyCorrelationKey)
	assert.Equal(t, "k1", key)

	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecovererDeadLettersAfterMaximumRedeliveries(t *testing.T) {
	ctx := context.Background()
	repo := newMemory(t, false)
	ex := completedExchange(t, repo, "k1", "payload")

	target := &recordingProducer{fail: errors.New("downstream unavailable")}
	dlq := &recordingProducer{}
	r := newTestRecoverer(t, repo, target, RecovererConfig{MaximumRedeliveries: 2, DeadLetter: dlq})

	for i := 0; i < 2; i++ {
		require.NoError(t, r.RunOnce(ctx))
		assert.Empty(t, dlq.received())
	}
	require.NoError(t, r.RunOnce(ctx))

	got := dlq.received()
	require.Len(t, got, 1)
	assert.Equal(t, ex.ID(), got[0].ID())
	counter, _ := got[0].Header(exchange.HeaderRedeliveryCounter)
	assert.Equal(t, 2, counter)
	assert.Contains(t, got[0].HeaderString(exchange.HeaderDeadLetterCause), "after 2 attempts")

	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecovererKeepsExchangeWhenDeadLetterFails(t *testing.T) {
	ctx := context.Background()
	repo := newMemory(t, false)
	completedExchange(t, repo, "k1", "payload")

	target := &recordingProducer{fail: errors.New("downstream unavailable")}
	dlq := &recordingProducer{fail: errors.New("bucket missing")}
	r := newTestRecoverer(t, repo, target, RecovererConfig{MaximumRedeliveries: 1, DeadLetter: dlq})

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RunOnce(ctx))
	}
	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestRecovererSkipsInProgress(t *testing.T) {
	ctx := context.Background()
	repo := newMemory(t, false)
	ex := completedExchange(t, repo, "k1", "payload")

	target := &recordingProducer{}
	r := newTestRecoverer(t, repo, target, RecovererConfig{})
	r.MarkInProgress(ex.ID())

	require.NoError(t, r.RunOnce(ctx))
	assert.Empty(t, target.received())

	require.NoError(t, r.Delivered(ctx, ex.ID()))
	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecovererRetriesFailedConfirm(t *testing.T) {
	ctx := context.Background()
	repo := &flakyConfirmRepo{MemoryRepository: newMemory(t, false)}
	completedExchange(t, repo, "k1", "payload")

	target := &recordingProducer{}
	r := newTestRecoverer(t, repo, target, RecovererConfig{})

	require.NoError(t, r.RunOnce(ctx))
	assert.Len(t, target.received(), 1)
	assert.Equal(t, 1, r.Pending())

	require.NoError(t, r.RunOnce(ctx))
	assert.Len(t, target.received(), 1, "unconfirmed exchange must not be resubmitted")
	assert.Equal(t, 0, r.Pending())

	ids, err := repo.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecovererRunsCompletionHooks(t *testing.T) {
	ctx := context.Background()
	repo := newMemory(t, false)
	completedExchange(t, repo, "k1", "payload")

	var completed bool
	p := core.ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
		ex.AddSynchronization(exchange.Synchronization{OnComplete: func(*exchange.Exchange) { completed = true }})
		return nil
	})
	r := newTestRecoverer(t, repo, p, RecovererConfig{})
	require.NoError(t, r.RunOnce(ctx))
	assert.True(t, completed)
}

func TestRecovererStartStop(t *testing.T) {
	repo := newMemory(t, false)
	completedExchange(t, repo, "k1", "payload")

	target := &recordingProducer{}
	r := newTestRecoverer(t, repo, target, RecovererConfig{Interval: 5 * time.Millisecond})

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(target.received()) == 1 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
}

func TestNewRecovererValidation(t *testing.T) {
	repo := newMemory(t, false)
	_, err := NewRecoverer(repo, &recordingProducer{}, RecovererConfig{MaximumRedeliveries: 1})
	assert.ErrorIs(t, err, ErrDeadLetterRequired)

	_, err = NewRecoverer(nil, &recordingProducer{}, RecovererConfig{})
	assert.Error(t, err)
	_, err = NewRecoverer(repo, nil, RecovererConfig{})
	assert.Error(t, err)
}
