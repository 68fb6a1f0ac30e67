package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute}, zaptest.NewLogger(t))

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second, HalfOpenRequests: 2}, zaptest.NewLogger(t))
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Second)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()
	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second}, zaptest.NewLogger(t))
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, "open", cb.GetState().State)
}

func TestSlidingWindowStats(t *testing.T) {
	w := NewSlidingWindow(time.Second, 10*time.Second)
	w.RecordRequest(true)
	w.RecordRequest(false)
	w.RecordRequest(false)
	w.RecordRequest(true)

	stats := w.GetStats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.FailedRequests)
	assert.InDelta(t, 0.5, stats.FailureRate, 0.0001)
}

func TestHTTPClientDo(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(nil, zaptest.NewLogger(t))
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL, map[string]string{"X-Test": "yes"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "nebula-components/1.0", ua.Load())
	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, "closed", stats.CircuitState)
}

func TestHTTPClientServerErrorsOpenBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.RateLimit = 0
	cfg.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	c := NewHTTPClient(cfg, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		resp, err := c.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		resp.Body.Close()
	}

	_, err := c.Get(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHTTPClientCancelledContextIsNotABreakerFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := LongPollHTTPConfig()
	cfg.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute}
	c := NewHTTPClient(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, StateClosed, c.CircuitBreaker().State())
}
