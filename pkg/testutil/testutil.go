// Package testutil provides testing utilities for the components.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-components/pkg/metrics"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a context with a 30-second timeout that is cancelled
// when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Metrics holds collectors registered on a private registry so tests can
// read counters without touching the process-wide ones.
type Metrics struct {
	Registry   *prometheus.Registry
	Repository *metrics.RepositoryMetrics
	Recovery   *metrics.RecoveryMetrics
	LongPoll   *metrics.LongPollMetrics
}

// NewMetrics creates isolated collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		Registry:   reg,
		Repository: metrics.NewRepositoryMetrics(reg),
		Recovery:   metrics.NewRecoveryMetrics(reg),
		LongPoll:   metrics.NewLongPollMetrics(reg),
	}
}
