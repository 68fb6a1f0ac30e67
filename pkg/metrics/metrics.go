// Package metrics provides Prometheus collectors for the aggregation
// repository, the recovery sweeper and long-poll sessions.
//
// # Overview
//
// Collectors are grouped per subsystem and registered against a
// prometheus.Registerer, so tests can use a private registry:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewRepositoryMetrics(reg)
//	timer := metrics.NewTimer("add")
//	err := doAdd()
//	m.Observe("orders", "add", timer.Stop(), err)
//
// Production code normally uses the shared instances returned by
// Repository(), Recovery() and LongPoll(), which register against the
// default Prometheus registry once.
//
// All recording methods accept a nil receiver and do nothing, so components
// can treat metrics as optional.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nebula"

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// conflictError is implemented by errors that represent a concurrency
// conflict rather than a failure.
type conflictError interface {
	Conflict() bool
}

// OutcomeOf maps an operation error to an outcome label.
func OutcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var c conflictError
	if errors.As(err, &c) && c.Conflict() {
		return OutcomeConflict
	}
	return OutcomeError
}

// RepositoryMetrics tracks aggregation repository operations.
type RepositoryMetrics struct {
	operations *prometheus.CounterVec   // Operations by outcome
	latency    *prometheus.HistogramVec // Operation latency in seconds
}

// NewRepositoryMetrics registers repository collectors with reg.
func NewRepositoryMetrics(reg prometheus.Registerer) *RepositoryMetrics {
	f := promauto.With(reg)
	return &RepositoryMetrics{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "operations_total",
				Help:      "Aggregation repository operations by outcome",
			},
			[]string{"repository", "operation", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "operation_duration_seconds",
				Help:      "Aggregation repository operation latency",
				Buckets: []float64{
					0.0005, // in-memory
					0.001,
					0.005, // local database
					0.01,
					0.05,
					0.1,
					0.5, // contended transaction
					1,
					5,
				},
			},
			[]string{"repository", "operation"},
		),
	}
}

// Observe records one operation.
func (m *RepositoryMetrics) Observe(repository, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(repository, operation, OutcomeOf(err)).Inc()
	m.latency.WithLabelValues(repository, operation).Observe(d.Seconds())
}

// RecoveryMetrics tracks the recovery sweeper.
type RecoveryMetrics struct {
	sweeps    *prometheus.CounterVec
	exchanges *prometheus.CounterVec
	pending   *prometheus.GaugeVec
}

// Recovery result label values.
const (
	RecoveryResubmitted  = "resubmitted"
	RecoveryDeadLettered = "dead_lettered"
	RecoveryFailed       = "failed"
	RecoveryConfirmed    = "confirmed"
)

// NewRecoveryMetrics registers recovery collectors with reg.
func NewRecoveryMetrics(reg prometheus.Registerer) *RecoveryMetrics {
	f := promauto.With(reg)
	return &RecoveryMetrics{
		sweeps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "sweeps_total",
				Help:      "Recovery sweeps by outcome",
			},
			[]string{"repository", "outcome"},
		),
		exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "exchanges_total",
				Help:      "Recovered exchanges by result",
			},
			[]string{"repository", "result"},
		),
		pending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "pending_exchanges",
				Help:      "Completed exchanges awaiting confirmation at the last sweep",
			},
			[]string{"repository"},
		),
	}
}

// Sweep records a finished sweep and the number of pending ids it saw.
func (m *RecoveryMetrics) Sweep(repository string, pending int, err error) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(repository, OutcomeOf(err)).Inc()
	if err == nil {
		m.pending.WithLabelValues(repository).Set(float64(pending))
	}
}

// Exchange records the result of handling one recovered exchange.
func (m *RecoveryMetrics) Exchange(repository, result string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(repository, result).Inc()
}

// LongPollMetrics tracks long-poll sessions.
type LongPollMetrics struct {
	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
	leases      *prometheus.CounterVec
}

// NewLongPollMetrics registers long-poll collectors with reg.
func NewLongPollMetrics(reg prometheus.Registerer) *LongPollMetrics {
	f := promauto.With(reg)
	return &LongPollMetrics{
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "longpoll",
				Name:      "state_transitions_total",
				Help:      "Long-poll state machine transitions by target state",
			},
			[]string{"session", "state"},
		),
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "longpoll",
				Name:      "events_delivered_total",
				Help:      "Events delivered to listeners",
			},
			[]string{"session"},
		),
		leases: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "longpoll",
				Name:      "leases_acquired_total",
				Help:      "Real-time server leases acquired",
			},
			[]string{"session"},
		),
	}
}

// Transition records entering state.
func (m *LongPollMetrics) Transition(session, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(session, state).Inc()
}

// Events records n delivered events.
func (m *LongPollMetrics) Events(session string, n int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(session).Add(float64(n))
}

// Lease records an acquired lease.
func (m *LongPollMetrics) Lease(session string) {
	if m == nil {
		return
	}
	m.leases.WithLabelValues(session).Inc()
}

var (
	defaultOnce     sync.Once
	defaultRepo     *RepositoryMetrics
	defaultRecovery *RecoveryMetrics
	defaultLongPoll *LongPollMetrics
)

func initDefaults() {
	defaultOnce.Do(func() {
		defaultRepo = NewRepositoryMetrics(prometheus.DefaultRegisterer)
		defaultRecovery = NewRecoveryMetrics(prometheus.DefaultRegisterer)
		defaultLongPoll = NewLongPollMetrics(prometheus.DefaultRegisterer)
	})
}

// Repository returns the shared repository collectors.
func Repository() *RepositoryMetrics {
	initDefaults()
	return defaultRepo
}

// Recovery returns the shared recovery collectors.
func Recovery() *RecoveryMetrics {
	initDefaults()
	return defaultRecovery
}

// LongPoll returns the shared long-poll collectors.
func LongPoll() *LongPollMetrics {
	initDefaults()
	return defaultLongPoll
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
