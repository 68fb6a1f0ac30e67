package clients

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the breaker rejects a request without
// sending it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a limited number of probe requests
	StateHalfOpen
)

// String returns the state name used in logs.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig is the configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"` // half-open successes before closing
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`                     // open duration before probing
	HalfOpenRequests int           `json:"half_open_requests" yaml:"half_open_requests"`
	// MinRequests is the number of requests in the window before the failure
	// rate is considered at all.
	MinRequests int `json:"min_requests" yaml:"min_requests"`
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 3,
		MinRequests:      20,
	}
}

// CircuitBreaker implements the circuit breaker pattern for outbound
// requests. It opens on consecutive failures or on a failure rate above one
// half over a one minute sliding window.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	state               int32
	consecutiveFailures int32
	halfOpenSuccesses   int32
	halfOpenInFlight    int32

	window *SlidingWindow

	mu            sync.RWMutex
	lastChange    time.Time
	nextRetryTime time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
		state:  int32(StateClosed),
	}
	cb.lastChange = cb.now()
	cb.window = NewSlidingWindow(10*time.Second, 60*time.Second)
	return cb
}

// Execute runs fn if the breaker allows it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt32(&cb.state))
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		cb.mu.RLock()
		retry := !cb.now().Before(cb.nextRetryTime)
		cb.mu.RUnlock()
		if !retry {
			return false
		}
		cb.transition(StateOpen, StateHalfOpen)
		return cb.allowHalfOpen()
	case StateHalfOpen:
		return cb.allowHalfOpen()
	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.RecordRequest(true)
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
	case StateHalfOpen:
		atomic.AddInt32(&cb.halfOpenInFlight, -1)
		if atomic.AddInt32(&cb.halfOpenSuccesses, 1) >= int32(cb.config.SuccessThreshold) {
			cb.transition(StateHalfOpen, StateClosed)
		}
	}
}

// RecordFailure records a failed request. Any failure while half-open
// reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.window.RecordRequest(false)
	switch cb.State() {
	case StateClosed:
		failures := atomic.AddInt32(&cb.consecutiveFailures, 1)
		stats := cb.window.GetStats()
		overRate := cb.config.MinRequests > 0 &&
			stats.TotalRequests >= int64(cb.config.MinRequests) && stats.FailureRate > 0.5
		if failures >= int32(cb.config.FailureThreshold) || overRate {
			cb.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateHalfOpen, StateOpen)
	}
}

func (cb *CircuitBreaker) allowHalfOpen() bool {
	for {
		current := atomic.LoadInt32(&cb.halfOpenInFlight)
		if current >= int32(cb.config.HalfOpenRequests) {
			return false
		}
		if atomic.CompareAndSwapInt32(&cb.halfOpenInFlight, current, current+1) {
			return true
		}
	}
}

func (cb *CircuitBreaker) transition(from, to CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&cb.state, int32(from), int32(to)) {
		return
	}
	now := cb.now()
	cb.lastChange = now
	atomic.StoreInt32(&cb.halfOpenSuccesses, 0)
	atomic.StoreInt32(&cb.halfOpenInFlight, 0)

	switch to {
	case StateOpen:
		cb.nextRetryTime = now.Add(cb.config.Timeout)
		cb.logger.Warn("circuit breaker opened",
			zap.Time("retry_after", cb.nextRetryTime),
			zap.Int32("consecutive_failures", atomic.LoadInt32(&cb.consecutiveFailures)))
	case StateHalfOpen:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		cb.logger.Info("circuit breaker half-open")
	case StateClosed:
		atomic.StoreInt32(&cb.consecutiveFailures, 0)
		cb.logger.Info("circuit breaker closed")
	}
}

// GetState returns the current state with window statistics.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := cb.window.GetStats()
	return CircuitBreakerState{
		State:               cb.State().String(),
		LastStateChange:     cb.lastChange,
		ConsecutiveFailures: atomic.LoadInt32(&cb.consecutiveFailures),
		TotalRequests:       stats.TotalRequests,
		FailedRequests:      stats.FailedRequests,
		FailureRate:         stats.FailureRate,
		NextRetryTime:       cb.nextRetryTime,
	}
}

// SlidingWindow tracks requests and failures over a time window.
type SlidingWindow struct {
	buckets        []int64
	failureBuckets []int64
	bucketSize     time.Duration
	currentBucket  int
	lastUpdate     time.Time
	mu             sync.Mutex
}

// NewSlidingWindow creates a window of windowSize split into buckets of
// bucketSize.
func NewSlidingWindow(bucketSize, windowSize time.Duration) *SlidingWindow {
	n := int(windowSize / bucketSize)
	if n < 1 {
		n = 1
	}
	return &SlidingWindow{
		buckets:        make([]int64, n),
		failureBuckets: make([]int64, n),
		bucketSize:     bucketSize,
		lastUpdate:     time.Now(),
	}
}

// RecordRequest records one request result.
func (sw *SlidingWindow) RecordRequest(success bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()
	sw.buckets[sw.currentBucket]++
	if !success {
		sw.failureBuckets[sw.currentBucket]++
	}
}

func (sw *SlidingWindow) advance() {
	now := time.Now()
	elapsed := now.Sub(sw.lastUpdate)
	if elapsed < sw.bucketSize {
		return
	}
	steps := min(int(elapsed/sw.bucketSize), len(sw.buckets))
	for i := 0; i < steps; i++ {
		sw.currentBucket = (sw.currentBucket + 1) % len(sw.buckets)
		sw.buckets[sw.currentBucket] = 0
		sw.failureBuckets[sw.currentBucket] = 0
	}
	sw.lastUpdate = now
}

// GetStats returns totals across the window.
func (sw *SlidingWindow) GetStats() WindowStats {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()
	var total, failed int64
	for i := range sw.buckets {
		total += sw.buckets[i]
		failed += sw.failureBuckets[i]
	}
	stats := WindowStats{TotalRequests: total, FailedRequests: failed}
	if total > 0 {
		stats.FailureRate = float64(failed) / float64(total)
	}
	return stats
}

// CircuitBreakerState is a snapshot of a circuit breaker.
type CircuitBreakerState struct {
	State               string    `json:"state"`
	LastStateChange     time.Time `json:"last_state_change"`
	ConsecutiveFailures int32     `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	FailureRate         float64   `json:"failure_rate"`
	NextRetryTime       time.Time `json:"next_retry_time,omitempty"`
}

// WindowStats represents statistics collected over a sliding time window
type WindowStats struct {
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	FailureRate    float64 `json:"failure_rate"`
}
