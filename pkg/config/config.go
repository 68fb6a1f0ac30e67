// Package config provides the configuration structures of the components.
// BaseConfig carries the sections every component shares and is embedded
// inline by the component configurations:
//   - Timeouts: Connection and operation timeouts
//   - Reliability: Retry budget, circuit breaker and rate limiting
//   - Security: TLS and credentials
//   - Observability: Metrics, tracing and logging
//
// Example usage:
//
//	cfg := config.NewAggregationConfig("orders")
//	cfg.DSN = os.Getenv("DATABASE_URL")
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/nebula-components/pkg/clients"
)

// BaseConfig is the configuration shared by every component. Components
// embed it with the yaml inline tag.
type BaseConfig struct {
	// Name identifies the component instance
	Name string `yaml:"name" json:"name"`
	// Type specifies the component type (e.g., "aggregation", "box-events")
	Type string `yaml:"type" json:"type"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Timeouts define various timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Reliability settings for error handling and resilience
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Security configuration for authentication and encryption
	Security SecurityConfig `yaml:"security" json:"security"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// TimeoutConfig contains all timeout-related settings.
type TimeoutConfig struct {
	// Request timeout for individual operations
	Request time.Duration `yaml:"request" json:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection"`
	// Idle timeout before closing inactive connections
	Idle time.Duration `yaml:"idle" json:"idle"`
}

// ReliabilityConfig contains reliability and error handling settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum retry attempts for failed operations
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// CircuitBreaker enables circuit breaker pattern
	CircuitBreaker bool `yaml:"circuit_breaker" json:"circuit_breaker"`
	// RateLimitPerSec limits operations per second (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	// TLSSkipVerify disables certificate verification (insecure)
	TLSSkipVerify bool `yaml:"tls_skip_verify" json:"tls_skip_verify"`
	// Credentials stores authentication credentials (use ${ENV} references)
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// EnableMetrics activates metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing activates distributed tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	// LogLevel overrides the global level for this component (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// NewBaseConfig creates a new BaseConfig with sensible defaults.
func NewBaseConfig(name, componentType string) *BaseConfig {
	return &BaseConfig{
		Name:    name,
		Type:    componentType,
		Version: "1.0.0",
		Timeouts: TimeoutConfig{
			Request:    30 * time.Second,
			Connection: 10 * time.Second,
			Idle:       90 * time.Second,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   60 * time.Second,
			CircuitBreaker:  true,
			RateLimitPerSec: 50,
		},
		Security: SecurityConfig{
			Credentials: make(map[string]string),
		},
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			EnableTracing:     false,
			TracingSampleRate: 0.1,
			LogLevel:          "info",
		},
	}
}

// Validate validates the configuration for correctness.
func (bc *BaseConfig) Validate() error {
	if bc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if bc.Type == "" {
		return fmt.Errorf("type is required")
	}
	if bc.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if bc.Reliability.RateLimitPerSec < 0 {
		return fmt.Errorf("rate_limit_per_sec cannot be negative")
	}
	if r := bc.Observability.TracingSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("tracing_sample_rate must be between 0 and 1")
	}
	return nil
}

// IsRateLimited returns true if rate limiting is enabled
func (r *ReliabilityConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}

// HTTPConfig derives the HTTP client configuration from the timeout and
// reliability sections.
func (bc *BaseConfig) HTTPConfig() *clients.HTTPConfig {
	cfg := clients.DefaultHTTPConfig()
	if bc.Timeouts.Request > 0 {
		cfg.RequestTimeout = bc.Timeouts.Request
	}
	if bc.Timeouts.Connection > 0 {
		cfg.DialTimeout = bc.Timeouts.Connection
	}
	if bc.Timeouts.Idle > 0 {
		cfg.IdleConnTimeout = bc.Timeouts.Idle
	}
	cfg.RateLimit = float64(bc.Reliability.RateLimitPerSec)
	cfg.CircuitBreakerEnabled = bc.Reliability.CircuitBreaker
	cfg.InsecureSkipVerify = bc.Security.TLSSkipVerify
	return cfg
}
