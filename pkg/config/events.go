package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/clients"
	"github.com/ajitpratap0/nebula-components/pkg/longpoll"
)

// EventsConfig configures a long-poll event session.
type EventsConfig struct {
	BaseConfig `yaml:",inline" json:",inline"`

	BaseURL     string               `yaml:"base_url" json:"base_url"`
	Credentials longpoll.Credentials `yaml:"credentials" json:"credentials"`
	StreamType  string               `yaml:"stream_type" json:"stream_type"`
	PageLimit   int                  `yaml:"page_limit" json:"page_limit"`
	// InitialPosition is a stream position or "now"
	InitialPosition string           `yaml:"initial_position" json:"initial_position"`
	Backoff         longpoll.Backoff `yaml:"backoff" json:"backoff"`
	// MaxConsecutiveFailures of -1 retries transient failures forever
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	StopTimeout            time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// NewEventsConfig returns an events configuration with defaults.
func NewEventsConfig(name string) *EventsConfig {
	return &EventsConfig{
		BaseConfig:             *NewBaseConfig(name, "box-events"),
		BaseURL:                longpoll.DefaultBaseURL,
		StreamType:             "all",
		PageLimit:              100,
		InitialPosition:        longpoll.PositionNow,
		Backoff:                longpoll.DefaultBackoff(),
		MaxConsecutiveFailures: longpoll.DefaultMaxConsecutiveFailures,
		StopTimeout:            10 * time.Second,
	}
}

// Validate checks the values an operator has to provide.
func (c *EventsConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	creds := c.Credentials
	if creds.AccessToken == "" && (creds.ClientID == "" || creds.ClientSecret == "") {
		errs = append(errs, errors.New("credentials.access_token or credentials.client_id and client_secret are required"))
	}
	if creds.SubjectType != "" && creds.SubjectID == "" {
		errs = append(errs, errors.New("credentials.subject_id is required with subject_type"))
	}
	if c.PageLimit < 0 {
		errs = append(errs, errors.New("page_limit cannot be negative"))
	}
	if c.MaxConsecutiveFailures < -1 {
		errs = append(errs, errors.New("max_consecutive_failures must be -1 (unlimited) or more"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid events config %q: %w", c.Name, errors.Join(errs...))
	}
	return nil
}

// ProviderConfig returns the provider part of the configuration.
func (c *EventsConfig) ProviderConfig() longpoll.HTTPProviderConfig {
	return longpoll.HTTPProviderConfig{
		BaseURL:    c.BaseURL,
		StreamType: c.StreamType,
		PageLimit:  c.PageLimit,
	}
}

// PollHTTPConfig is HTTPConfig without the request bounds; a long poll
// lasts as long as its lease.
func (c *EventsConfig) PollHTTPConfig() *clients.HTTPConfig {
	cfg := c.HTTPConfig()
	cfg.RequestTimeout = 0
	cfg.ResponseHeaderTimeout = 0
	return cfg
}

// SessionConfig returns the session part of the configuration.
func (c *EventsConfig) SessionConfig(log *zap.Logger) longpoll.Config {
	return longpoll.Config{
		Name:                   c.Name,
		InitialPosition:        c.InitialPosition,
		Backoff:                c.Backoff,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		StopTimeout:            c.StopTimeout,
		HTTPClient:             clients.NewHTTPClient(c.PollHTTPConfig(), log),
		Logger:                 log,
	}
}
