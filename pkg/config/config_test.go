package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-components/pkg/aggregation"
	"github.com/ajitpratap0/nebula-components/pkg/compression"
	"github.com/ajitpratap0/nebula-components/pkg/longpoll"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("NEBULA_TEST_DSN", "postgres://db/orders")
	t.Setenv("NEBULA_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"dsn: ${NEBULA_TEST_DSN}", "dsn: postgres://db/orders"},
		{"a: ${NEBULA_TEST_UNSET}", "a: "},
		{"a: ${NEBULA_TEST_UNSET:-now}", "a: now"},
		{"a: ${NEBULA_TEST_EMPTY:-fallback}", "a: fallback"},
		{"a: ${NEBULA_TEST_DSN:-x} ${NEBULA_TEST_DSN}", "a: postgres://db/orders postgres://db/orders"},
		{"a: ${UNTERMINATED", "a: ${UNTERMINATED"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, substituteEnvVars(tt.in), tt.in)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("NEBULA_TEST_DSN", "postgres://db/orders")
	t.Setenv("NEBULA_TEST_SECRET", "s3cr3t")

	path := writeFile(t, `
logging:
  level: debug
  encoding: console
aggregation:
  name: orders
  dsn: ${NEBULA_TEST_DSN}
  table: orders_agg
  instance_id: node-1
  headers_as_text: [orderId]
  compression: zstd
  lock_retry:
    maximum_retries: 5
    retry_delay: 10ms
  recovery:
    interval: 1m
    maximum_redeliveries: 3
    dead_letter_uri: s3:dead-letters?prefix=orders/
events:
  name: enterprise
  credentials:
    client_id: cid
    client_secret: ${NEBULA_TEST_SECRET}
    subject_type: enterprise
    subject_id: "42"
  backoff:
    initial_delay: 1s
    max_delay: 1m
    multiplier: 3
`)

	f, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", f.Logging.Level)
	assert.Equal(t, "console", f.Logging.Encoding)

	agg := f.Aggregation
	require.NoError(t, agg.Validate())
	assert.Equal(t, "postgres://db/orders", agg.DSN)
	assert.Equal(t, "pgx", agg.Driver, "default kept")
	assert.Equal(t, "aggregation", agg.Type)
	assert.True(t, agg.Optimistic, "default kept")
	assert.Equal(t, 5, agg.LockRetry.MaximumRetries)
	assert.Equal(t, 10*time.Millisecond, agg.LockRetry.RetryDelay)
	assert.True(t, agg.LockRetry.ExponentialBackOff, "default kept")
	assert.Equal(t, time.Minute, agg.Recovery.Interval)
	assert.True(t, agg.SchemaOptions().Clustered)

	ev := f.Events
	require.NoError(t, ev.Validate())
	assert.Equal(t, "s3cr3t", ev.Credentials.ClientSecret)
	assert.Equal(t, time.Second, ev.Backoff.InitialDelay)
	assert.Equal(t, 3.0, ev.Backoff.Multiplier)
	assert.Equal(t, 10*time.Second, ev.StopTimeout)
}

func TestLoadFileDefaults(t *testing.T) {
	f, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "info", f.Logging.Level)
	assert.Equal(t, "now", f.Events.InitialPosition)

	f, err = LoadFile(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "aggregation", f.Aggregation.Table)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := LoadFile(writeFile(t, "aggregation:\n  dns: typo\n"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAggregationConfigValidate(t *testing.T) {
	valid := func() *AggregationConfig {
		c := NewAggregationConfig("orders")
		c.DSN = "postgres://db/orders"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*AggregationConfig)
	}{
		{"missing dsn", func(c *AggregationConfig) { c.DSN = "" }},
		{"missing name", func(c *AggregationConfig) { c.Name = "" }},
		{"unknown driver", func(c *AggregationConfig) { c.Driver = "sqlite" }},
		{"unknown compression", func(c *AggregationConfig) { c.Compression = "brotli" }},
		{"negative redeliveries", func(c *AggregationConfig) { c.Recovery.MaximumRedeliveries = -1 }},
		{"dead letter missing", func(c *AggregationConfig) { c.Recovery.MaximumRedeliveries = 3 }},
		{"negative delay", func(c *AggregationConfig) { c.LockRetry.RetryDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestAggregationConfigBuildsRepositoryParts(t *testing.T) {
	c := NewAggregationConfig("orders")
	c.Driver = "mysql"
	c.Compression = string(compression.Snappy)
	c.HeadersAsText = []string{"orderId"}

	d, err := c.ResolveDialect()
	require.NoError(t, err)
	assert.Equal(t, aggregation.MySQL.Name, d.Name)

	cd, err := c.Codec(nil)
	require.NoError(t, err)
	opts, err := c.RepositoryOptions(cd, nil)
	require.NoError(t, err)
	assert.Len(t, opts, 8)

	c.Dialect = "postgres"
	d, err = c.ResolveDialect()
	require.NoError(t, err)
	assert.Equal(t, aggregation.Postgres.Name, d.Name)
}

func TestEventsConfigValidate(t *testing.T) {
	c := NewEventsConfig("enterprise")
	assert.Error(t, c.Validate(), "credentials are required")

	c.Credentials.ClientID = "id"
	c.Credentials.ClientSecret = "secret"
	require.NoError(t, c.Validate())

	c.Credentials.SubjectType = "enterprise"
	assert.Error(t, c.Validate())
	c.Credentials.SubjectID = "42"
	require.NoError(t, c.Validate())

	assert.Equal(t, longpoll.DefaultMaxConsecutiveFailures, c.MaxConsecutiveFailures)
	c.MaxConsecutiveFailures = -1
	require.NoError(t, c.Validate(), "-1 retries forever")
	c.MaxConsecutiveFailures = -2
	assert.Error(t, c.Validate())
}

func TestEventsConfigHTTP(t *testing.T) {
	c := NewEventsConfig("enterprise")
	c.Timeouts.Request = 5 * time.Second
	c.Reliability.RateLimitPerSec = 7

	api := c.HTTPConfig()
	assert.Equal(t, 5*time.Second, api.RequestTimeout)
	assert.Equal(t, 7.0, api.RateLimit)

	poll := c.PollHTTPConfig()
	assert.Zero(t, poll.RequestTimeout)
	assert.Zero(t, poll.ResponseHeaderTimeout)

	sc := c.SessionConfig(nil)
	assert.Equal(t, "enterprise", sc.Name)
	assert.NotNil(t, sc.HTTPClient)
}
