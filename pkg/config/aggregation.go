package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/aggregation"
	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/compression"
)

// AggregationConfig configures a SQL aggregation repository and its
// recovery sweep.
type AggregationConfig struct {
	BaseConfig `yaml:",inline" json:",inline"`

	// Driver is the database/sql driver name ("pgx" or "mysql")
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the data source name passed to sql.Open
	DSN string `yaml:"dsn" json:"dsn"`
	// Dialect defaults to the one matching Driver
	Dialect string `yaml:"dialect" json:"dialect"`
	// Table is the repository name; completed exchanges go to Table + "_completed"
	Table string `yaml:"table" json:"table"`
	// InstanceID tags completed rows in a cluster
	InstanceID string `yaml:"instance_id" json:"instance_id"`

	Optimistic             bool     `yaml:"optimistic" json:"optimistic"`
	ReturnOldExchange      bool     `yaml:"return_old_exchange" json:"return_old_exchange"`
	StoreBodyAsText        bool     `yaml:"store_body_as_text" json:"store_body_as_text"`
	HeadersAsText          []string `yaml:"headers_as_text" json:"headers_as_text"`
	AllowSerializedHeaders bool     `yaml:"allow_serialized_headers" json:"allow_serialized_headers"`
	ConflictTypeNames      []string `yaml:"conflict_type_names" json:"conflict_type_names"`

	// Compression applies to new exchange blobs (none, gzip, snappy, lz4, zstd, s2)
	Compression      string `yaml:"compression" json:"compression"`
	CompressionLevel int    `yaml:"compression_level" json:"compression_level"`

	LockRetry aggregation.LockRetryPolicy `yaml:"lock_retry" json:"lock_retry"`
	Recovery  RecoveryConfig              `yaml:"recovery" json:"recovery"`
}

// RecoveryConfig configures the background recovery sweep.
type RecoveryConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	Interval            time.Duration `yaml:"interval" json:"interval"`
	MaximumRedeliveries int           `yaml:"maximum_redeliveries" json:"maximum_redeliveries"`
	// DeadLetterURI is resolved through the component registry, e.g. s3:bucket?prefix=dead/
	DeadLetterURI string `yaml:"dead_letter_uri" json:"dead_letter_uri"`
}

// NewAggregationConfig returns an aggregation configuration with defaults.
func NewAggregationConfig(name string) *AggregationConfig {
	return &AggregationConfig{
		BaseConfig: *NewBaseConfig(name, "aggregation"),
		Driver:     "pgx",
		Table:      "aggregation",
		Optimistic: true,
		LockRetry:  aggregation.DefaultLockRetryPolicy(),
		Recovery: RecoveryConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
	}
}

// Validate checks the values an operator has to provide.
func (c *AggregationConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	var errs []error
	if c.Driver == "" {
		errs = append(errs, errors.New("driver is required"))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.Table == "" {
		errs = append(errs, errors.New("table is required"))
	}
	if _, err := c.ResolveDialect(); err != nil {
		errs = append(errs, err)
	}
	if _, err := compression.ParseAlgorithm(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.Recovery.MaximumRedeliveries < 0 {
		errs = append(errs, errors.New("recovery.maximum_redeliveries cannot be negative"))
	}
	if c.Recovery.Enabled && c.Recovery.MaximumRedeliveries > 0 && c.Recovery.DeadLetterURI == "" {
		errs = append(errs, errors.New("recovery.dead_letter_uri is required when maximum_redeliveries is set"))
	}
	if c.LockRetry.RetryDelay < 0 || c.LockRetry.MaximumRetryDelay < 0 {
		errs = append(errs, errors.New("lock_retry delays cannot be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid aggregation config %q: %w", c.Name, errors.Join(errs...))
	}
	return nil
}

// ResolveDialect returns the configured dialect, falling back to the driver.
func (c *AggregationConfig) ResolveDialect() (aggregation.Dialect, error) {
	name := c.Dialect
	if name == "" {
		name = c.Driver
	}
	return aggregation.DialectByName(name)
}

// Codec builds the exchange codec for the repository.
func (c *AggregationConfig) Codec(log *zap.Logger) (*codec.Codec, error) {
	algo, err := compression.ParseAlgorithm(c.Compression)
	if err != nil {
		return nil, err
	}
	level := compression.Level(c.CompressionLevel)
	if level == 0 {
		level = compression.Default
	}
	return codec.New(
		codec.WithCompression(algo, level),
		codec.WithAllowSerializedHeaders(c.AllowSerializedHeaders),
		codec.WithLogger(log),
	)
}

// RepositoryOptions translates the configuration into repository options.
func (c *AggregationConfig) RepositoryOptions(cd *codec.Codec, log *zap.Logger) ([]aggregation.Option, error) {
	d, err := c.ResolveDialect()
	if err != nil {
		return nil, err
	}
	opts := []aggregation.Option{
		aggregation.WithTable(c.Table),
		aggregation.WithDialect(d),
		aggregation.WithOptimistic(c.Optimistic),
		aggregation.WithReturnOldExchange(c.ReturnOldExchange),
		aggregation.WithStoreBodyAsText(c.StoreBodyAsText),
		aggregation.WithCodec(cd),
		aggregation.WithLogger(log),
	}
	if c.InstanceID != "" {
		opts = append(opts, aggregation.WithInstanceID(c.InstanceID))
	}
	if len(c.HeadersAsText) > 0 {
		opts = append(opts, aggregation.WithHeadersAsText(c.HeadersAsText...))
	}
	if len(c.ConflictTypeNames) > 0 {
		opts = append(opts, aggregation.WithConflictTypeNames(c.ConflictTypeNames...))
	}
	return opts, nil
}

// SchemaOptions returns the schema options matching the repository options.
func (c *AggregationConfig) SchemaOptions() aggregation.SchemaOptions {
	return aggregation.SchemaOptions{
		Clustered:       c.InstanceID != "",
		StoreBodyAsText: c.StoreBodyAsText,
		HeadersAsText:   c.HeadersAsText,
	}
}
