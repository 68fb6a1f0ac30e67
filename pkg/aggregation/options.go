package aggregation

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/metrics"
	"github.com/ajitpratap0/nebula-components/pkg/observability"
)

const defaultTable = "aggregation"

// Config defines repository behavior.
type Config struct {
	Table                string
	Dialect              Dialect
	InstanceID           string
	Optimistic           bool
	ReturnOldExchange    bool
	StoreBodyAsText      bool
	HeadersToStoreAsText []string
	ConflictTypeNames    []string
	Classifier           Classifier
	Codec                *codec.Codec
	Logger               *zap.Logger
	Metrics              *metrics.RepositoryMetrics
	Tracer               *observability.ComponentTracer
}

func (c Config) withDefaults() (Config, error) {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Dialect.Name == "" {
		c.Dialect = Postgres
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier(c.ConflictTypeNames...)
	}
	if c.Codec == nil {
		cd, err := codec.New(codec.WithLogger(c.Logger))
		if err != nil {
			return c, err
		}
		c.Codec = cd
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Repository()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NewComponentTracer("aggregation", c.Table)
	}
	return c, nil
}

// Option configures a repository.
type Option func(*Config)

// WithTable sets the repository name; the completed table is name + "_completed".
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithDialect sets the SQL dialect. Defaults to Postgres.
func WithDialect(d Dialect) Option {
	return func(c *Config) {
		c.Dialect = d
	}
}

// WithInstanceID enables the clustered layout: completed rows are tagged with
// id and Scan only returns this node's rows.
func WithInstanceID(id string) Option {
	return func(c *Config) {
		c.InstanceID = id
	}
}

// WithOptimistic makes Remove check the version recorded on the exchange.
func WithOptimistic(enabled bool) Option {
	return func(c *Config) {
		c.Optimistic = enabled
	}
}

// WithReturnOldExchange makes Add read and return the previous exchange.
func WithReturnOldExchange(enabled bool) Option {
	return func(c *Config) {
		c.ReturnOldExchange = enabled
	}
}

// WithStoreBodyAsText keeps a text copy of the body in a body column.
func WithStoreBodyAsText(enabled bool) Option {
	return func(c *Config) {
		c.StoreBodyAsText = enabled
	}
}

// WithHeadersAsText keeps text copies of the named headers, one column each.
func WithHeadersAsText(headers ...string) Option {
	return func(c *Config) {
		c.HeadersToStoreAsText = append(c.HeadersToStoreAsText, headers...)
	}
}

// WithConflictTypeNames adds error type name fragments the default
// classifier treats as constraint violations.
func WithConflictTypeNames(names ...string) Option {
	return func(c *Config) {
		c.ConflictTypeNames = append(c.ConflictTypeNames, names...)
	}
}

// WithClassifier replaces the default classifier.
func WithClassifier(cl Classifier) Option {
	return func(c *Config) {
		c.Classifier = cl
	}
}

// WithCodec sets the exchange codec.
func WithCodec(cd *codec.Codec) Option {
	return func(c *Config) {
		c.Codec = cd
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.RepositoryMetrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t *observability.ComponentTracer) Option {
	return func(c *Config) {
		c.Tracer = t
	}
}
