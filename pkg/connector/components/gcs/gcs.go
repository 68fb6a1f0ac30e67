// Package gcs writes exchanges to a Google Cloud Storage bucket, one object
// per exchange. URIs look like gcs:<bucket>?prefix=dead-letter/&format=blob
// with credentialsFile for an explicit service account key.
package gcs

import (
	"bytes"
	"context"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/connector/shared/payload"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// Scheme is the URI scheme of the component.
const Scheme = "gcs"

// Object describes one object to write.
type Object struct {
	Name        string
	ContentType string
	Metadata    map[string]string
}

// Bucket opens writers for new objects.
type Bucket interface {
	NewWriter(ctx context.Context, obj Object) io.WriteCloser
	Close() error
}

// BucketFactory opens the bucket for an endpoint.
type BucketFactory func(ctx context.Context, cfg Config) (Bucket, error)

// Config is the resolved endpoint configuration.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	Endpoint        string
	Format          payload.Format
}

// Component creates GCS endpoints.
type Component struct {
	codec      *codec.Codec
	logger     *zap.Logger
	openBucket BucketFactory
}

// Option configures the component.
type Option func(*Component)

// WithBucketFactory replaces the storage client, for tests.
func WithBucketFactory(f BucketFactory) Option {
	return func(c *Component) { c.openBucket = f }
}

// NewComponent creates the component. c encodes blob payloads.
func NewComponent(c *codec.Codec, log *zap.Logger, opts ...Option) *Component {
	comp := &Component{codec: c, logger: logger.OrGlobal(log), openBucket: openStorageBucket}
	for _, opt := range opts {
		opt(comp)
	}
	return comp
}

// Scheme implements core.Component.
func (c *Component) Scheme() string { return Scheme }

// CreateEndpoint implements core.Component.
func (c *Component) CreateEndpoint(_ context.Context, uri, remaining string, params core.Parameters) (core.Endpoint, error) {
	if remaining == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "gcs endpoint needs a bucket")
	}
	format, err := payload.ParseFormat(params.String("format", ""), payload.FormatBlob)
	if err != nil {
		return nil, err
	}
	enc, err := payload.NewEncoder(format, c.codec)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		Bucket:          remaining,
		Prefix:          params.String("prefix", ""),
		CredentialsFile: params.String("credentialsFile", ""),
		Endpoint:        params.String("endpoint", ""),
		Format:          format,
	}

	return core.NewProducerEndpoint(uri, func(ctx context.Context) (core.Producer, error) {
		b, err := c.openBucket(ctx, cfg)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create GCS client")
		}
		return &Producer{
			cfg:     cfg,
			bucket:  b,
			encoder: enc,
			logger:  c.logger.With(zap.String("component", "gcs"), zap.String("bucket", cfg.Bucket)),
		}, nil
	}), nil
}

type storageBucket struct {
	client *storage.Client
	handle *storage.BucketHandle
}

func openStorageBucket(ctx context.Context, cfg Config) (Bucket, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &storageBucket{client: client, handle: client.Bucket(cfg.Bucket)}, nil
}

func (b *storageBucket) NewWriter(ctx context.Context, obj Object) io.WriteCloser {
	w := b.handle.Object(obj.Name).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata
	return w
}

func (b *storageBucket) Close() error { return b.client.Close() }

// Producer writes one object per exchange under prefix/<exchange id>.
type Producer struct {
	cfg     Config
	bucket  Bucket
	encoder *payload.Encoder
	logger  *zap.Logger
}

// Process implements core.Processor.
func (p *Producer) Process(ctx context.Context, ex *exchange.Exchange) error {
	start := time.Now()
	data, err := p.encoder.Encode(ex)
	if err != nil {
		return err
	}

	name := path.Join(p.cfg.Prefix, ex.ID()+p.encoder.Extension())
	obj := Object{
		Name:        name,
		ContentType: p.encoder.ContentType(),
		Metadata: map[string]string{
			"exchange-id": ex.ID(),
			"format":      string(p.cfg.Format),
			"created":     ex.CreatedAt().UTC().Format(time.RFC3339),
		},
	}
	if cause := ex.HeaderString(exchange.HeaderDeadLetterCause); cause != "" {
		obj.Metadata["dead-letter-cause"] = cause
	}

	writer := p.bucket.NewWriter(ctx, obj)
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to write to GCS").
			WithDetail("object", name)
	}
	if err := writer.Close(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to close GCS writer").
			WithDetail("object", name)
	}

	p.logger.Debug("exchange uploaded to GCS",
		zap.String("object", name),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close implements core.Producer.
func (p *Producer) Close(context.Context) error {
	if err := p.bucket.Close(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to close GCS client")
	}
	return nil
}
