// Package s3 writes exchanges to an S3 bucket, one object per exchange.
// URIs look like s3:<bucket>?prefix=dead-letter/&region=eu-west-1&format=blob,
// with endpoint and pathStyle for S3 compatible stores.
package s3

import (
	"bytes"
	"context"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/connector/shared/payload"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// Scheme is the URI scheme of the component.
const Scheme = "s3"

// Uploader is the part of manager.Uploader the producer uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// UploaderFactory builds an uploader for an endpoint.
type UploaderFactory func(ctx context.Context, cfg Config) (Uploader, error)

// Config is the resolved endpoint configuration.
type Config struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	UsePathStyle   bool
	Format         payload.Format
	PartSize       int64
	MaxConcurrency int
}

// Component creates S3 endpoints.
type Component struct {
	codec       *codec.Codec
	logger      *zap.Logger
	newUploader UploaderFactory
}

// Option configures the component.
type Option func(*Component)

// WithUploaderFactory replaces the AWS uploader, for tests.
func WithUploaderFactory(f UploaderFactory) Option {
	return func(c *Component) { c.newUploader = f }
}

// NewComponent creates the component. c encodes blob payloads.
func NewComponent(c *codec.Codec, log *zap.Logger, opts ...Option) *Component {
	comp := &Component{codec: c, logger: logger.OrGlobal(log), newUploader: newAWSUploader}
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
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "s3 endpoint needs a bucket")
	}
	format, err := payload.ParseFormat(params.String("format", ""), payload.FormatBlob)
	if err != nil {
		return nil, err
	}
	pathStyle, err := params.Bool("pathStyle", false)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid pathStyle")
	}
	partSize, err := params.Int("partSize", int(manager.DefaultUploadPartSize))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid partSize")
	}
	concurrency, err := params.Int("maxConcurrency", manager.DefaultUploadConcurrency)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid maxConcurrency")
	}

	cfg := Config{
		Bucket:         remaining,
		Prefix:         params.String("prefix", ""),
		Region:         params.String("region", ""),
		Endpoint:       params.String("endpoint", ""),
		UsePathStyle:   pathStyle,
		Format:         format,
		PartSize:       int64(partSize),
		MaxConcurrency: concurrency,
	}
	enc, err := payload.NewEncoder(format, c.codec)
	if err != nil {
		return nil, err
	}

	return core.NewProducerEndpoint(uri, func(ctx context.Context) (core.Producer, error) {
		up, err := c.newUploader(ctx, cfg)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create S3 uploader")
		}
		return &Producer{
			cfg:      cfg,
			uploader: up,
			encoder:  enc,
			logger:   c.logger.With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket)),
		}, nil
	}), nil
}

func newAWSUploader(ctx context.Context, cfg Config) (Uploader, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.MaxConcurrency
	}), nil
}

// Producer uploads one object per exchange under prefix/<exchange id>.
type Producer struct {
	cfg      Config
	uploader Uploader
	encoder  *payload.Encoder
	logger   *zap.Logger
}

// Key returns the object key for ex.
func (p *Producer) Key(ex *exchange.Exchange) string {
	return path.Join(p.cfg.Prefix, ex.ID()+p.encoder.Extension())
}

// Process implements core.Processor.
func (p *Producer) Process(ctx context.Context, ex *exchange.Exchange) error {
	start := time.Now()
	data, err := p.encoder.Encode(ex)
	if err != nil {
		return err
	}

	key := p.Key(ex)
	metadata := map[string]string{
		"exchange-id": ex.ID(),
		"format":      string(p.cfg.Format),
		"created":     ex.CreatedAt().UTC().Format(time.RFC3339),
	}
	if cause := ex.HeaderString(exchange.HeaderDeadLetterCause); cause != "" {
		metadata["dead-letter-cause"] = cause
	}

	result, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(p.encoder.ContentType()),
		Metadata:    metadata,
	})
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to upload to S3").
			WithDetail("key", key)
	}

	p.logger.Debug("exchange uploaded to S3",
		zap.String("location", result.Location),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close implements core.Producer.
func (p *Producer) Close(context.Context) error { return nil }
