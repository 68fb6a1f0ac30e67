// Package kafka publishes exchanges to a Kafka topic with a sarama sync
// producer. URIs look like
// kafka:<topic>?brokers=host1:9092,host2:9092&acks=all&format=body.
package kafka

import (
	"context"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/connector/shared/payload"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-components/pkg/observability"
)

// Scheme is the URI scheme of the component.
const Scheme = "kafka"

// ProducerFactory creates the sarama producer for an endpoint.
type ProducerFactory func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)

// Component creates Kafka endpoints.
type Component struct {
	codec       *codec.Codec
	logger      *zap.Logger
	newProducer ProducerFactory
}

// Option configures the component.
type Option func(*Component)

// WithProducerFactory replaces sarama.NewSyncProducer, for tests.
func WithProducerFactory(f ProducerFactory) Option {
	return func(c *Component) { c.newProducer = f }
}

// NewComponent creates the component. c encodes blob payloads.
func NewComponent(c *codec.Codec, log *zap.Logger, opts ...Option) *Component {
	comp := &Component{codec: c, logger: logger.OrGlobal(log), newProducer: sarama.NewSyncProducer}
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
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "kafka endpoint needs a topic")
	}
	rawBrokers, err := params.Required("brokers")
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "kafka endpoint")
	}
	var brokers []string
	for _, b := range strings.Split(rawBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	format, err := payload.ParseFormat(params.String("format", ""), payload.FormatBody)
	if err != nil {
		return nil, err
	}
	enc, err := payload.NewEncoder(format, c.codec)
	if err != nil {
		return nil, err
	}
	scfg, err := saramaConfig(params)
	if err != nil {
		return nil, err
	}
	keyHeader := params.String("keyHeader", exchange.HeaderCorrelationKey)

	return core.NewProducerEndpoint(uri, func(context.Context) (core.Producer, error) {
		sp, err := c.newProducer(brokers, scfg)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create kafka producer")
		}
		return &Producer{
			topic:     remaining,
			keyHeader: keyHeader,
			producer:  sp,
			encoder:   enc,
			logger:    c.logger.With(zap.String("component", "kafka"), zap.String("topic", remaining)),
		}, nil
	}), nil
}

func saramaConfig(params core.Parameters) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.ClientID = params.String("clientId", "nebula-components")
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = false

	switch strings.ToLower(params.String("acks", "all")) {
	case "all", "-1":
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	case "local", "1":
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "none", "0":
		cfg.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "invalid acks %q", params["acks"])
	}

	retries, err := params.Int("retries", cfg.Producer.Retry.Max)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid retries")
	}
	cfg.Producer.Retry.Max = retries
	timeout, err := params.Duration("timeout", 10*time.Second)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid timeout")
	}
	cfg.Producer.Timeout = timeout

	switch strings.ToLower(params.String("compression", "none")) {
	case "none":
		cfg.Producer.Compression = sarama.CompressionNone
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "invalid compression %q", params["compression"])
	}

	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid kafka producer configuration")
	}
	return cfg, nil
}

// Producer sends one record per exchange. The record key is the key header,
// falling back to the exchange id; string headers and the trace context
// become record headers.
type Producer struct {
	topic     string
	keyHeader string
	producer  sarama.SyncProducer
	encoder   *payload.Encoder
	logger    *zap.Logger
}

// Process implements core.Processor.
func (p *Producer) Process(ctx context.Context, ex *exchange.Exchange) error {
	value, err := p.encoder.Encode(ex)
	if err != nil {
		return err
	}

	key := ex.HeaderString(p.keyHeader)
	if key == "" {
		key = ex.ID()
	}
	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: recordHeaders(ctx, ex),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to send message").
			WithDetail("topic", p.topic)
	}
	p.logger.Debug("exchange published",
		zap.String("exchange_id", ex.ID()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func recordHeaders(ctx context.Context, ex *exchange.Exchange) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{{Key: []byte("NebulaExchangeID"), Value: []byte(ex.ID())}}
	for k, v := range payload.StringHeaders(ex) {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	for k, v := range observability.InjectHeaders(ctx) {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return headers
}

// Close implements core.Producer.
func (p *Producer) Close(context.Context) error {
	if err := p.producer.Close(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to close kafka producer")
	}
	return nil
}
