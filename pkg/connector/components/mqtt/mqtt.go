// Package mqtt publishes exchanges to an MQTT broker. URIs look like
// mqtt:<topic>?broker=tcp://localhost:1883&qos=1&retained=false.
package mqtt

import (
	"context"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/connector/shared/payload"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// Scheme is the URI scheme of the component.
const Scheme = "mqtt"

// Client is the subset of paho.Client the producer uses.
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// ClientFactory creates the client for an endpoint.
type ClientFactory func(opts *paho.ClientOptions) Client

func newPahoClient(opts *paho.ClientOptions) Client { return paho.NewClient(opts) }

// Component creates MQTT endpoints.
type Component struct {
	codec     *codec.Codec
	logger    *zap.Logger
	newClient ClientFactory
}

// Option configures the component.
type Option func(*Component)

// WithClientFactory replaces paho.NewClient, for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(c *Component) { c.newClient = f }
}

// NewComponent creates the component. c encodes blob payloads.
func NewComponent(c *codec.Codec, log *zap.Logger, opts ...Option) *Component {
	comp := &Component{codec: c, logger: logger.OrGlobal(log), newClient: newPahoClient}
	for _, opt := range opts {
		opt(comp)
	}
	return comp
}

// Scheme implements core.Component.
func (c *Component) Scheme() string { return Scheme }

type endpointConfig struct {
	topic    string
	qos      byte
	retained bool
	timeout  time.Duration
}

// CreateEndpoint implements core.Component.
func (c *Component) CreateEndpoint(_ context.Context, uri, remaining string, params core.Parameters) (core.Endpoint, error) {
	if remaining == "" {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "mqtt endpoint needs a topic")
	}
	broker, err := params.Required("broker")
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "mqtt endpoint")
	}
	qos, err := params.Int("qos", 1)
	if err != nil || qos < 0 || qos > 2 {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "invalid qos %q", params["qos"])
	}
	retained, err := params.Bool("retained", false)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid retained")
	}
	timeout, err := params.Duration("timeout", 10*time.Second)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid timeout")
	}
	format, err := payload.ParseFormat(params.String("format", ""), payload.FormatBody)
	if err != nil {
		return nil, err
	}
	enc, err := payload.NewEncoder(format, c.codec)
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(params.String("clientId", "nebula-components")).
		SetUsername(params.String("username", "")).
		SetPassword(params.String("password", "")).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)

	cfg := endpointConfig{topic: remaining, qos: byte(qos), retained: retained, timeout: timeout}

	return core.NewProducerEndpoint(uri, func(context.Context) (core.Producer, error) {
		client := c.newClient(opts)
		if err := wait(client.Connect(), timeout); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to connect to broker").
				WithDetail("broker", broker)
		}
		return &Producer{
			cfg:     cfg,
			client:  client,
			encoder: enc,
			logger:  c.logger.With(zap.String("component", "mqtt"), zap.String("topic", remaining)),
		}, nil
	}), nil
}

// Producer publishes one message per exchange.
type Producer struct {
	cfg     endpointConfig
	client  Client
	encoder *payload.Encoder
	logger  *zap.Logger
}

// Process implements core.Processor.
func (p *Producer) Process(ctx context.Context, ex *exchange.Exchange) error {
	data, err := p.encoder.Encode(ex)
	if err != nil {
		return err
	}
	tok := p.client.Publish(p.cfg.topic, p.cfg.qos, p.cfg.retained, data)

	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.timeout):
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeTimeout, "publish to %s timed out after %s", p.cfg.topic, p.cfg.timeout)
	}
	if err := tok.Error(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to publish message").
			WithDetail("topic", p.cfg.topic)
	}
	p.logger.Debug("exchange published", zap.String("exchange_id", ex.ID()), zap.Int("bytes", len(data)))
	return nil
}

// Close implements core.Producer.
func (p *Producer) Close(context.Context) error {
	p.client.Disconnect(250)
	return nil
}

func wait(tok paho.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeTimeout, "no broker response after %s", timeout)
	}
	return tok.Error()
}
