package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

func newProducer(t *testing.T, mock **mocks.SyncProducer, params core.Parameters) core.Producer {
	t.Helper()
	comp := NewComponent(nil, zaptest.NewLogger(t), WithProducerFactory(func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error) {
		assert.Equal(t, []string{"a:9092", "b:9092"}, brokers)
		*mock = mocks.NewSyncProducer(t, cfg)
		return *mock, nil
	}))
	params["brokers"] = "a:9092, b:9092"
	ep, err := comp.CreateEndpoint(context.Background(), "kafka:events", "events", params)
	require.NoError(t, err)
	p, err := ep.CreateProducer(context.Background())
	require.NoError(t, err)
	return p
}

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestProducerSendsRecord(t *testing.T) {
	var mock *mocks.SyncProducer
	p := newProducer(t, &mock, core.Parameters{})

	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "events", msg.Topic)
		key, _ := msg.Key.Encode()
		assert.Equal(t, "order-7", string(key))
		value, _ := msg.Value.Encode()
		assert.Equal(t, "payload", string(value))
		h := headerMap(msg)
		assert.Equal(t, "ex-1", h["NebulaExchangeID"])
		assert.Equal(t, "ITEM_UPLOAD", h[exchange.HeaderEventType])
		return nil
	})

	ex := exchange.New("payload", exchange.WithID("ex-1"), exchange.WithHeaders(map[string]any{
		exchange.HeaderCorrelationKey: "order-7",
		exchange.HeaderEventType:      "ITEM_UPLOAD",
	}))
	require.NoError(t, p.Process(context.Background(), ex))
	require.NoError(t, p.Close(context.Background()))
}

func TestProducerKeyFallsBackToExchangeID(t *testing.T) {
	var mock *mocks.SyncProducer
	p := newProducer(t, &mock, core.Parameters{"acks": "local", "compression": "zstd"})

	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != "ex-2" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	require.NoError(t, p.Process(context.Background(), exchange.New("x", exchange.WithID("ex-2"))))
	require.NoError(t, p.Close(context.Background()))
}

func TestProducerSendFailure(t *testing.T) {
	var mock *mocks.SyncProducer
	p := newProducer(t, &mock, core.Parameters{})

	mock.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	err := p.Process(context.Background(), exchange.New("x"))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConnection))
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, p.Close(context.Background()))
}

func TestCreateEndpointValidation(t *testing.T) {
	comp := NewComponent(nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := comp.CreateEndpoint(ctx, "kafka:", "", core.Parameters{"brokers": "a:9092"})
	assert.Error(t, err)
	_, err = comp.CreateEndpoint(ctx, "kafka:t", "t", core.Parameters{})
	assert.Error(t, err)
	_, err = comp.CreateEndpoint(ctx, "kafka:t", "t", core.Parameters{"brokers": "a:9092", "acks": "some"})
	assert.Error(t, err)
	_, err = comp.CreateEndpoint(ctx, "kafka:t", "t", core.Parameters{"brokers": "a:9092", "compression": "brotli"})
	assert.Error(t, err)
}
