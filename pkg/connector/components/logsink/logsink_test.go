package logsink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
)

func TestProducerLogsExchange(t *testing.T) {
	zc, logs := observer.New(zap.DebugLevel)
	c := NewComponent(zap.New(zc))

	ep, err := c.CreateEndpoint(context.Background(), "log:audit?level=warn", "audit", core.Parameters{"level": "warn"})
	require.NoError(t, err)
	prod, err := ep.CreateProducer(context.Background())
	require.NoError(t, err)
	defer prod.Close(context.Background())

	ex := exchange.New("payload", exchange.WithHeaders(map[string]any{"k": "v"}))
	require.NoError(t, prod.Process(context.Background(), ex))

	entries := logs.FilterMessage("exchange").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, ex.ID(), fields["exchange_id"])
	assert.Equal(t, "payload", fields["body"])
	assert.Equal(t, "audit", fields["log_name"])
	assert.Equal(t, int64(1), prod.(*Producer).Count())

	_, err = ep.CreateConsumer(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrNotSupported)
}

func TestInvalidParameters(t *testing.T) {
	c := NewComponent(zap.NewNop())
	_, err := c.CreateEndpoint(context.Background(), "log:x", "x", core.Parameters{"level": "loud"})
	assert.Error(t, err)
	_, err = c.CreateEndpoint(context.Background(), "log:x", "x", core.Parameters{"showBody": "maybe"})
	assert.Error(t, err)
}
