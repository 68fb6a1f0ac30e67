package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

type stubComponent struct {
	scheme    string
	remaining string
	params    core.Parameters
	err       error
}

func (c *stubComponent) Scheme() string { return c.scheme }

func (c *stubComponent) CreateEndpoint(_ context.Context, uri, remaining string, params core.Parameters) (core.Endpoint, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.remaining, c.params = remaining, params
	return core.NewProducerEndpoint(uri, nil), nil
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri       string
		scheme    string
		remaining string
		params    core.Parameters
	}{
		{"log:audit", "log", "audit", core.Parameters{}},
		{"s3://bucket?prefix=dead%2F&region=eu-west-1", "s3", "bucket", core.Parameters{"prefix": "dead/", "region": "eu-west-1"}},
		{"KAFKA:topic?brokers=a:9092,b:9092&brokers=ignored", "kafka", "topic", core.Parameters{"brokers": "a:9092,b:9092"}},
		{"box-events:enterprise", "box-events", "enterprise", core.Parameters{}},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			scheme, remaining, params, err := ParseURI(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.remaining, remaining)
			assert.Equal(t, tt.params, params)
		})
	}

	_, _, _, err := ParseURI("no-scheme")
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeValidation))
	_, _, _, err = ParseURI("log:x?%zz")
	assert.Error(t, err)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	c := &stubComponent{scheme: "log"}
	require.NoError(t, r.Register(c))
	require.Error(t, r.Register(&stubComponent{scheme: "LOG"}))
	require.NoError(t, r.Register(&stubComponent{scheme: "s3"}))
	assert.Equal(t, []string{"log", "s3"}, r.Schemes())

	ep, err := r.Resolve(context.Background(), "log:audit?level=debug")
	require.NoError(t, err)
	assert.Equal(t, "log:audit?level=debug", ep.URI())
	assert.Equal(t, "audit", c.remaining)
	assert.Equal(t, "debug", c.params["level"])

	_, err = r.Resolve(context.Background(), "mqtt:topic")
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	r.Clear()
	assert.Empty(t, r.Schemes())
}

func TestRegistryResolveWrapsComponentErrors(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	boom := errors.New("bad bucket")
	require.NoError(t, r.Register(&stubComponent{scheme: "s3", err: boom}))

	_, err := r.Resolve(context.Background(), "s3:x")
	assert.ErrorIs(t, err, boom)
}
