// Package logsink writes exchanges to the structured log. URIs look like
// log:<name>?level=info&showBody=true&showHeaders=true.
package logsink

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/connector/shared/payload"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// Scheme is the URI scheme of the component.
const Scheme = "log"

const maxBodyLen = 1024

// Component creates log endpoints.
type Component struct {
	logger *zap.Logger
}

// NewComponent creates the component.
func NewComponent(log *zap.Logger) *Component {
	return &Component{logger: logger.OrGlobal(log)}
}

// Scheme implements core.Component.
func (c *Component) Scheme() string { return Scheme }

// CreateEndpoint implements core.Component.
func (c *Component) CreateEndpoint(_ context.Context, uri, remaining string, params core.Parameters) (core.Endpoint, error) {
	name := remaining
	if name == "" {
		name = "exchanges"
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(params.String("level", "info"))); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid log level")
	}
	showBody, err := params.Bool("showBody", true)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid showBody")
	}
	showHeaders, err := params.Bool("showHeaders", true)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid showHeaders")
	}

	return core.NewProducerEndpoint(uri, func(context.Context) (core.Producer, error) {
		return &Producer{
			logger:      c.logger.With(zap.String("component", "log"), zap.String("log_name", name)),
			level:       level,
			showBody:    showBody,
			showHeaders: showHeaders,
		}, nil
	}), nil
}

// Producer logs each exchange it receives.
type Producer struct {
	logger      *zap.Logger
	level       zapcore.Level
	showBody    bool
	showHeaders bool
	count       atomic.Int64
}

// Process implements core.Processor.
func (p *Producer) Process(_ context.Context, ex *exchange.Exchange) error {
	fields := []zap.Field{zap.String("exchange_id", ex.ID())}
	if p.showHeaders {
		fields = append(fields, zap.Any("headers", payload.StringHeaders(ex)))
	}
	if p.showBody {
		fields = append(fields, zap.String("body", renderBody(ex)))
	}
	if ce := p.logger.Check(p.level, "exchange"); ce != nil {
		ce.Write(fields...)
	}
	p.count.Add(1)
	return nil
}

// Count returns the number of exchanges logged.
func (p *Producer) Count() int64 { return p.count.Load() }

// Close implements core.Producer.
func (p *Producer) Close(context.Context) error { return nil }

func renderBody(ex *exchange.Exchange) string {
	b, err := payload.Body(ex)
	if err != nil {
		return fmt.Sprintf("<%T: %v>", ex.Body(), err)
	}
	s := string(b)
	if len(s) > maxBodyLen {
		s = s[:maxBodyLen] + "..."
	}
	return strings.ToValidUTF8(s, "?")
}
