// Package core defines the contracts between components and the host that
// routes exchanges between them.
package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ajitpratap0/nebula-components/pkg/exchange"
)

// ErrNotSupported is returned when an endpoint cannot act in the requested role.
var ErrNotSupported = errors.New("operation not supported by endpoint")

// Processor receives exchanges downstream of a consumer.
type Processor interface {
	Process(ctx context.Context, ex *exchange.Exchange) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ex *exchange.Exchange) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, ex *exchange.Exchange) error {
	return f(ctx, ex)
}

// Producer sends exchanges to an external system.
type Producer interface {
	Processor
	Close(ctx context.Context) error
}

// Consumer receives data from an external system and feeds a Processor.
type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// PollingConsumer is invoked periodically by a host scheduler. Poll returns
// the number of exchanges it handed to its processor.
type PollingConsumer interface {
	Poll(ctx context.Context) (int, error)
}

// Endpoint is a configured address of a component.
type Endpoint interface {
	URI() string
	CreateProducer(ctx context.Context) (Producer, error)
	CreateConsumer(ctx context.Context, p Processor) (Consumer, error)
}

// Component creates endpoints for one URI scheme.
type Component interface {
	Scheme() string
	CreateEndpoint(ctx context.Context, uri, remaining string, params Parameters) (Endpoint, error)
}

// ErrorHandler is told about failures a consumer cannot return to a caller.
type ErrorHandler interface {
	HandleError(ctx context.Context, err error, details map[string]interface{})
}

// Parameters are the query parameters of an endpoint URI.
type Parameters map[string]string

// String returns the parameter or def when absent.
func (p Parameters) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Required returns the parameter or an error when it is absent.
func (p Parameters) Required(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	return v, nil
}

// Int parses an integer parameter.
func (p Parameters) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return n, nil
}

// Bool parses a boolean parameter.
func (p Parameters) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parameter %q: %w", key, err)
	}
	return b, nil
}

// Duration parses a time.Duration parameter.
func (p Parameters) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", key, err)
	}
	return d, nil
}
