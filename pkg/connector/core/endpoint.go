package core

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// ProducerEndpoint is an Endpoint that can only produce.
type ProducerEndpoint struct {
	uri    string
	create func(ctx context.Context) (Producer, error)
}

// NewProducerEndpoint returns an endpoint whose producers come from create.
func NewProducerEndpoint(uri string, create func(ctx context.Context) (Producer, error)) *ProducerEndpoint {
	return &ProducerEndpoint{uri: uri, create: create}
}

// URI implements Endpoint.
func (e *ProducerEndpoint) URI() string { return e.uri }

// CreateProducer implements Endpoint.
func (e *ProducerEndpoint) CreateProducer(ctx context.Context) (Producer, error) {
	return e.create(ctx)
}

// CreateConsumer implements Endpoint.
func (e *ProducerEndpoint) CreateConsumer(context.Context, Processor) (Consumer, error) {
	return nil, ErrNotSupported
}

// LoggingErrorHandler logs errors and counts them.
type LoggingErrorHandler struct {
	logger *zap.Logger
	total  atomic.Int64
}

// NewLoggingErrorHandler creates a handler that logs through logger.
func NewLoggingErrorHandler(logger *zap.Logger) *LoggingErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingErrorHandler{logger: logger.With(zap.String("component", "error_handler"))}
}

// HandleError implements ErrorHandler. Retryable errors are logged at warn
// level, everything else at error level.
func (h *LoggingErrorHandler) HandleError(ctx context.Context, err error, details map[string]interface{}) {
	if err == nil {
		return
	}
	h.total.Add(1)

	fields := make([]zap.Field, 0, len(details)+2)
	fields = append(fields, zap.Error(err), zap.String("error_type", string(nebulaerrors.TypeOf(err))))
	for k, v := range details {
		fields = append(fields, zap.Any(k, v))
	}

	if nebulaerrors.IsRetryable(err) {
		h.logger.Warn("retryable error occurred", fields...)
		return
	}
	h.logger.Error("error occurred", fields...)
}

// Total returns the number of errors handled.
func (h *LoggingErrorHandler) Total() int64 { return h.total.Load() }
