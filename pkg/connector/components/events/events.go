// Package events consumes a Box-style change feed through a long-poll
// session and hands every event to a processor as an exchange. URIs look
// like box-events:<session>?clientId=..&clientSecret=..&subjectType=enterprise&subjectId=..
// or box-events:<session>?accessToken=.. for a static token.
package events

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/clients"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/longpoll"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-components/pkg/observability"
)

// Scheme is the URI scheme of the component.
const Scheme = "box-events"

// Component creates change feed endpoints.
type Component struct {
	logger   *zap.Logger
	handler  core.ErrorHandler
	api      *clients.HTTPClient
	poll     *clients.HTTPClient
	backoff  longpoll.Backoff
	sessions *longpoll.Manager
}

// Option configures the component.
type Option func(*Component)

// WithErrorHandler sets the handler told about processing failures and
// fatal session errors. The default logs them.
func WithErrorHandler(h core.ErrorHandler) Option {
	return func(c *Component) { c.handler = h }
}

// WithHTTPClients sets the clients used for API calls and for long polls.
func WithHTTPClients(api, poll *clients.HTTPClient) Option {
	return func(c *Component) {
		c.api = api
		c.poll = poll
	}
}

// WithBackoff sets the retry backoff of the sessions.
func WithBackoff(b longpoll.Backoff) Option {
	return func(c *Component) { c.backoff = b }
}

// WithManager registers every consumer session with m.
func WithManager(m *longpoll.Manager) Option {
	return func(c *Component) { c.sessions = m }
}

// NewComponent creates the component.
func NewComponent(log *zap.Logger, opts ...Option) *Component {
	c := &Component{logger: logger.OrGlobal(log)}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = core.NewLoggingErrorHandler(c.logger)
	}
	if c.api == nil {
		c.api = clients.NewHTTPClient(nil, c.logger)
	}
	return c
}

// Scheme implements core.Component.
func (c *Component) Scheme() string { return Scheme }

// CreateEndpoint implements core.Component.
func (c *Component) CreateEndpoint(_ context.Context, uri, remaining string, params core.Parameters) (core.Endpoint, error) {
	name := remaining
	if name == "" {
		name = Scheme
	}
	pageLimit, err := params.Int("pageLimit", 0)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid pageLimit")
	}
	stopTimeout, err := params.Duration("stopTimeout", 0)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid stopTimeout")
	}
	maxFailures, err := params.Int("maxFailures", 0)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid maxFailures")
	}

	creds := longpoll.Credentials{
		AccessToken:  params.String("accessToken", ""),
		ClientID:     params.String("clientId", ""),
		ClientSecret: params.String("clientSecret", ""),
		TokenURL:     params.String("tokenUrl", ""),
		SubjectType:  params.String("subjectType", ""),
		SubjectID:    params.String("subjectId", ""),
	}
	if creds.AccessToken == "" && (creds.ClientID == "" || creds.ClientSecret == "") {
		return nil, nebulaerrors.Wrap(longpoll.ErrCredentialsRequired, nebulaerrors.ErrorTypeConfig, "box-events endpoint")
	}

	return &Endpoint{
		uri:       uri,
		component: c,
		creds:     creds,
		provider: longpoll.HTTPProviderConfig{
			BaseURL:    params.String("baseUrl", longpoll.DefaultBaseURL),
			StreamType: params.String("streamType", ""),
			PageLimit:  pageLimit,
		},
		session: longpoll.Config{
			Name:                   name,
			InitialPosition:        params.String("position", longpoll.PositionNow),
			Backoff:                c.backoff,
			MaxConsecutiveFailures: maxFailures,
			StopTimeout:            stopTimeout,
			HTTPClient:             c.poll,
			Logger:                 c.logger,
		},
	}, nil
}

// Endpoint is a configured change feed.
type Endpoint struct {
	uri       string
	component *Component
	creds     longpoll.Credentials
	provider  longpoll.HTTPProviderConfig
	session   longpoll.Config
}

// URI implements core.Endpoint.
func (e *Endpoint) URI() string { return e.uri }

// CreateProducer implements core.Endpoint. The feed is read-only.
func (e *Endpoint) CreateProducer(context.Context) (core.Producer, error) {
	return nil, core.ErrNotSupported
}

// CreateConsumer implements core.Endpoint. Every consumer owns a fresh
// session since a session runs only once.
func (e *Endpoint) CreateConsumer(ctx context.Context, p core.Processor) (core.Consumer, error) {
	if p == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "box-events consumer needs a processor")
	}
	api := e.component.api
	tokens, err := longpoll.NewTokenSource(context.WithoutCancel(ctx), e.creds, api.Client())
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "box-events credentials")
	}
	provider, err := longpoll.NewHTTPProvider(e.provider, api, tokens, e.component.logger)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		processor: p,
		handler:   e.component.handler,
		tracer:    observability.NewComponentTracer("box_events", e.session.Name),
		logger:    e.component.logger.With(zap.String("component", "box_events"), zap.String("session", e.session.Name)),
	}
	c.session, err = longpoll.NewSession(provider, c, e.session)
	if err != nil {
		return nil, err
	}
	if m := e.component.sessions; m != nil {
		if err := m.Add(c.session); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "register box-events session")
		}
	}
	return c, nil
}

// Consumer turns event batches into exchanges.
type Consumer struct {
	processor core.Processor
	handler   core.ErrorHandler
	session   *longpoll.Session
	tracer    *observability.ComponentTracer
	logger    *zap.Logger

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
}

// Session returns the underlying long-poll session.
func (c *Consumer) Session() *longpoll.Session { return c.session }

// Start implements core.Consumer.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCtx, c.cancel = ctx, cancel
	c.mu.Unlock()
	if err := c.session.Start(ctx); err != nil {
		cancel()
		return err
	}
	return nil
}

// Stop implements core.Consumer. Events of a batch not yet dispatched are
// dropped, and the session keeps the batch's position so they are fetched
// again by the next run.
func (c *Consumer) Stop(context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.session.Stop()
	return nil
}

func (c *Consumer) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

// OnEvent implements longpoll.Listener. It stops at the first event seen
// after the run context ends; the session then redelivers the batch.
func (c *Consumer) OnEvent(batch longpoll.Batch) {
	ctx := c.context()
	for _, ev := range batch.Events {
		if ctx.Err() != nil {
			return
		}
		c.dispatch(ctx, ev, batch.NextPosition)
	}
}

func (c *Consumer) dispatch(ctx context.Context, ev longpoll.Event, position string) {
	ctx, span := c.tracer.StartSpan(ctx, "process",
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type))
	defer span.End()

	body, err := json.Marshal(ev)
	if err != nil {
		err = nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "encode event")
		observability.RecordError(span, err)
		c.handler.HandleError(ctx, err, map[string]interface{}{"event_id": ev.ID})
		return
	}

	headers := map[string]any{
		exchange.HeaderEventType:      ev.Type,
		exchange.HeaderEventID:        ev.ID,
		exchange.HeaderStreamPosition: position,
	}
	for k, v := range observability.InjectHeaders(ctx) {
		headers[k] = v
	}
	ex := exchange.New(body, exchange.WithHeaders(headers))

	err = c.processor.Process(ctx, ex)
	observability.RecordError(span, err)
	if err != nil {
		c.handler.HandleError(ctx, err, map[string]interface{}{
			"exchange_id":     ex.ID(),
			"event_id":        ev.ID,
			"event_type":      ev.Type,
			"stream_position": position,
		})
	}
	ex.Done(err)
}

// OnException implements longpoll.Listener.
func (c *Consumer) OnException(err error) {
	c.handler.HandleError(c.context(), err, map[string]interface{}{
		"session":  c.session.Name(),
		"position": c.session.Position(),
	})
}
