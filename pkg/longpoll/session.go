package longpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/clients"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/metrics"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-components/pkg/observability"
)

var (
	ErrProviderRequired  = errors.New("longpoll: provider is required")
	ErrListenerRequired  = errors.New("longpoll: listener is required")
	ErrAlreadyStarted    = errors.New("longpoll: session already started")
	ErrSessionDone       = errors.New("longpoll: session is done")
	ErrUnexpectedMessage = errors.New("longpoll: unexpected real-time server message")
	ErrUnexpectedStatus  = errors.New("longpoll: unexpected real-time server status")
	ErrInvalidLease      = errors.New("longpoll: provider returned an unusable lease")
)

// State is a step of the session state machine.
type State string

const (
	StateNeedServer     State = "need_server"
	StatePolling        State = "polling"
	StateNewChange      State = "new_change"
	StateReconnect      State = "reconnect"
	StateOutOfDate      State = "out_of_date"
	StateTransientRetry State = "transient_retry"
	StateFatal          State = "fatal"
	StateDone           State = "done"
)

// Real-time server messages.
const (
	MessageNewChange  = "new_change"
	MessageReconnect  = "reconnect"
	MessageOutOfDate  = "out_of_date"
	MessageMaxRetries = "max_retries"
)

// PositionNow asks the provider for the head of the feed.
const PositionNow = "now"

// DefaultMaxConsecutiveFailures bounds transient retries when the config
// leaves MaxConsecutiveFailures at zero.
const DefaultMaxConsecutiveFailures = 10

// Config configures a Session.
type Config struct {
	// Name identifies the session in logs and metrics.
	Name string
	// InitialPosition is the stream position to start from. Empty or
	// PositionNow resolves the head of the feed before the first poll.
	InitialPosition string
	// Backoff spaces out retries after transient failures.
	Backoff Backoff
	// MaxConsecutiveFailures ends the session after that many transient
	// failures without a successful poll. Zero selects
	// DefaultMaxConsecutiveFailures; a negative value retries forever.
	MaxConsecutiveFailures int
	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout time.Duration

	HTTPClient *clients.HTTPClient
	Logger     *zap.Logger
	Metrics    *metrics.LongPollMetrics
	Tracer     *observability.ComponentTracer
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.InitialPosition == "" {
		c.InitialPosition = PositionNow
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	c.Logger = logger.OrGlobal(c.Logger)
	if c.HTTPClient == nil {
		c.HTTPClient = clients.NewHTTPClient(clients.LongPollHTTPConfig(), c.Logger)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.LongPoll()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NewComponentTracer("longpoll", c.Name)
	}
	return c
}

// Session follows one change feed. It runs at most once; a stopped or
// failed session cannot be restarted.
type Session struct {
	cfg      Config
	provider Provider
	listener Listener
	client   *clients.HTTPClient
	logger   *zap.Logger

	// Owned by the loop goroutine, read by accessors.
	mu       sync.Mutex
	position string
	lease    *Lease
	retries  int
	state    State
	err      error

	failures int

	done     atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	cancelMu sync.Mutex
	finished chan struct{}
}

// NewSession creates a session. Nothing runs until Start.
func NewSession(provider Provider, listener Listener, cfg Config) (*Session, error) {
	if provider == nil {
		return nil, ErrProviderRequired
	}
	if listener == nil {
		return nil, ErrListenerRequired
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		provider: provider,
		listener: listener,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger.With(zap.String("component", "longpoll"), zap.String("session", cfg.Name)),
		position: cfg.InitialPosition,
		state:    StateNeedServer,
		finished: make(chan struct{}),
	}, nil
}

// Name returns the session name.
func (s *Session) Name() string { return s.cfg.Name }

// Position returns the current stream position.
func (s *Session) Position() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// State returns the state the loop is in.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, or nil if it was stopped
// or is still running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.finished }

// Start launches the polling loop on its own goroutine.
func (s *Session) Start(ctx context.Context) error {
	if s.done.Load() {
		return ErrSessionDone
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()

	s.logger.Info("starting long-poll session", zap.String("position", s.Position()))
	go s.run(ctx)
	return nil
}

// Run starts the session and blocks until it ends. It returns the error
// reported to the listener, or nil when stopped or cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.finished
	return s.Err()
}

// Stop marks the session done, aborts any request in flight and waits up to
// StopTimeout for the loop to exit. The listener is not called.
func (s *Session) Stop() {
	s.done.Store(true)

	s.cancelMu.Lock()
	cancel := s.cancel
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !s.started.Load() {
		return
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.finished:
		s.logger.Info("long-poll session stopped")
	case <-timer.C:
		s.logger.Warn("long-poll session did not stop in time", zap.Duration("timeout", s.cfg.StopTimeout))
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.finished)
	defer func() {
		s.done.Store(true)
		s.enter(StateDone)
		s.cancelMu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.cancelMu.Unlock()
	}()

	state := StateNeedServer
	var cause error
	for {
		if s.done.Load() || ctx.Err() != nil {
			return
		}
		s.enter(state)

		var next State
		var err error
		switch state {
		case StateNeedServer:
			next, err = s.acquire(ctx)
		case StatePolling:
			next, err = s.poll(ctx)
		case StateNewChange:
			next, err = s.fetch(ctx)
		case StateReconnect:
			s.discardLease()
			next = StateNeedServer
		case StateOutOfDate:
			next, err = s.resync(ctx)
		case StateTransientRetry:
			next, err = s.pause(ctx, cause)
		case StateFatal:
			s.fail(cause)
			return
		default:
			next, err = StateFatal, fmt.Errorf("longpoll: unknown state %q", state)
		}

		if err != nil {
			if ctx.Err() != nil || s.done.Load() {
				// Interrupted by Stop or the caller: end quietly.
				s.logger.Debug("long-poll session interrupted", zap.String("state", string(state)), zap.Error(err))
				return
			}
			cause = err
			if next != StateFatal && isTransient(err) {
				next = StateTransientRetry
			} else {
				next = StateFatal
			}
		}
		state = next
	}
}

func (s *Session) enter(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.logger.Debug("long-poll state", zap.String("state", string(state)))
	}
	s.cfg.Metrics.Transition(s.cfg.Name, string(state))
}

func (s *Session) acquire(ctx context.Context) (State, error) {
	if pos := s.Position(); pos == "" || pos == PositionNow {
		if _, err := s.resolvePosition(ctx); err != nil {
			return StateNeedServer, err
		}
	}

	var lease Lease
	err := s.cfg.Tracer.Trace(ctx, "lease", func(ctx context.Context) error {
		var err error
		lease, err = s.provider.Lease(ctx)
		return err
	})
	if err != nil {
		return StateNeedServer, err
	}
	if _, perr := url.Parse(lease.URL); lease.URL == "" || perr != nil {
		return StateFatal, fmt.Errorf("%w: url %q", ErrInvalidLease, lease.URL)
	}

	s.mu.Lock()
	s.lease = &lease
	s.retries = 0
	s.mu.Unlock()
	s.cfg.Metrics.Lease(s.cfg.Name)
	s.logger.Debug("leased real-time server",
		zap.String("url", lease.URL),
		zap.Duration("timeout", lease.Timeout),
		zap.Int("max_retries", lease.MaxRetries))
	return StatePolling, nil
}

type pollResponse struct {
	Message string `json:"message"`
}

func (s *Session) poll(ctx context.Context) (State, error) {
	s.mu.Lock()
	lease := s.lease
	retries := s.retries
	position := s.position
	s.mu.Unlock()

	if lease == nil {
		return StateNeedServer, nil
	}
	if retries >= max(lease.MaxRetries, 1) {
		s.logger.Debug("lease retries exhausted", zap.Int("retries", retries))
		return StateReconnect, nil
	}

	token, err := s.provider.Token(ctx)
	if err != nil {
		return StatePolling, err
	}
	target, err := withPosition(lease.URL, position)
	if err != nil {
		return StateFatal, fmt.Errorf("%w: %v", ErrInvalidLease, err)
	}

	pctx := ctx
	if lease.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, lease.Timeout)
		defer cancel()
	}

	resp, err := s.client.Get(pctx, target, map[string]string{"Authorization": "Bearer " + token})
	if err != nil {
		if s.expired(ctx, pctx, err) {
			return s.retryOnLease(), nil
		}
		return StatePolling, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return StateFatal, nebulaerrors.Wrap(
			fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode),
			nebulaerrors.ErrorTypeProtocol, "poll real-time server").
			WithDetail("status", resp.StatusCode)
	}

	var msg pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		if s.expired(ctx, pctx, err) {
			return s.retryOnLease(), nil
		}
		if isTransient(err) {
			return StatePolling, err
		}
		return StateFatal, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, "decode real-time server response")
	}
	s.failures = 0

	switch msg.Message {
	case MessageNewChange:
		return StateNewChange, nil
	case MessageReconnect, MessageMaxRetries:
		return StateReconnect, nil
	case MessageOutOfDate:
		return StateOutOfDate, nil
	default:
		return StateFatal, nebulaerrors.Wrap(
			fmt.Errorf("%w: %q", ErrUnexpectedMessage, msg.Message),
			nebulaerrors.ErrorTypeProtocol, "poll real-time server")
	}
}

// expired reports whether err is the lease timeout rather than a failure.
func (s *Session) expired(ctx, pctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Session) retryOnLease() State {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
	return StatePolling
}

func (s *Session) fetch(ctx context.Context) (State, error) {
	position := s.Position()
	var batch Batch
	err := s.cfg.Tracer.Trace(ctx, "events", func(ctx context.Context) error {
		var err error
		batch, err = s.provider.Events(ctx, position)
		return err
	}, attribute.String("stream_position", position))
	if err != nil {
		return StatePolling, err
	}

	s.listener.OnEvent(batch)
	s.cfg.Metrics.Events(s.cfg.Name, len(batch.Events))

	// A listener interrupted by shutdown may not have consumed the whole
	// batch, so the next session asks for it again.
	if ctx.Err() != nil {
		s.logger.Debug("delivery interrupted, keeping stream position", zap.String("position", position))
		return StatePolling, nil
	}

	s.mu.Lock()
	if batch.NextPosition != "" {
		s.position = batch.NextPosition
	}
	s.retries = 0
	s.mu.Unlock()

	s.logger.Debug("delivered event batch",
		zap.Int("events", len(batch.Events)),
		zap.String("next_position", batch.NextPosition))
	return StatePolling, nil
}

func (s *Session) resync(ctx context.Context) (State, error) {
	pos, err := s.resolvePosition(ctx)
	if err != nil {
		return StateOutOfDate, err
	}
	s.discardLease()
	s.logger.Info("stream position out of date, resynchronized", zap.String("position", pos))
	return StateNeedServer, nil
}

func (s *Session) resolvePosition(ctx context.Context) (string, error) {
	var pos string
	err := s.cfg.Tracer.Trace(ctx, "current_position", func(ctx context.Context) error {
		var err error
		pos, err = s.provider.CurrentPosition(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if pos == "" {
		return "", nebulaerrors.New(nebulaerrors.ErrorTypeProtocol, "provider returned an empty stream position")
	}
	s.mu.Lock()
	s.position = pos
	s.mu.Unlock()
	return pos, nil
}

func (s *Session) pause(ctx context.Context, cause error) (State, error) {
	s.discardLease()
	s.failures++
	if s.cfg.MaxConsecutiveFailures > 0 && s.failures > s.cfg.MaxConsecutiveFailures {
		return StateFatal, nebulaerrors.Wrap(cause, nebulaerrors.ErrorTypeConnection,
			fmt.Sprintf("giving up after %d consecutive transient failures", s.failures-1))
	}
	delay := s.cfg.Backoff.Delay(s.failures - 1)
	s.logger.Warn("transient long-poll failure, retrying",
		zap.Int("attempt", s.failures),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	if err := sleep(ctx, delay); err != nil {
		return StateTransientRetry, err
	}
	return StateNeedServer, nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Error("long-poll session failed", zap.Error(err))
	s.listener.OnException(err)
}

func (s *Session) discardLease() {
	s.mu.Lock()
	s.lease = nil
	s.retries = 0
	s.mu.Unlock()
}

func withPosition(raw, position string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("stream_position", position)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransient reports whether err is a plain network failure: a connection
// that could not be made or was dropped, as opposed to a bad response.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, clients.ErrCircuitOpen) || errors.Is(err, clients.ErrRateLimited) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
