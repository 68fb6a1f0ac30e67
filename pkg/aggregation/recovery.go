package aggregation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/metrics"
)

const defaultRecoveryInterval = 5 * time.Second

// ErrDeadLetterRequired is returned when redeliveries are bounded but no
// dead letter producer is configured.
var ErrDeadLetterRequired = errors.New("aggregation: dead letter producer is required when maximum redeliveries is set")

// RecovererConfig configures a Recoverer.
type RecovererConfig struct {
	// Name labels logs and metrics; defaults to the repository name when known.
	Name string
	// Interval between sweeps.
	Interval time.Duration
	// MaximumRedeliveries before an exchange goes to DeadLetter; zero retries forever.
	MaximumRedeliveries int
	// DeadLetter receives exhausted exchanges.
	DeadLetter core.Producer
	Logger     *zap.Logger
	Metrics    *metrics.RecoveryMetrics
}

// Recoverer periodically resubmits completed exchanges whose confirmation
// never arrived, typically because the process crashed between Remove and
// Confirm.
type Recoverer struct {
	repo      RecoverableRepository
	processor core.Processor
	cfg       RecovererConfig
	logger    *zap.Logger

	mu           sync.Mutex
	inProgress   map[string]struct{}
	unconfirmed  map[string]struct{}
	redeliveries map[string]int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecoverer creates a recoverer that resubmits through processor.
func NewRecoverer(repo RecoverableRepository, processor core.Processor, cfg RecovererConfig) (*Recoverer, error) {
	if repo == nil {
		return nil, errors.New("aggregation: repository is required")
	}
	if processor == nil {
		return nil, errors.New("aggregation: processor is required")
	}
	if cfg.MaximumRedeliveries > 0 && cfg.DeadLetter == nil {
		return nil, ErrDeadLetterRequired
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRecoveryInterval
	}
	if cfg.Name == "" {
		if named, ok := repo.(interface{ Name() string }); ok {
			cfg.Name = named.Name()
		} else {
			cfg.Name = defaultTable
		}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Recovery()
	}

	return &Recoverer{
		repo:         repo,
		processor:    processor,
		cfg:          cfg,
		logger:       logger.OrGlobal(cfg.Logger).With(zap.String("component", "aggregation_recoverer"), zap.String("repository", cfg.Name)),
		inProgress:   make(map[string]struct{}),
		unconfirmed:  make(map[string]struct{}),
		redeliveries: make(map[string]int),
	}, nil
}

// MarkInProgress tells the recoverer that exchangeID is being delivered by
// the normal path and must not be resubmitted.
func (r *Recoverer) MarkInProgress(exchangeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress[exchangeID] = struct{}{}
}

// Delivered ends the in-progress window for exchangeID and confirms it. A
// failed confirmation is remembered and retried on the next sweep.
func (r *Recoverer) Delivered(ctx context.Context, exchangeID string) error {
	r.mu.Lock()
	delete(r.inProgress, exchangeID)
	r.mu.Unlock()
	return r.confirm(ctx, exchangeID)
}

// Pending returns the number of ids awaiting a confirmation retry.
func (r *Recoverer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unconfirmed)
}

// Start runs sweeps every Interval until Stop is called or ctx is done.
func (r *Recoverer) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return errors.New("aggregation: recoverer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("recovery sweep failed", zap.Error(err))
				}
			}
		}
	}(r.done)

	r.logger.Info("recoverer started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop ends the sweep loop and waits for a running sweep to return.
func (r *Recoverer) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("recoverer stopped")
}

// RunOnce performs one sweep over the completed table.
func (r *Recoverer) RunOnce(ctx context.Context) error {
	ids, err := r.repo.Scan(ctx)
	defer func() { r.cfg.Metrics.Sweep(r.cfg.Name, len(ids), err) }()
	if err != nil {
		return fmt.Errorf("scan completed exchanges: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mu.Lock()
		_, busy := r.inProgress[id]
		_, unconfirmed := r.unconfirmed[id]
		r.mu.Unlock()

		switch {
		case unconfirmed:
			_ = r.confirm(ctx, id)
		case busy:
			r.logger.Debug("exchange already in progress", zap.String("exchange_id", id))
		default:
			r.recoverOne(ctx, id)
		}
	}
	return nil
}

func (r *Recoverer) recoverOne(ctx context.Context, id string) {
	ex, err := r.repo.Recover(ctx, id)
	if err != nil {
		r.logger.Warn("failed to load exchange for recovery", zap.String("exchange_id", id), zap.Error(err))
		r.cfg.Metrics.Exchange(r.cfg.Name, metrics.RecoveryFailed)
		return
	}
	if ex == nil {
		return
	}
	ex = ex.WithHeader(exchange.HeaderRedelivered, true)

	r.mu.Lock()
	count := r.redeliveries[id]
	exhausted := r.cfg.MaximumRedeliveries > 0 && count >= r.cfg.MaximumRedeliveries
	if !exhausted {
		count++
		r.redeliveries[id] = count
	}
	r.inProgress[id] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inProgress, id)
		r.mu.Unlock()
	}()

	ex = ex.WithHeader(exchange.HeaderRedeliveryCounter, count)
	if exhausted {
		r.deadLetter(ctx, id, ex)
		return
	}
	if r.cfg.MaximumRedeliveries > 0 {
		ex = ex.WithHeader(exchange.HeaderRedeliveryMaxCount, r.cfg.MaximumRedeliveries)
	}

	r.logger.Debug("resubmitting recovered exchange", zap.String("exchange_id", id), zap.Int("attempt", count))
	err = r.processor.Process(ctx, ex)
	ex.Done(err)
	if err != nil {
		r.logger.Warn("recovered exchange failed", zap.String("exchange_id", id), zap.Int("attempt", count), zap.Error(err))
		r.cfg.Metrics.Exchange(r.cfg.Name, metrics.RecoveryFailed)
		return
	}
	r.cfg.Metrics.Exchange(r.cfg.Name, metrics.RecoveryResubmitted)

	r.mu.Lock()
	delete(r.redeliveries, id)
	r.mu.Unlock()
	_ = r.confirm(ctx, id)
}

func (r *Recoverer) deadLetter(ctx context.Context, id string, ex *exchange.Exchange) {
	r.logger.Warn("recovered exchange exhausted, moving to dead letter",
		zap.String("exchange_id", id),
		zap.Int("max_redeliveries", r.cfg.MaximumRedeliveries))

	ex = ex.WithHeader(exchange.HeaderDeadLetterCause,
		"redelivery exhausted after "+strconv.Itoa(r.cfg.MaximumRedeliveries)+" attempts")
	if err := r.cfg.DeadLetter.Process(ctx, ex); err != nil {
		r.logger.Error("failed to move recovered exchange to dead letter", zap.String("exchange_id", id), zap.Error(err))
		r.cfg.Metrics.Exchange(r.cfg.Name, metrics.RecoveryFailed)
		return
	}
	r.cfg.Metrics.Exchange(r.cfg.Name, metrics.RecoveryDeadLettered)

	r.mu.Lock()
	delete(r.redeliveries, id)
	r.mu.Unlock()
	_ = r.confirm(ctx, id)
}

func (r *Recoverer) confirm(ctx context.Context, id string) error {
	_, err := r.repo.ConfirmWithResult(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.unconfirmed[id] = struct{}{}
		r.logger.Warn("confirm failed, will retry", zap.String("exchange_id", id), zap.Error(err))
		return err
	}
	delete(r.unconfirmed, id)
	r.cfg.Metrics.Exchange(r.cfg.Name, metrics.RecoveryConfirmed)
	return nil
}
