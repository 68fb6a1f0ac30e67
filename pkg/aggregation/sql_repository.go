package aggregation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// SQLRepository is a Repository backed by two relational tables.
type SQLRepository struct {
	tx      TxManager
	cfg     Config
	layout  layout
	queries queries
	logger  *zap.Logger
}

var (
	_ OptimisticRepository  = (*SQLRepository)(nil)
	_ RecoverableRepository = (*SQLRepository)(nil)
)

// NewSQLRepository constructs a repository with validated configuration.
func NewSQLRepository(tx TxManager, opts ...Option) (*SQLRepository, error) {
	if tx == nil {
		return nil, ErrTxManagerRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	l, err := newLayout(cfg.Dialect, cfg.Table, cfg.InstanceID != "", cfg.StoreBodyAsText, cfg.HeadersToStoreAsText)
	if err != nil {
		return nil, err
	}

	return &SQLRepository{
		tx:      tx,
		cfg:     cfg,
		layout:  l,
		queries: newQueries(l),
		logger: logger.OrGlobal(cfg.Logger).With(
			zap.String("component", "aggregation_repository"),
			zap.String("table", l.table),
		),
	}, nil
}

// Open constructs a repository over db using read committed transactions.
func Open(db *sql.DB, opts ...Option) (*SQLRepository, error) {
	tx, err := NewSQLTxManager(db, sql.LevelReadCommitted)
	if err != nil {
		return nil, err
	}
	return NewSQLRepository(tx, opts...)
}

// Name returns the in-flight table name.
func (r *SQLRepository) Name() string {
	return r.layout.table
}

// InstanceID returns the cluster instance id, empty when not clustered.
func (r *SQLRepository) InstanceID() string {
	return r.cfg.InstanceID
}

// Schema returns the DDL for this repository's tables.
func (r *SQLRepository) Schema() []string {
	return r.layout.schema()
}

// CreateSchema creates both tables if they do not exist.
func (r *SQLRepository) CreateSchema(ctx context.Context) error {
	return r.observe(ctx, "create_schema", "", func(ctx context.Context) error {
		return r.tx.InTx(ctx, false, func(tx DBTX) error {
			for _, stmt := range r.layout.schema() {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return r.queryError(err, "create schema", "")
				}
			}
			return nil
		})
	})
}

// Add implements Repository.
func (r *SQLRepository) Add(ctx context.Context, key string, ex *exchange.Exchange) (*exchange.Exchange, error) {
	if err := validate(key, ex); err != nil {
		return nil, err
	}
	blob, err := r.cfg.Codec.Marshal(ex)
	if err != nil {
		return nil, err
	}

	var previous *exchange.Exchange
	err = r.observe(ctx, "add", key, func(ctx context.Context) error {
		return r.tx.InTx(ctx, false, func(tx DBTX) error {
			previous = nil
			var (
				exists bool
				err    error
			)
			if r.cfg.ReturnOldExchange {
				previous, exists, err = r.load(ctx, tx, r.queries.selectForUpdate, key)
			} else {
				exists, err = r.locked(ctx, tx, key)
			}
			if err != nil {
				return err
			}

			if exists {
				_, err = tx.ExecContext(ctx, r.queries.update, r.updateArgs(key, blob, ex, nil)...)
			} else {
				_, err = tx.ExecContext(ctx, r.queries.insert, r.insertArgs(key, blob, ex)...)
			}
			if err != nil {
				return r.classify(err, key, 0)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// AddOptimistic implements OptimisticRepository.
func (r *SQLRepository) AddOptimistic(ctx context.Context, key string, old, ex *exchange.Exchange) (*exchange.Exchange, error) {
	if err := validate(key, ex); err != nil {
		return nil, err
	}
	blob, err := r.cfg.Codec.Marshal(ex)
	if err != nil {
		return nil, err
	}

	var version int64
	if old != nil {
		version = old.Version()
	}

	var previous *exchange.Exchange
	err = r.observe(ctx, "add_optimistic", key, func(ctx context.Context) error {
		return r.tx.InTx(ctx, false, func(tx DBTX) error {
			previous = nil
			if old == nil {
				if _, err := tx.ExecContext(ctx, r.queries.insert, r.insertArgs(key, blob, ex)...); err != nil {
					return r.classify(err, key, 0)
				}
				return nil
			}

			if r.cfg.ReturnOldExchange {
				prev, _, err := r.load(ctx, tx, r.queries.selectOne, key)
				if err != nil {
					return err
				}
				previous = prev
			}

			res, err := tx.ExecContext(ctx, r.queries.updateVersioned, r.updateArgs(key, blob, ex, &version)...)
			if err != nil {
				return r.classify(err, key, version)
			}
			return r.expectOne(res, key, version)
		})
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// Get implements Repository.
func (r *SQLRepository) Get(ctx context.Context, key string) (*exchange.Exchange, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	var out *exchange.Exchange
	err := r.observe(ctx, "get", key, func(ctx context.Context) error {
		return r.tx.InTx(ctx, true, func(tx DBTX) error {
			ex, _, err := r.load(ctx, tx, r.queries.selectOne, key)
			out = ex
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove implements Repository. The delete and the completed insert share one
// transaction, so the aggregate is never in both tables or in neither. In
// optimistic mode a versioned exchange must match the stored row; an
// exchange without a version removes unconditionally.
func (r *SQLRepository) Remove(ctx context.Context, key string, ex *exchange.Exchange) error {
	if err := validate(key, ex); err != nil {
		return err
	}
	blob, err := r.cfg.Codec.Marshal(ex)
	if err != nil {
		return err
	}
	version := ex.Version()

	return r.observe(ctx, "remove", key, func(ctx context.Context) error {
		return r.tx.InTx(ctx, false, func(tx DBTX) error {
			if r.cfg.Optimistic && version > 0 {
				res, err := tx.ExecContext(ctx, r.queries.deleteVersioned, key, version)
				if err != nil {
					return r.classify(err, key, version)
				}
				if err := r.expectOne(res, key, version); err != nil {
					return err
				}
			} else if _, err := tx.ExecContext(ctx, r.queries.deleteOne, key); err != nil {
				return r.queryError(err, "delete aggregate", key)
			}

			if _, err := tx.ExecContext(ctx, r.queries.insertCompleted, r.completedArgs(blob, ex)...); err != nil {
				if r.cfg.Optimistic {
					return r.classify(err, key, version)
				}
				return r.queryError(err, "insert completed exchange", ex.ID())
			}
			return nil
		})
	})
}

// Confirm implements Repository.
func (r *SQLRepository) Confirm(ctx context.Context, exchangeID string) error {
	_, err := r.ConfirmWithResult(ctx, exchangeID)
	return err
}

// ConfirmWithResult implements RecoverableRepository.
func (r *SQLRepository) ConfirmWithResult(ctx context.Context, exchangeID string) (bool, error) {
	if exchangeID == "" {
		return false, ErrKeyRequired
	}
	var deleted bool
	err := r.observe(ctx, "confirm", exchangeID, func(ctx context.Context) error {
		return r.tx.InTx(ctx, false, func(tx DBTX) error {
			res, err := tx.ExecContext(ctx, r.queries.deleteCompleted, exchangeID)
			if err != nil {
				return r.queryError(err, "delete completed exchange", exchangeID)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return r.queryError(err, "rows affected", exchangeID)
			}
			deleted = n > 0
			return nil
		})
	})
	return deleted, err
}

// Scan implements RecoverableRepository. A clustered repository only sees
// its own instance's rows.
func (r *SQLRepository) Scan(ctx context.Context) ([]string, error) {
	if r.layout.clustered {
		return r.ids(ctx, "scan", r.queries.scan, r.cfg.InstanceID)
	}
	return r.ids(ctx, "scan", r.queries.scan)
}

// ScanAll lists every completed exchange id regardless of instance.
func (r *SQLRepository) ScanAll(ctx context.Context) ([]string, error) {
	return r.ids(ctx, "scan_all", r.queries.scanAll)
}

// RecoverByInstance lists the completed exchange ids owned by instanceID.
func (r *SQLRepository) RecoverByInstance(ctx context.Context, instanceID string) ([]string, error) {
	if !r.layout.clustered {
		return nil, ErrNotClustered
	}
	if instanceID == "" {
		return nil, ErrKeyRequired
	}
	return r.ids(ctx, "recover_by_instance", r.queries.scanByInstance, instanceID)
}

// Keys implements Repository.
func (r *SQLRepository) Keys(ctx context.Context) ([]string, error) {
	return r.ids(ctx, "keys", r.queries.keys)
}

// Recover implements RecoverableRepository.
func (r *SQLRepository) Recover(ctx context.Context, exchangeID string) (*exchange.Exchange, error) {
	if exchangeID == "" {
		return nil, ErrKeyRequired
	}
	var out *exchange.Exchange
	err := r.observe(ctx, "recover", exchangeID, func(ctx context.Context) error {
		return r.tx.InTx(ctx, true, func(tx DBTX) error {
			ex, _, err := r.load(ctx, tx, r.queries.selectCompleted, exchangeID)
			out = ex
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) ids(ctx context.Context, op, query string, args ...any) ([]string, error) {
	var out []string
	err := r.observe(ctx, op, "", func(ctx context.Context) error {
		return r.tx.InTx(ctx, true, func(tx DBTX) error {
			rows, err := tx.QueryContext(ctx, query, args...)
			if err != nil {
				return r.queryError(err, op, "")
			}
			defer rows.Close()

			out = out[:0]
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					return r.queryError(err, op, "")
				}
				out = append(out, id)
			}
			if err := rows.Err(); err != nil {
				return r.queryError(err, op, "")
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// load reads and decodes one row. A missing row is (nil, false, nil).
func (r *SQLRepository) load(ctx context.Context, tx DBTX, query, id string) (*exchange.Exchange, bool, error) {
	var (
		blob    []byte
		version int64
	)
	if err := tx.QueryRowContext(ctx, query, id).Scan(&blob, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, r.queryError(err, "select exchange", id)
	}

	ex, err := r.cfg.Codec.Unmarshal(blob)
	if err != nil {
		return nil, true, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "decode stored exchange").
			WithDetail("table", r.layout.table).
			WithDetail("id", id)
	}
	return ex.WithVersion(version), true, nil
}

// locked takes a row lock on key and reports whether the row exists.
func (r *SQLRepository) locked(ctx context.Context, tx DBTX, key string) (bool, error) {
	var version int64
	err := tx.QueryRowContext(ctx, r.queries.selectVersionLock, key).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, r.queryError(err, "lock aggregate", key)
	default:
		return true, nil
	}
}

func (r *SQLRepository) expectOne(res sql.Result, key string, version int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return r.queryError(err, "rows affected", key)
	}
	if n == 0 {
		return &OptimisticLockingError{Key: key, Version: version}
	}
	return nil
}

// classify turns a conflict-shaped persistence error into an
// *OptimisticLockingError and wraps everything else.
func (r *SQLRepository) classify(err error, key string, version int64) error {
	if r.cfg.Classifier(err) == Conflict {
		return &OptimisticLockingError{Key: key, Version: version, Cause: err}
	}
	return r.queryError(err, "write aggregate", key)
}

func (r *SQLRepository) queryError(err error, op, id string) error {
	e := nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, op).
		WithDetail("table", r.layout.table)
	if id != "" {
		e = e.WithDetail("id", id)
	}
	return e
}

func (r *SQLRepository) observe(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := r.cfg.Tracer.Trace(ctx, op, fn,
		attribute.String("db.system", r.layout.dialect.Name),
		attribute.String("aggregation.key", key),
	)
	if err != nil && !errors.Is(err, ErrOptimisticLocking) {
		// Transaction plumbing errors escape fn unwrapped.
		var ne *nebulaerrors.Error
		if !errors.As(err, &ne) {
			err = r.queryError(err, op, key)
		}
	}
	r.cfg.Metrics.Observe(r.layout.table, op, time.Since(start), err)

	switch {
	case err == nil:
		r.logger.Debug("aggregation operation", zap.String("operation", op), zap.String("key", key))
	case errors.Is(err, ErrOptimisticLocking):
		r.logger.Debug("aggregation conflict", zap.String("operation", op), zap.String("key", key), zap.Error(err))
	default:
		r.logger.Warn("aggregation operation failed", zap.String("operation", op), zap.String("key", key), zap.Error(err))
	}
	return err
}

func (r *SQLRepository) insertArgs(key string, blob []byte, ex *exchange.Exchange) []any {
	args := []any{key, blob, int64(1)}
	return append(args, r.textArgs(ex)...)
}

func (r *SQLRepository) updateArgs(key string, blob []byte, ex *exchange.Exchange, version *int64) []any {
	args := []any{blob}
	args = append(args, r.textArgs(ex)...)
	args = append(args, key)
	if version != nil {
		args = append(args, *version)
	}
	return args
}

func (r *SQLRepository) completedArgs(blob []byte, ex *exchange.Exchange) []any {
	args := []any{ex.ID(), blob, ex.Version()}
	if r.layout.clustered {
		args = append(args, r.cfg.InstanceID)
	}
	return append(args, r.textArgs(ex)...)
}

func (r *SQLRepository) textArgs(ex *exchange.Exchange) []any {
	var args []any
	if r.layout.bodyAsText {
		args = append(args, textOf(ex.Body()))
	}
	for _, h := range r.layout.headerNames {
		v, _ := ex.Header(h)
		args = append(args, textOf(v))
	}
	return args
}

// textOf renders a value for a shadow text column; nil stays NULL.
func textOf(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func validate(key string, ex *exchange.Exchange) error {
	if key == "" {
		return ErrKeyRequired
	}
	if ex == nil {
		return ErrExchangeRequired
	}
	return nil
}
