package aggregation

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is the subset of *sql.Tx the repository needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxManager runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including on panic.
type TxManager interface {
	InTx(ctx context.Context, readOnly bool, fn func(tx DBTX) error) error
}

// SQLTxManager is a TxManager over database/sql.
type SQLTxManager struct {
	db        *sql.DB
	isolation sql.IsolationLevel
}

var _ TxManager = (*SQLTxManager)(nil)

// NewSQLTxManager creates a transaction manager. Read-write transactions use
// isolation; read-only transactions use the driver default.
func NewSQLTxManager(db *sql.DB, isolation sql.IsolationLevel) (*SQLTxManager, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	return &SQLTxManager{db: db, isolation: isolation}, nil
}

// DB returns the underlying handle.
func (m *SQLTxManager) DB() *sql.DB {
	return m.db
}

// InTx implements TxManager.
func (m *SQLTxManager) InTx(ctx context.Context, readOnly bool, fn func(tx DBTX) error) (err error) {
	opts := &sql.TxOptions{ReadOnly: readOnly}
	if !readOnly {
		opts.Isolation = m.isolation
	}

	tx, err := m.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
