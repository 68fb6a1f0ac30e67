package aggregation

import (
	"errors"
	"fmt"
)

var (
	// ErrTxManagerRequired is returned when no transaction manager is provided.
	ErrTxManagerRequired = errors.New("aggregation: transaction manager is required")
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("aggregation: db is required")
	// ErrTableNameRequired is returned when the repository name is empty.
	ErrTableNameRequired = errors.New("aggregation: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("aggregation: invalid table name")
	// ErrInvalidColumnName is returned when a header text column cannot be used as a column name.
	ErrInvalidColumnName = errors.New("aggregation: invalid column name")
	// ErrUnknownDialect is returned for an unsupported SQL dialect.
	ErrUnknownDialect = errors.New("aggregation: unknown dialect")
	// ErrKeyRequired is returned when a correlation key or exchange id is empty.
	ErrKeyRequired = errors.New("aggregation: key is required")
	// ErrExchangeRequired is returned when a nil exchange is passed.
	ErrExchangeRequired = errors.New("aggregation: exchange is required")
	// ErrNotClustered is returned by clustered operations on a repository without an instance id.
	ErrNotClustered = errors.New("aggregation: repository has no instance id")
	// ErrOptimisticLocking matches every *OptimisticLockingError via errors.Is.
	ErrOptimisticLocking = errors.New("aggregation: optimistic locking conflict")
)

// OptimisticLockingError reports that a concurrent writer changed or created
// the aggregate first. The caller is expected to re-read and retry.
type OptimisticLockingError struct {
	Key     string
	Version int64
	Cause   error
}

func (e *OptimisticLockingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("aggregation: optimistic locking conflict on %q at version %d: %v", e.Key, e.Version, e.Cause)
	}
	return fmt.Sprintf("aggregation: optimistic locking conflict on %q at version %d", e.Key, e.Version)
}

func (e *OptimisticLockingError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrOptimisticLocking) true.
func (e *OptimisticLockingError) Is(target error) bool {
	return target == ErrOptimisticLocking
}

// Conflict marks the error as a concurrency conflict for metrics.
func (e *OptimisticLockingError) Conflict() bool {
	return true
}
