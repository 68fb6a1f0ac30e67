package aggregation

import (
	"context"

	"github.com/ajitpratap0/nebula-components/pkg/exchange"
)

// Repository stores in-flight aggregates by correlation key.
type Repository interface {
	// Add upserts the aggregate for key. It returns the previously stored
	// exchange only when the repository is configured to read it.
	Add(ctx context.Context, key string, ex *exchange.Exchange) (*exchange.Exchange, error)
	// Get returns the aggregate for key, or nil when there is none.
	Get(ctx context.Context, key string) (*exchange.Exchange, error)
	// Remove moves the aggregate for key to the completed table under ex.ID().
	Remove(ctx context.Context, key string, ex *exchange.Exchange) error
	// Confirm deletes the completed row for exchangeID. Confirming an absent row is not an error.
	Confirm(ctx context.Context, exchangeID string) error
	// Keys lists the in-flight correlation keys.
	Keys(ctx context.Context) ([]string, error)
}

// OptimisticRepository adds version-checked writes.
type OptimisticRepository interface {
	Repository
	// AddOptimistic inserts when old is nil and otherwise updates only if the
	// stored version still equals old.Version().
	AddOptimistic(ctx context.Context, key string, old, ex *exchange.Exchange) (*exchange.Exchange, error)
}

// RecoverableRepository exposes the completed table to the recovery sweep.
type RecoverableRepository interface {
	Repository
	// Scan lists exchange ids awaiting confirmation.
	Scan(ctx context.Context) ([]string, error)
	// Recover loads a completed exchange, or nil when it is gone.
	Recover(ctx context.Context, exchangeID string) (*exchange.Exchange, error)
	// ConfirmWithResult is Confirm that reports whether a row was deleted.
	ConfirmWithResult(ctx context.Context, exchangeID string) (bool, error)
}
