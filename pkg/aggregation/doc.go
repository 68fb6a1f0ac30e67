// Package aggregation persists in-flight aggregation state so that a crash
// between aggregating and delivering an exchange does not lose it.
//
// A repository named "orders" owns two tables:
//
//	orders            in-flight aggregates keyed by correlation key
//	orders_completed  finished aggregates keyed by exchange id, kept until Confirm
//
// Add upserts the in-flight row. Remove moves a row to the completed table in
// one transaction. Confirm deletes the completed row once downstream
// processing has durably succeeded. Anything left in the completed table is a
// recovery candidate: Scan lists it and Recover loads it, and the Recoverer
// drives that loop.
//
// # Optimistic locking
//
// Every row carries a version. AddOptimistic inserts when there was no
// previous exchange and otherwise updates only if the stored version still
// matches the one recorded on the previous exchange. Losing that race, or a
// unique constraint violation on insert, is reported as an
// *OptimisticLockingError:
//
//	_, err := repo.AddOptimistic(ctx, key, old, merged)
//	if errors.Is(err, aggregation.ErrOptimisticLocking) {
//	    // re-read, re-merge and retry
//	}
//
// AddWithRetry implements that loop with a LockRetryPolicy.
//
// # Clustering
//
// WithInstanceID tags completed rows with the owning node, and Scan only
// returns that node's rows. ScanAll and RecoverByInstance let a surviving
// node take over the rows of a node that is gone.
package aggregation
