// Package nebula groups two integration components and the glue around them.
//
// # Aggregation repository
//
// Package pkg/aggregation persists in-flight aggregates keyed by correlation
// key in a SQL table and moves completed exchanges to a companion table
// until they are confirmed. Concurrent writers are detected with a version
// column (optimistic locking) and surface as OptimisticLockingError. A
// Recoverer resubmits completed exchanges that were never confirmed, for
// example after a crash, and routes exhausted ones to a dead letter producer.
//
//	db, _ := sql.Open("pgx", dsn)
//	repo, err := aggregation.Open(db,
//	    aggregation.WithTable("orders"),
//	    aggregation.WithOptimistic(true),
//	)
//
// # Long-polling event sessions
//
// Package pkg/longpoll follows a provider's change feed: it leases a
// real-time server, long polls it, fetches events when told new changes
// exist and re-leases when the server says so. A Manager runs independent
// sessions side by side.
//
// # Glue
//
// pkg/connector exposes both through URI-addressed components (box-events,
// s3, gcs, kafka, mqtt, log). pkg/config loads YAML configuration with
// ${VAR} substitution, and cmd/nebula-components is the operator CLI.
//
// Logging goes through pkg/logger (zap), errors through pkg/nebulaerrors,
// metrics through pkg/metrics (Prometheus) and spans through
// pkg/observability (OpenTelemetry).
package nebula
