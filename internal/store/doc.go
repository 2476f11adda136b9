// Package store provides SQLite-backed durable storage for the archive node.
//
// The store is the single source of truth shared by ingestion, reconciliation
// and the work queue. Components never coordinate through in-memory state;
// they coordinate through the rows below.
//
//   - storage_locations: where each study lives and who holds its lock
//   - queue_entries: deferred work with priority, schedule and failure count
//   - reconciliation_records / reconciliation_objects: recorded conflicts
//
// # Repositories
//
// Each entity family has an explicit repository (LocationRepo, QueueRepo,
// ReconcileRepo) usable on the database directly or inside a transaction
// through Store.InTx.
//
// # Critical Patterns
//
// Conditional updates: lock acquisition and queue claims are single UPDATE
// statements whose WHERE clause carries the precondition; RowsAffected (or
// RETURNING) tells the caller whether it won. Nothing that decides ownership
// is implemented as read-then-write.
//
// Immutable history: a reconciliation record with an outcome can no longer be
// changed. Triggers enforce this even against direct SQL.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
