// Package store provides SQLite-backed durable storage for the sync engine.
//
// The store holds two tables:
//   - cache_entries: the last known payload per query fingerprint, with the
//     server-confirmed base kept underneath any optimistic layers
//   - pending_mutations: the write-ahead queue of unacknowledged mutations,
//     replayed in seq order with their original idempotency tokens
//
// # Invariants
//
// Versions never decrease: a write whose version is not greater than the
// stored version is ignored (ON CONFLICT ... WHERE excluded.version >
// version), and the caller is told it was not applied.
//
// A pending mutation is removed exactly once: Dequeue reports whether the
// call removed the row.
//
// Payloads are stored as canonical JSON (internal/gql) so identical values
// are byte-identical on disk.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// An optional entry cap (WithMaxEntries) evicts least-recently-used entries
// from disk. The recency index lives in memory and is rebuilt from the
// accessed_at column on Open.
package store
