// Package store provides SQLite-backed durable storage for cohort runs.
//
// A run is written once and never updated:
//   - Runs: cohort, seed, spec hash, cutoff and the run's snapshot hash
//   - Entities: generated members with canonical attribute JSON
//   - Timelines / Timeline Events: every scheduled and skipped event
//   - Trigger Firings: one row per (source event, rule), the propagation trace
//
// # Critical Patterns
//
// Idempotent Writes
//   - Every insert uses ON CONFLICT DO NOTHING
//   - Writing the same run twice leaves the store unchanged
//
// Deterministic Query Results
//   - All queries order by a stored position or seq, then id COLLATE BINARY
//   - A run read back reproduces the snapshot hash it was written with
//
// Attribute Queries
//   - QueryEntities compiles predicates with internal/querysql
//   - Attribute values are compared with json_extract over canonical JSON
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
