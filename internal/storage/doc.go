// Package storage persists schedules, dedup state and the dose log.
//
// Drivers:
//   - file: JSON snapshots plus append-only journals, no external service
//   - sqlite: embedded database file (modernc.org/sqlite)
//   - postgres: shared database through pgx
package storage
