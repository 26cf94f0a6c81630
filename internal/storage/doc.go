// Package storage provides the transactional record store behind the
// scheduler persistence overlay.
//
// Records live in two partitions ("jobs" and "triggers") and are addressed by
// a per-record column key. Every read and write happens inside a unit of work
// (Store.Update / Store.View) that either commits as a whole or not at all.
//
// Drivers:
//   - "memory": process-local, for tests and dry runs
//   - "file":   JSON snapshot + JSONL transaction journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
