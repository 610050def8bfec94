// Package store provides persistent storage for the gateway using SQLite.
//
// Only the audit log is persisted. Connections, pending commands and sessions
// live in memory and are gone after a restart.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (pure Go, no cgo) with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Default: :memory: (audit log discarded on exit)
//   - Typical: ~/.local/share/omni/gateway.db
//
// # Testing
//
// Use NewSQLiteStore(MemoryPath, logger) for tests with real SQLite.
package store
