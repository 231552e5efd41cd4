// Package store provides persistent storage for the gateway.
//
// # Architecture
//
// Store is the single persistence interface. SQLiteStore implements it on
// database/sql with either the pure Go driver (modernc.org/sqlite, registered
// as "sqlite") or the cgo driver (github.com/mattn/go-sqlite3, registered as
// "sqlite3"). MemoryStore implements the same contract in memory for tests.
//
// # Data Models
//
//   - Session: conversational state for a (platform, user, channel) triple
//   - Message: one user or assistant turn of a session transcript
//   - Note: per-user key/value note written by the built-in note tools
//   - Event: lifecycle event appended by the hook bus
//
// # Session Uniqueness
//
// A partial unique index allows exactly one non-archived session per key:
//
//	CREATE UNIQUE INDEX idx_sessions_active_key
//	    ON sessions(platform, user_id, channel_id) WHERE archived = 0;
//
// CreateSession returns ErrDuplicateSession when the index rejects an insert,
// which lets callers resolve creation races by re-reading the winner.
// Archived sessions keep their rows, so a later message on the same key
// starts a fresh session while the old one remains queryable.
//
// # Timestamps
//
// Timestamps are stored as fixed-width UTC strings so that lexical ordering
// matches chronological ordering in ORDER BY and range predicates.
package store
