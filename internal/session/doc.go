// Package session manages conversational sessions keyed by
// (platform, user, channel).
//
// GetOrCreate is idempotent and safe under concurrency. Callers in the same
// process collapse onto one lookup through singleflight; callers in separate
// processes sharing a database race on the store's partial unique index, and
// the loser re-reads the winner's row.
//
// Sessions are never deleted. A background sweep archives sessions whose last
// activity is older than the idle timeout; the next message on an archived key
// starts a fresh session. The manager also exposes the per-session transcript
// (Record, History) used to build orchestration context.
package session
