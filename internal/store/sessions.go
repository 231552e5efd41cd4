// ABOUTME: Session persistence for SQLiteStore
// ABOUTME: Active-key uniqueness, activity touch, idle archiving and filtered listing

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sessionColumns = `id, platform, user_id, channel_id, context_id, summary, archived,
	started_at, last_activity_at, archived_at`

// CreateSession inserts a new active session.
// If an active session already exists for the same (platform, user, channel),
// it returns ErrDuplicateSession.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, platform, user_id, channel_id, context_id, summary, archived, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`,
		session.ID,
		session.Platform,
		session.UserID,
		session.ChannelID,
		session.ContextID,
		session.Summary,
		formatTime(session.StartedAt),
		formatTime(session.LastActivityAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "platform", session.Platform, "channel", session.ChannelID)
	return nil
}

// GetSession retrieves a session by ID, archived or not.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// GetActiveSession retrieves the non-archived session for a key.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, platform, userID, channelID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE platform = ? AND user_id = ? AND channel_id = ? AND archived = 0
	`, platform, userID, channelID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return sess, nil
}

// TouchSession sets last_activity_at. Timestamps never move backwards.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return requireRow(result)
}

// UpdateSessionSummary replaces the opaque summary for a session.
func (s *SQLiteStore) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("updating session summary: %w", err)
	}
	return requireRow(result)
}

// ArchiveIdleSessions archives every active session idle since before.
// Returns the number of sessions archived.
func (s *SQLiteStore) ArchiveIdleSessions(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archived = 1, archived_at = ?
		WHERE archived = 0 AND last_activity_at < ?
	`, formatTime(time.Now()), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("archiving sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var conds []string
	var args []any
	if filter.Platform != "" {
		conds = append(conds, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ChannelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, filter.ChannelID)
	}
	if filter.ActiveOnly {
		conds = append(conds, "archived = 0")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_activity_at DESC LIMIT ?"
	args = append(args, clampLimit(filter.Limit, 100, 1000))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var archived int
	var startedAt, lastActivity string
	var archivedAt sql.NullString

	if err := row.Scan(
		&sess.ID,
		&sess.Platform,
		&sess.UserID,
		&sess.ChannelID,
		&sess.ContextID,
		&sess.Summary,
		&archived,
		&startedAt,
		&lastActivity,
		&archivedAt,
	); err != nil {
		return nil, err
	}

	var err error
	sess.Archived = archived != 0
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if sess.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if archivedAt.Valid {
		t, err := parseTime(archivedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing archived_at: %w", err)
		}
		sess.ArchivedAt = &t
	}
	return &sess, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
