// ABOUTME: Transcript, notes, and event log persistence for SQLiteStore
// ABOUTME: Recent-message reads return chronological order; notes upsert per (user, key)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveMessage appends a turn to a session transcript.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, request_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, nullString(msg.RequestID), msg.Role, msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit most recent messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, request_id, role, content, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionID, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var requestID sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &requestID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.RequestID = requestID.String
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveNote creates or updates a note for a user.
func (s *SQLiteStore) SaveNote(ctx context.Context, note *Note) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	now := time.Now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	note.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, user_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, note.ID, note.UserID, note.Key, note.Value, formatTime(note.CreatedAt), formatTime(note.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving note: %w", err)
	}
	return nil
}

// GetNote retrieves a note by user and key.
func (s *SQLiteStore) GetNote(ctx context.Context, userID, key string) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, key, value, created_at, updated_at
		FROM notes WHERE user_id = ? AND key = ?
	`, userID, key)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying note: %w", err)
	}
	return n, nil
}

// ListNotes returns all notes for a user ordered by key.
func (s *SQLiteStore) ListNotes(ctx context.Context, userID string) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key, value, created_at, updated_at
		FROM notes WHERE user_id = ? ORDER BY key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteNote removes a note. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteNote(ctx context.Context, userID, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("deleting note: %w", err)
	}
	return requireRow(result)
}

func scanNote(row rowScanner) (*Note, error) {
	var n Note
	var createdAt, updatedAt string
	if err := row.Scan(&n.ID, &n.UserID, &n.Key, &n.Value, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.CreatedAt, _ = parseTime(createdAt)
	n.UpdatedAt, _ = parseTime(updatedAt)
	return &n, nil
}

// SaveEvent appends a lifecycle event to the event log.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	var data sql.NullString
	if len(event.Data) > 0 {
		data = sql.NullString{String: string(event.Data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, node_id, platform, user_id, channel_id, request_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Type,
		nullString(event.NodeID),
		nullString(event.Platform),
		nullString(event.UserID),
		nullString(event.ChannelID),
		nullString(event.RequestID),
		data,
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first. An empty type matches all.
func (s *SQLiteStore) ListEvents(ctx context.Context, eventType string, limit int) ([]*Event, error) {
	query := `
		SELECT id, type, node_id, platform, user_id, channel_id, request_id, data, created_at
		FROM events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, clampLimit(limit, 100, 1000))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var nodeID, platform, userID, channelID, requestID, data sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &nodeID, &platform, &userID, &channelID, &requestID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.NodeID = nodeID.String
		e.Platform = platform.String
		e.UserID = userID.String
		e.ChannelID = channelID.String
		e.RequestID = requestID.String
		if data.Valid {
			e.Data = []byte(data.String)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
