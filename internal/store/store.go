// ABOUTME: Store interface and data types for clara-gateway persistence
// ABOUTME: Defines Session, Message, Note, Event structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when an active session already exists for a key
var ErrDuplicateSession = errors.New("session already exists")

// Session is the conversational state for a (platform, user, channel) triple.
type Session struct {
	ID             string
	Platform       string
	UserID         string
	ChannelID      string
	ContextID      string
	Summary        string
	Archived       bool
	StartedAt      time.Time
	LastActivityAt time.Time
	ArchivedAt     *time.Time
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	Platform   string
	UserID     string
	ChannelID  string
	ActiveOnly bool
	Limit      int
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a session transcript.
type Message struct {
	ID        string
	SessionID string
	RequestID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Note is a key/value note owned by a user.
type Note struct {
	ID        string
	UserID    string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is a persisted lifecycle event from the hook bus.
type Event struct {
	ID        string
	Type      string
	NodeID    string
	Platform  string
	UserID    string
	ChannelID string
	RequestID string
	Data      json.RawMessage
	CreatedAt time.Time
}

// Store defines the interface for gateway persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetActiveSession(ctx context.Context, platform, userID, channelID string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	UpdateSessionSummary(ctx context.Context, id, summary string) error
	ArchiveIdleSessions(ctx context.Context, before time.Time) (int, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)

	// Transcript
	SaveMessage(ctx context.Context, msg *Message) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// Notes
	SaveNote(ctx context.Context, note *Note) error
	GetNote(ctx context.Context, userID, key string) (*Note, error)
	ListNotes(ctx context.Context, userID string) ([]*Note, error)
	DeleteNote(ctx context.Context, userID, key string) error

	// Event log
	SaveEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, eventType string, limit int) ([]*Event, error)

	// Ping verifies the backing storage is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// timeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// clampLimit applies the default and maximum list sizes.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
