// ABOUTME: In-memory Store implementation for tests and ephemeral runs
// ABOUTME: Mirrors SQLiteStore semantics including active-key uniqueness

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by session ID
	active   map[string]string     // keyed by "platform\x00user\x00channel" -> session ID
	messages map[string][]*Message // keyed by session ID
	notes    map[string]*Note      // keyed by "user\x00key"
	events   []*Event

	// FailNext, when set, makes the next call of the named method return the error.
	failNext map[string]error
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
		messages: make(map[string][]*Message),
		notes:    make(map[string]*Note),
		failNext: make(map[string]error),
	}
}

// FailNext makes the next call to method return err.
func (m *MemoryStore) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = err
}

// takeFailure must be called with m.mu held.
func (m *MemoryStore) takeFailure(method string) error {
	if err, ok := m.failNext[method]; ok {
		delete(m.failNext, method)
		return err
	}
	return nil
}

func activeKey(platform, userID, channelID string) string {
	return platform + "\x00" + userID + "\x00" + channelID
}

// CreateSession stores a new active session or returns ErrDuplicateSession.
func (m *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("CreateSession"); err != nil {
		return err
	}

	key := activeKey(session.Platform, session.UserID, session.ChannelID)
	if _, exists := m.active[key]; exists {
		return ErrDuplicateSession
	}
	s := *session
	s.Archived = false
	m.sessions[s.ID] = &s
	m.active[key] = s.ID
	return nil
}

// GetSession retrieves a session by ID.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// GetActiveSession retrieves the active session for a key.
func (m *MemoryStore) GetActiveSession(ctx context.Context, platform, userID, channelID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("GetActiveSession"); err != nil {
		return nil, err
	}

	id, ok := m.active[activeKey(platform, userID, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.sessions[id]
	return &result, nil
}

// TouchSession updates last activity, never moving it backwards.
func (m *MemoryStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

// UpdateSessionSummary replaces a session summary.
func (m *MemoryStore) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Summary = summary
	return nil
}

// ArchiveIdleSessions archives active sessions idle since before.
func (m *MemoryStore) ArchiveIdleSessions(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for key, id := range m.active {
		s := m.sessions[id]
		if s.LastActivityAt.Before(before) {
			s.Archived = true
			at := now
			s.ArchivedAt = &at
			delete(m.active, key)
			n++
		}
	}
	return n, nil
}

// ListSessions returns matching sessions by most recent activity.
func (m *MemoryStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if filter.Platform != "" && s.Platform != filter.Platform {
			continue
		}
		if filter.UserID != "" && s.UserID != filter.UserID {
			continue
		}
		if filter.ChannelID != "" && s.ChannelID != filter.ChannelID {
			continue
		}
		if filter.ActiveOnly && s.Archived {
			continue
		}
		c := *s
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})
	if limit := clampLimit(filter.Limit, 100, 1000); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SaveMessage appends a transcript message.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("SaveMessage"); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &c)
	return nil
}

// RecentMessages returns the last limit messages in chronological order.
func (m *MemoryStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("RecentMessages"); err != nil {
		return nil, err
	}

	msgs := m.messages[sessionID]
	limit = clampLimit(limit, 50, 500)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// SaveNote upserts a note.
func (m *MemoryStore) SaveNote(ctx context.Context, note *Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := note.UserID + "\x00" + note.Key
	now := time.Now()
	if existing, ok := m.notes[key]; ok {
		existing.Value = note.Value
		existing.UpdatedAt = now
		return nil
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	note.CreatedAt = now
	note.UpdatedAt = now
	c := *note
	m.notes[key] = &c
	return nil
}

// GetNote retrieves a note.
func (m *MemoryStore) GetNote(ctx context.Context, userID, key string) (*Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notes[userID+"\x00"+key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

// ListNotes returns a user's notes ordered by key.
func (m *MemoryStore) ListNotes(ctx context.Context, userID string) ([]*Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Note
	for _, n := range m.notes {
		if n.UserID == userID {
			c := *n
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// DeleteNote removes a note.
func (m *MemoryStore) DeleteNote(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := userID + "\x00" + key
	if _, ok := m.notes[k]; !ok {
		return ErrNotFound
	}
	delete(m.notes, k)
	return nil
}

// SaveEvent appends an event.
func (m *MemoryStore) SaveEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	c := *event
	m.events = append(m.events, &c)
	return nil
}

// ListEvents returns events newest first.
func (m *MemoryStore) ListEvents(ctx context.Context, eventType string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit, 100, 1000)
	var result []*Event
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		if eventType == "" || m.events[i].Type == eventType {
			c := *m.events[i]
			result = append(result, &c)
		}
	}
	return result, nil
}

// Ping succeeds unless a failure was injected with FailNext.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeFailure("Ping")
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
