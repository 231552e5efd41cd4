// ABOUTME: Session manager resolving (platform, user, channel) keys to sessions
// ABOUTME: Concurrent callers for one key share a single creation; idle sessions are archived

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/store"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultIdleTimeout   = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Config configures a Manager.
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Publisher     hooks.Publisher
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns session lifecycle on top of a store.Store.
type Manager struct {
	store     store.Store
	group     singleflight.Group
	idle      time.Duration
	sweep     time.Duration
	publisher hooks.Publisher
	logger    *slog.Logger
	now       func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
	mu       sync.Mutex
}

// NewManager creates a session manager.
func NewManager(s store.Store, cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = hooks.NopPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:     s,
		idle:      cfg.IdleTimeout,
		sweep:     cfg.SweepInterval,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With("component", "session"),
		now:       cfg.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ContextID derives the memory context scope for a channel.
func ContextID(platform, channelID string) string {
	return platform + ":" + channelID
}

// GetOrCreate returns the active session for the key, creating it if needed.
// The bool reports whether the session is new; callers collapsed onto the
// same in-flight creation all observe the same session and the same flag.
func (m *Manager) GetOrCreate(ctx context.Context, platform, userID, channelID string) (*store.Session, bool, error) {
	if platform == "" || channelID == "" {
		return nil, false, errors.New("platform and channel_id are required")
	}

	key := platform + "\x00" + userID + "\x00" + channelID
	type outcome struct {
		session *store.Session
		created bool
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		sess, created, err := m.ensure(ctx, platform, userID, channelID)
		if err != nil {
			return nil, err
		}
		return outcome{session: sess, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}
	o := v.(outcome)
	s := *o.session
	return &s, o.created, nil
}

func (m *Manager) ensure(ctx context.Context, platform, userID, channelID string) (*store.Session, bool, error) {
	sess, err := m.store.GetActiveSession(ctx, platform, userID, channelID)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up session: %w", err)
	}

	now := m.now()
	sess = &store.Session{
		ID:             uuid.New().String(),
		Platform:       platform,
		UserID:         userID,
		ChannelID:      channelID,
		ContextID:      ContextID(platform, channelID),
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		// Another process sharing the database may have won the insert
		// between our lookup and create.
		if errors.Is(err, store.ErrDuplicateSession) {
			existing, lookupErr := m.store.GetActiveSession(ctx, platform, userID, channelID)
			if lookupErr == nil {
				m.logger.Debug("found existing session after race", "session_id", existing.ID)
				return existing, false, nil
			}
			m.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, fmt.Errorf("creating session: %w", err)
	}

	m.logger.Info("session started",
		"session_id", sess.ID,
		"platform", platform,
		"user_id", userID,
		"channel_id", channelID,
	)
	ev := hooks.NewEvent(hooks.EventSessionStart, map[string]any{"session_id": sess.ID})
	ev.Platform, ev.UserID, ev.ChannelID = platform, userID, channelID
	m.publisher.Publish(ev)
	return sess, true, nil
}

// Touch records activity on a session.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if err := m.store.TouchSession(ctx, id, m.now()); err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	return nil
}

// SetSummary replaces the opaque summary of a session.
func (m *Manager) SetSummary(ctx context.Context, id, summary string) error {
	return m.store.UpdateSessionSummary(ctx, id, summary)
}

// Get returns a session by id, including archived sessions.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// ListActive returns non-archived sessions, most recently active first.
func (m *Manager) ListActive(ctx context.Context, limit int) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, store.SessionFilter{ActiveOnly: true, Limit: limit})
}

// List returns sessions matching filter.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, filter)
}

// Record appends one turn to the session transcript.
func (m *Manager) Record(ctx context.Context, sessionID, requestID, role, content string) error {
	return m.store.SaveMessage(ctx, &store.Message{
		SessionID: sessionID,
		RequestID: requestID,
		Role:      role,
		Content:   content,
		CreatedAt: m.now(),
	})
}

// History returns up to limit recent transcript turns, oldest first.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]*store.Message, error) {
	return m.store.RecentMessages(ctx, sessionID, limit)
}

// Sweep archives sessions idle longer than the idle timeout and returns the count.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.idle)
	n, err := m.store.ArchiveIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiving idle sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("archived idle sessions", "count", n, "idle_timeout", m.idle)
		m.publisher.Publish(hooks.NewEvent(hooks.EventSessionEnd, map[string]any{
			"reason":       "idle_timeout",
			"archived":     n,
			"idle_timeout": m.idle.String(),
		}))
	}
	return n, nil
}

// Start runs the background sweep loop until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
					m.logger.Warn("session sweep failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the sweep loop and waits for it to exit.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}
