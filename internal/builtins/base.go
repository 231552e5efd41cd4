// ABOUTME: Built-in tool pack served in-process by the gateway
// ABOUTME: Base tools report the current time and the caller's session

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/clara-gateway/internal/scheduler"
	"github.com/2389/clara-gateway/internal/store"
	"github.com/2389/clara-gateway/internal/tools"
)

// ProviderName is the tool provider name of the built-in pack.
const ProviderName = "builtin:clara"

// SessionLookup resolves session ids. session.Manager implements it.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*store.Session, error)
	History(ctx context.Context, sessionID string, limit int) ([]*store.Message, error)
}

// TaskAdder accepts scheduled tasks. scheduler.Scheduler implements it.
type TaskAdder interface {
	Add(t scheduler.Task) error
}

// Deps are the collaborators the built-in tools need. Tools whose
// collaborator is nil are left out of the pack.
type Deps struct {
	Store    store.Store
	Sessions SessionLookup

	Scheduler TaskAdder
	// ReminderAction builds the action that delivers a reminder message.
	ReminderAction scheduler.MessageActionFunc

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewProvider builds the built-in tool provider.
func NewProvider(d Deps) *tools.BuiltinProvider {
	if d.Now == nil {
		d.Now = time.Now
	}
	b := &baseHandlers{sessions: d.Sessions, now: d.Now}

	p := tools.NewBuiltinProvider(ProviderName,
		tools.BuiltinTool{
			Definition: tools.Definition{
				Name:        "get_current_time",
				Description: "Get the current date and time, optionally in an IANA time zone",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string"}}}`),
			},
			Handler: b.CurrentTime,
		},
	)
	if d.Sessions != nil {
		_ = p.Add(tools.BuiltinTool{
			Definition: tools.Definition{
				Name:        "session_info",
				Description: "Describe the current conversation session",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Handler: b.SessionInfo,
		})
	}
	if d.Store != nil {
		for _, t := range notesTools(d.Store) {
			_ = p.Add(t)
		}
	}
	if d.Scheduler != nil && d.ReminderAction != nil {
		_ = p.Add(reminderTool(d.Scheduler, d.ReminderAction, d.Now))
	}
	return p
}

type baseHandlers struct {
	sessions SessionLookup
	now      func() time.Time
}

type currentTimeInput struct {
	Timezone string `json:"timezone"`
}

func (b *baseHandlers) CurrentTime(_ context.Context, _ tools.InvocationContext, input json.RawMessage) (json.RawMessage, error) {
	var in currentTimeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	now := b.now()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
		now = now.In(loc)
	}

	return json.Marshal(map[string]string{
		"time":     now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"timezone": now.Location().String(),
	})
}

func (b *baseHandlers) SessionInfo(ctx context.Context, ictx tools.InvocationContext, _ json.RawMessage) (json.RawMessage, error) {
	if ictx.SessionID == "" {
		return nil, fmt.Errorf("no session for this request")
	}
	sess, err := b.sessions.Get(ctx, ictx.SessionID)
	if err != nil {
		return nil, err
	}
	history, err := b.sessions.History(ctx, sess.ID, 0)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"session_id":       sess.ID,
		"context_id":       sess.ContextID,
		"platform":         sess.Platform,
		"channel_id":       sess.ChannelID,
		"started_at":       sess.StartedAt.Format(time.RFC3339),
		"last_activity_at": sess.LastActivityAt.Format(time.RFC3339),
		"recent_messages":  len(history),
		"summary":          sess.Summary,
	})
}
