// ABOUTME: Lifecycle event types and the Publisher interface used across the gateway
// ABOUTME: Events carry routing identity plus a free-form structured payload

package hooks

import (
	"encoding/json"
	"time"
)

// Event types published by gateway components.
const (
	EventGatewayStartup  = "gateway:startup"
	EventGatewayShutdown = "gateway:shutdown"

	EventAdapterConnected    = "adapter:connected"
	EventAdapterDisconnected = "adapter:disconnected"
	EventAdapterCrashed      = "adapter:crashed"

	EventSessionStart = "session:start"
	EventSessionEnd   = "session:end" // reason "idle_timeout" from the idle sweep

	EventMessageReceived  = "message:received"
	EventMessageSent      = "message:sent"
	EventMessageCancelled = "message:cancelled"

	EventToolStart = "tool:start"
	EventToolEnd   = "tool:end"
	EventToolError = "tool:error"

	EventSchedulerTaskRun   = "scheduler:task_run"
	EventSchedulerTaskError = "scheduler:task_error"

	EventCustom = "custom"

	// EventAll subscribes to every event type.
	EventAll = "*"
)

// Event is one lifecycle occurrence. Subscribers treat it as read-only.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"node_id,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event of the given type stamped with the current time.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Data: data}
}

// DataJSON returns the payload encoded as JSON, or nil when empty.
func (e Event) DataJSON() json.RawMessage {
	if len(e.Data) == 0 {
		return nil
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return nil
	}
	return b
}

// Publisher accepts events for fire-and-forget delivery.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}
