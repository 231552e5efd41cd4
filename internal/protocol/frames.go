// ABOUTME: JSON frame types exchanged between adapters and the gateway
// ABOUTME: Every frame is a JSON object whose "type" field selects the Go type

package protocol

import "time"

// Adapter to gateway frame types.
const (
	TypeRegister = "register"
	TypeMessage  = "message"
	TypeCancel   = "cancel"
	TypePing     = "ping"
)

// Gateway to adapter frame types.
const (
	TypeRegistered       = "registered"
	TypeResponseStart    = "response_start"
	TypeResponseChunk    = "response_chunk"
	TypeResponseEnd      = "response_end"
	TypeToolStatus       = "tool_status"
	TypeError            = "error"
	TypePong             = "pong"
	TypeStatus           = "status"
	TypeCancelled        = "cancelled"
	TypeProactiveMessage = "proactive_message"
)

// Response statuses carried by ResponseEnd.
const (
	StatusOK        = "ok"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Error codes carried by Error frames.
const (
	CodeInvalidJSON    = "invalid_json"
	CodeInvalidMessage = "invalid_message"
	CodeNotRegistered  = "not_registered"
	CodeUnauthorized   = "unauthorized"
	CodeDuplicate      = "duplicate"
	CodeNotFound       = "not_found"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// Capabilities an adapter may declare.
const (
	CapStreaming   = "streaming"
	CapAttachments = "attachments"
	CapReactions   = "reactions"
	CapHTML        = "html"
)

// Frame is implemented by every frame type.
type Frame interface {
	FrameType() string
}

// Attachment is a file carried with a message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Register must be the first frame on a connection.
type Register struct {
	NodeID       string         `json:"node_id"`
	Platform     string         `json:"platform"`
	Capabilities []string       `json:"capabilities"`
	SessionID    string         `json:"session_id,omitempty"` // previous session, to resume
	Token        string         `json:"token,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Message submits user input for processing.
type Message struct {
	RequestID   string       `json:"request_id"`
	UserID      string       `json:"user_id"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Priority    int          `json:"priority,omitempty"`
	Batchable   bool         `json:"batchable,omitempty"`
	Tier        string       `json:"tier,omitempty"`
}

// Cancel stops one request, or every request on ChannelID when RequestID is empty.
type Cancel struct {
	RequestID string `json:"request_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Ping is a keepalive from the adapter.
type Ping struct {
	Timestamp time.Time `json:"timestamp"`
}

// Registered acknowledges a Register.
type Registered struct {
	NodeID     string    `json:"node_id"`
	SessionID  string    `json:"session_id"`
	Resumed    bool      `json:"resumed"`
	ServerTime time.Time `json:"server_time"`
}

// ResponseStart marks the beginning of a response.
type ResponseStart struct {
	RequestID string `json:"request_id"`
	ModelTier string `json:"model_tier,omitempty"`
}

// ResponseChunk carries streamed text.
type ResponseChunk struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
}

// ResponseEnd is the terminal frame of a request.
type ResponseEnd struct {
	RequestID       string   `json:"request_id"`
	FullText        string   `json:"full_text"`
	Status          string   `json:"status"`
	ToolCount       int      `json:"tool_count"`
	TokensUsed      int      `json:"tokens_used,omitempty"`
	DegradedContext bool     `json:"degraded_context,omitempty"`
	HTML            string   `json:"html,omitempty"`
	Error           string   `json:"error,omitempty"`
	MergedRequests  []string `json:"merged_requests,omitempty"`
	// MergedInto names the request whose response also answers this one.
	MergedInto string `json:"merged_into,omitempty"`
}

// ToolStatus reports tool progress.
type ToolStatus struct {
	RequestID     string `json:"request_id"`
	ToolName      string `json:"tool_name"`
	Status        string `json:"status"` // running, done, error
	Description   string `json:"description"`
	Step          int    `json:"step"`
	Emoji         string `json:"emoji,omitempty"`
	OutputPreview string `json:"output_preview,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
}

// Error reports a failure. Without RequestID it concerns the connection.
type Error struct {
	RequestID   string `json:"request_id,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Pong answers a Ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// Status reports gateway load. RequestID and QueuePosition are set when it
// acknowledges a queued message.
type Status struct {
	RequestID      string `json:"request_id,omitempty"`
	QueuePosition  int    `json:"queue_position,omitempty"`
	ActiveRequests int    `json:"active_requests"`
	QueueLength    int    `json:"queue_length"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// Cancelled acknowledges a Cancel.
type Cancelled struct {
	RequestID string `json:"request_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Count     int    `json:"count"`
}

// ProactiveMessage is gateway-initiated output, such as a scheduled reminder.
type ProactiveMessage struct {
	TaskName  string `json:"task_name,omitempty"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	Priority  string `json:"priority"`
}

func (Register) FrameType() string         { return TypeRegister }
func (Message) FrameType() string          { return TypeMessage }
func (Cancel) FrameType() string           { return TypeCancel }
func (Ping) FrameType() string             { return TypePing }
func (Registered) FrameType() string       { return TypeRegistered }
func (ResponseStart) FrameType() string    { return TypeResponseStart }
func (ResponseChunk) FrameType() string    { return TypeResponseChunk }
func (ResponseEnd) FrameType() string      { return TypeResponseEnd }
func (ToolStatus) FrameType() string       { return TypeToolStatus }
func (Error) FrameType() string            { return TypeError }
func (Pong) FrameType() string             { return TypePong }
func (Status) FrameType() string           { return TypeStatus }
func (Cancelled) FrameType() string        { return TypeCancelled }
func (ProactiveMessage) FrameType() string { return TypeProactiveMessage }
