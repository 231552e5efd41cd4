// ABOUTME: Provider-agnostic prompt types and the collaborator interfaces of the orchestrator
// ABOUTME: LLM clients, memory, history, tools and the frame sink are all injected

package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/2389/clara-gateway/internal/store"
	"github.com/2389/clara-gateway/internal/tools"
)

// Message roles in a provider-agnostic prompt.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons reported by an LLMClient.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ToolCall is one tool request emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one turn of the working transcript.
type Message struct {
	Role    string     `json:"role"`
	Content string     `json:"content,omitempty"`
	Calls   []ToolCall `json:"tool_calls,omitempty"`

	// Tool result fields, set when Role is RoleTool.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionRequest is one generation call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []tools.Definition
	MaxTokens int
	// ToolChoice ToolChoiceNone keeps the tool schemas in the request but
	// forbids new calls.
	ToolChoice ToolChoice
}

// ToolChoice controls whether the model may call tools.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = ""
	ToolChoiceNone ToolChoice = "none"
)

// Completion is the model's answer to one CompletionRequest.
type Completion struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// LLMClient generates completions. onText, when non-nil, receives text
// deltas as they stream; the returned Completion still carries the full text.
type LLMClient interface {
	Complete(ctx context.Context, req *CompletionRequest, onText func(string)) (*Completion, error)
}

// ContextBundle is what the memory collaborator knows about a user.
type ContextBundle struct {
	Summary string   `json:"summary,omitempty"`
	Facts   []string `json:"facts,omitempty"`
}

// Memory is the external semantic memory collaborator.
type Memory interface {
	FetchContext(ctx context.Context, userID, channelID, query string) (*ContextBundle, error)
	RecordExchange(ctx context.Context, userID, channelID string, messages []Message) error
}

// History reads the persisted transcript of a session.
type History interface {
	History(ctx context.Context, sessionID string, limit int) ([]*store.Message, error)
}

// Tools is the subset of the tool executor the loop needs.
type Tools interface {
	ListTools() []tools.Definition
	Validate(name string, args json.RawMessage) (json.RawMessage, error)
	Invoke(ctx context.Context, name string, args json.RawMessage, ictx tools.InvocationContext) tools.Result
}

// Tool status values carried by ToolEvent.
const (
	ToolRunning = "running"
	ToolDone    = "done"
	ToolError   = "error"
)

// ToolEvent reports progress of one tool call to the adapter.
type ToolEvent struct {
	RequestID     string
	ToolName      string
	Status        string
	Description   string
	Step          int
	Emoji         string
	OutputPreview string
	Duration      time.Duration
}

// Sink receives streamed output for one request. Calls are serialized.
type Sink interface {
	Start(requestID string)
	Chunk(text string)
	ToolStatus(ev ToolEvent)
}

// Request is one unit of work handed to the orchestrator.
type Request struct {
	RequestID string
	SessionID string
	NodeID    string
	Platform  string
	UserID    string
	ChannelID string
	Content   string
	Tier      string
}

// Result statuses.
const (
	StatusOK        = "ok"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Result is the terminal outcome of one request.
type Result struct {
	RequestID       string
	Status          string
	Text            string
	ToolCount       int
	Degraded        bool
	DegradedReasons []string
	TokensUsed      int
	Continuations   int
	HitMaxDepth     bool
	Error           string
	Trace           []State
}

// State is a step of the per-request state machine.
type State string

const (
	StateBuildingContext State = "BUILDING_CONTEXT"
	StateGenerating      State = "GENERATING"
	StateToolCall        State = "TOOL_CALL"
	StateExecutingTool   State = "EXECUTING_TOOL"
	StateFinalizing      State = "FINALIZING"
	StateDone            State = "DONE"
	StateCancelled       State = "CANCELLED"
)
