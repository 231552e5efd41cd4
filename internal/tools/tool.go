// ABOUTME: Tool definitions, invocation results, and the Provider interface
// ABOUTME: Built-in handlers and remote tool servers both implement Provider

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrToolNotFound indicates the requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool indicates a tool name is already registered by another provider.
	ErrDuplicateTool = errors.New("tool name collision")
	// ErrDuplicateProvider indicates a provider name is already registered.
	ErrDuplicateProvider = errors.New("provider already registered")
)

// Outcome is the terminal state of one invocation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Definition describes a tool to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	// Provider is filled in by the Executor.
	Provider string `json:"provider"`
	// Timeout overrides the executor default when positive.
	Timeout time.Duration `json:"-"`
}

// InvocationContext identifies who a tool call is running for.
type InvocationContext struct {
	RequestID string
	SessionID string
	NodeID    string
	Platform  string
	UserID    string
	ChannelID string
	Step      int
}

// Provider supplies tools and executes them.
type Provider interface {
	Name() string
	ListTools(ctx context.Context) ([]Definition, error)
	Invoke(ctx context.Context, name string, args json.RawMessage, ictx InvocationContext) (string, error)
}

// ValidationError reports arguments that do not satisfy a tool's schema.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

// Result records one tool invocation.
type Result struct {
	ToolName  string          `json:"tool_name"`
	Provider  string          `json:"provider,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Step      int             `json:"step"`
	Outcome   Outcome         `json:"outcome"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration_ns"`
}

// Text returns what the model sees for this result. Failures are rendered as
// "Error: ..." so the model can recover.
func (r Result) Text() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return r.Output
	case OutcomeTimeout:
		return "Error: tool " + r.ToolName + " timed out: " + r.Error
	default:
		return "Error: " + r.Error
	}
}
