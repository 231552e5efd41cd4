// ABOUTME: Provider selection for the orchestrator's LLM client
// ABOUTME: Includes an offline echo client used for local runs and end-to-end tests

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/orchestrator"
)

// ErrMissingAPIKey is returned when a hosted provider has no API key.
var ErrMissingAPIKey = errors.New("llm.api_key is required")

// NewClient returns the client for cfg.Provider.
func NewClient(cfg config.LLMConfig) (orchestrator.LLMClient, error) {
	switch cfg.Provider {
	case "", "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
		}
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		// OpenAI-compatible local servers often need no key.
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
		}
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL), nil
	case "echo":
		return EchoClient{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// EchoClient answers with the last user message. It never calls tools.
type EchoClient struct{}

// Complete implements orchestrator.LLMClient.
func (EchoClient) Complete(ctx context.Context, req *orchestrator.CompletionRequest, onText func(string)) (*orchestrator.Completion, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == orchestrator.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	text := "You said: " + last

	if onText != nil {
		for _, word := range strings.SplitAfter(text, " ") {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			onText(word)
		}
	}
	return &orchestrator.Completion{
		Text:         text,
		StopReason:   orchestrator.StopEndTurn,
		InputTokens:  len(strings.Fields(last)),
		OutputTokens: len(strings.Fields(text)),
	}, nil
}
