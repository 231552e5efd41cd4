// ABOUTME: Anthropic Messages API client for the orchestrator
// ABOUTME: Streams text deltas and accumulates tool_use blocks into a Completion

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/clara-gateway/internal/orchestrator"
	"github.com/2389/clara-gateway/internal/tools"
)

// AnthropicClient implements orchestrator.LLMClient.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client. baseURL may be empty.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

// Complete implements orchestrator.LLMClient.
func (c *AnthropicClient) Complete(ctx context.Context, req *orchestrator.CompletionRequest, onText func(string)) (*orchestrator.Completion, error) {
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating anthropic stream: %w", err)
		}
		if onText == nil {
			continue
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
				onText(text.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	return anthropicCompletion(&message), nil
}

// anthropicParams builds the request. ToolChoiceNone keeps the tool
// definitions, which the API requires whenever the transcript holds
// tool_use or tool_result blocks.
func anthropicParams(req *orchestrator.CompletionRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  anthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := anthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = toolParams
		if req.ToolChoice == orchestrator.ToolChoiceNone {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		}
	}
	return params, nil
}

func anthropicCompletion(m *anthropic.Message) *orchestrator.Completion {
	comp := &orchestrator.Completion{
		InputTokens:  int(m.Usage.InputTokens),
		OutputTokens: int(m.Usage.OutputTokens),
	}
	for _, block := range m.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			comp.Text += b.Text
		case anthropic.ToolUseBlock:
			comp.ToolCalls = append(comp.ToolCalls, orchestrator.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.Input),
			})
		}
	}
	switch m.StopReason {
	case anthropic.StopReasonMaxTokens:
		comp.StopReason = orchestrator.StopMaxTokens
	case anthropic.StopReasonToolUse:
		comp.StopReason = orchestrator.StopToolUse
	default:
		comp.StopReason = orchestrator.StopEndTurn
	}
	return comp
}

// anthropicMessages converts the transcript. Tool results travel in user
// turns, and consecutive turns of the same role are merged.
func anthropicMessages(msgs []orchestrator.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case orchestrator.RoleUser:
			if m.Content != "" {
				add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
			}
		case orchestrator.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.Calls {
				var input any = map[string]any{}
				if len(call.Arguments) > 0 {
					var parsed any
					if err := json.Unmarshal(call.Arguments, &parsed); err == nil {
						input = parsed
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)
		case orchestrator.RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		}
	}
	return out
}

func anthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema, err := splitSchema(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}})
	}
	return out, nil
}

type objectSchema struct {
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required"`
}

// splitSchema pulls properties and required out of an object schema.
func splitSchema(raw json.RawMessage) (objectSchema, error) {
	s := objectSchema{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("invalid input schema: %w", err)
		}
	}
	if s.Properties == nil {
		s.Properties = map[string]any{}
	}
	return s, nil
}
