// ABOUTME: OpenAI-compatible chat completions client for the orchestrator
// ABOUTME: Also serves OpenAI-compatible endpoints such as local model servers via base_url

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/2389/clara-gateway/internal/orchestrator"
	"github.com/2389/clara-gateway/internal/tools"
)

// OpenAIClient implements orchestrator.LLMClient.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates a client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

// Complete implements orchestrator.LLMClient.
func (c *OpenAIClient) Complete(ctx context.Context, req *orchestrator.CompletionRequest, onText func(string)) (*orchestrator.Completion, error) {
	params, err := openAIParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onText != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onText(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("openai stream: no choices returned")
	}

	choice := acc.Choices[0]
	comp := &orchestrator.Completion{
		Text:         choice.Message.Content,
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		comp.ToolCalls = append(comp.ToolCalls, orchestrator.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	comp.StopReason = openAIStopReason(choice.FinishReason, len(comp.ToolCalls) > 0)
	return comp, nil
}

// openAIParams builds the request. ToolChoiceNone keeps the tool
// definitions but sets tool_choice to "none".
func openAIParams(req *orchestrator.CompletionRequest) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(req.Model),
		Messages:            openAIMessages(req.System, req.Messages),
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
		StreamOptions:       openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if len(req.Tools) > 0 {
		toolParams, err := openAITools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = toolParams
		if req.ToolChoice == orchestrator.ToolChoiceNone {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
		}
	}
	return params, nil
}

func openAIStopReason(finish string, hasCalls bool) string {
	switch {
	case hasCalls || finish == "tool_calls":
		return orchestrator.StopToolUse
	case finish == "length":
		return orchestrator.StopMaxTokens
	default:
		return orchestrator.StopEndTurn
	}
}

func openAIMessages(system string, msgs []orchestrator.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case orchestrator.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case orchestrator.RoleAssistant:
			if len(m.Calls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, call := range m.Calls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Name,
							Arguments: args,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case orchestrator.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func openAITools(defs []tools.Definition) ([]openai.ChatCompletionToolUnionParam, error) {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		params := shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
		if len(d.InputSchema) > 0 {
			if err := json.Unmarshal(d.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("tool %s: invalid input schema: %w", d.Name, err)
			}
		}
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  params,
		}))
	}
	return out, nil
}
