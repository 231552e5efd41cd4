// ABOUTME: Tests for provider selection and transcript conversion to provider formats
// ABOUTME: No network calls; the hosted clients are only constructed

package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/orchestrator"
	"github.com/2389/clara-gateway/internal/tools"
)

var toolTranscript = []orchestrator.Message{
	{Role: orchestrator.RoleUser, Content: "what time is it?"},
	{Role: orchestrator.RoleAssistant, Content: "Checking.", Calls: []orchestrator.ToolCall{
		{ID: "t1", Name: "get_current_time", Arguments: json.RawMessage(`{"timezone":"UTC"}`)},
		{ID: "t2", Name: "get_note", Arguments: json.RawMessage(`{"key":"tz"}`)},
	}},
	{Role: orchestrator.RoleTool, ToolCallID: "t1", ToolName: "get_current_time", Content: `{"time":"12:00"}`},
	{Role: orchestrator.RoleTool, ToolCallID: "t2", ToolName: "get_note", Content: "Error: no note", IsError: true},
	{Role: orchestrator.RoleUser, Content: "thanks"},
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)

	c, err = NewClient(config.LLMConfig{Provider: "openai", BaseURL: "http://localhost:11434/v1"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = NewClient(config.LLMConfig{Provider: "echo"})
	require.NoError(t, err)
	assert.IsType(t, EchoClient{}, c)

	_, err = NewClient(config.LLMConfig{Provider: "anthropic"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewClient(config.LLMConfig{Provider: "palm"})
	assert.Error(t, err)
}

func TestEchoClient(t *testing.T) {
	var chunks []string
	comp, err := EchoClient{}.Complete(context.Background(), &orchestrator.CompletionRequest{
		Messages: []orchestrator.Message{{Role: orchestrator.RoleUser, Content: "hi there"}},
	}, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)

	assert.Equal(t, "You said: hi there", comp.Text)
	assert.Equal(t, []string{"You ", "said: ", "hi ", "there"}, chunks)
	assert.Equal(t, orchestrator.StopEndTurn, comp.StopReason)
}

func TestAnthropicMessages_MergesToolResultsIntoUserTurn(t *testing.T) {
	msgs := anthropicMessages(toolTranscript)

	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 3)
	require.NotNil(t, msgs[1].Content[0].OfText)
	require.NotNil(t, msgs[1].Content[1].OfToolUse)
	assert.Equal(t, "get_current_time", msgs[1].Content[1].OfToolUse.Name)

	// Both results and the follow-up text share one user turn.
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 3)
	require.NotNil(t, msgs[2].Content[0].OfToolResult)
	assert.Equal(t, "t1", msgs[2].Content[0].OfToolResult.ToolUseID)
	assert.Equal(t, "t2", msgs[2].Content[1].OfToolResult.ToolUseID)
	require.NotNil(t, msgs[2].Content[2].OfText)
	assert.Equal(t, "thanks", msgs[2].Content[2].OfText.Text)
}

func TestAnthropicMessages_SkipsEmptyText(t *testing.T) {
	msgs := anthropicMessages([]orchestrator.Message{
		{Role: orchestrator.RoleUser, Content: "hi"},
		{Role: orchestrator.RoleAssistant, Content: ""},
		{Role: orchestrator.RoleUser, Content: "again"},
	})
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Content, 2)
}

func TestAnthropicTools(t *testing.T) {
	params, err := anthropicTools([]tools.Definition{
		{Name: "get_note", Description: "Read a note", InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`)},
		{Name: "list_notes", InputSchema: json.RawMessage(`{"type":"object"}`)},
	})
	require.NoError(t, err)
	require.Len(t, params, 2)
	require.NotNil(t, params[0].OfTool)
	assert.Equal(t, "get_note", params[0].OfTool.Name)
	assert.Equal(t, []string{"key"}, params[0].OfTool.InputSchema.Required)
	assert.NotNil(t, params[1].OfTool.InputSchema.Properties)

	_, err = anthropicTools([]tools.Definition{{Name: "bad", InputSchema: json.RawMessage(`[`)}})
	assert.Error(t, err)
}

func TestOpenAIMessages(t *testing.T) {
	msgs := openAIMessages("be brief", toolTranscript)

	require.Len(t, msgs, 6)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 2)
	fn := msgs[2].OfAssistant.ToolCalls[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "t1", fn.ID)
	assert.Equal(t, "get_current_time", fn.Function.Name)
	assert.JSONEq(t, `{"timezone":"UTC"}`, fn.Function.Arguments)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "t1", msgs[3].OfTool.ToolCallID)
	assert.NotNil(t, msgs[5].OfUser)
}

func TestOpenAIStopReason(t *testing.T) {
	assert.Equal(t, orchestrator.StopToolUse, openAIStopReason("tool_calls", false))
	assert.Equal(t, orchestrator.StopToolUse, openAIStopReason("stop", true))
	assert.Equal(t, orchestrator.StopMaxTokens, openAIStopReason("length", false))
	assert.Equal(t, orchestrator.StopEndTurn, openAIStopReason("stop", false))
}

func TestOpenAITools(t *testing.T) {
	params, err := openAITools([]tools.Definition{{Name: "echo", Description: "Echo", InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)}})
	require.NoError(t, err)
	require.Len(t, params, 1)
	require.NotNil(t, params[0].OfFunction)
	fn := params[0].OfFunction.Function
	assert.Equal(t, "echo", fn.Name)
	assert.Equal(t, "object", fn.Parameters["type"])
}

func TestParams_ToolChoiceNoneKeepsTools(t *testing.T) {
	defs := []tools.Definition{{Name: "get_note", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	req := &orchestrator.CompletionRequest{
		Model:      "m",
		Messages:   toolTranscript,
		Tools:      defs,
		MaxTokens:  1024,
		ToolChoice: orchestrator.ToolChoiceNone,
	}

	ap, err := anthropicParams(req)
	require.NoError(t, err)
	assert.Len(t, ap.Tools, 1)
	assert.NotNil(t, ap.ToolChoice.OfNone)

	op, err := openAIParams(req)
	require.NoError(t, err)
	assert.Len(t, op.Tools, 1)
	assert.Equal(t, "none", op.ToolChoice.OfAuto.Value)

	req.ToolChoice = orchestrator.ToolChoiceAuto
	ap, err = anthropicParams(req)
	require.NoError(t, err)
	assert.Nil(t, ap.ToolChoice.OfNone)
}
