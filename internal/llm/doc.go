// Package llm provides orchestrator.LLMClient implementations.
//
// NewClient selects by llm.provider:
//
//   - anthropic: the Messages API with streaming (anthropic-sdk-go)
//   - openai: chat completions with streaming (openai-go), including
//     OpenAI-compatible servers reached through llm.base_url
//   - echo: an offline client that repeats the user's message
//
// Both hosted clients stream text deltas to the orchestrator as they arrive
// and return the accumulated completion, including tool calls and the stop
// reason mapped to the orchestrator's provider-neutral values.
package llm
