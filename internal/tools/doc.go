// Package tools implements the tool executor used by the orchestrator.
//
// # Providers
//
// Tools come from Providers registered into one Executor:
//
//   - BuiltinProvider: handlers compiled into the gateway (see package builtins)
//   - MCPProvider: a remote MCP server over stdio, via mark3labs/mcp-go;
//     its tools are exposed as "<server>__<tool>"
//
// Both look identical to callers. Tool names must be unique across providers;
// Register rejects a provider whose tools collide with existing ones.
//
// # Invocation
//
// Invoke validates arguments against the tool's JSON Schema
// (google/jsonschema-go) before the tool body runs. Malformed JSON produced by
// the model is repaired with kaptinlin/jsonrepair first. Each call is bounded
// by the tool's timeout, falling back to the executor default. A provider that
// ignores cancellation is abandoned when the timeout fires.
//
// Invoke never returns an error. Unknown tools, invalid arguments, provider
// errors, and panics yield OutcomeError; timeouts yield OutcomeTimeout.
// Result.Text renders failures as "Error: ..." for the model.
package tools
