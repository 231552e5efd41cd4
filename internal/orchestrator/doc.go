// Package orchestrator runs the per-request LLM tool-calling loop.
//
// # State machine
//
// Each request moves through
//
//	BUILDING_CONTEXT → GENERATING → (TOOL_CALL → EXECUTING_TOOL → GENERATING)* → FINALIZING → DONE
//
// and can reach CANCELLED from any non-terminal state. Result.Trace records
// the path taken.
//
// BUILDING_CONTEXT reads the session transcript and the memory collaborator.
// Either may fail; the request continues without that context and the result
// is flagged Degraded.
//
// Tool calls are validated against the executor before dispatch. An unknown
// tool or bad arguments skips EXECUTING_TOOL and feeds an "Error: ..." result
// back to the model. Tool output is truncated to MaxToolResultChars.
//
// When the model stops on the token limit without calling a tool, the loop
// asks it to continue and concatenates the output, up to MaxContinuations
// times per request. After MaxToolDepth rounds of tool calls the model is
// asked for a final summary without tools.
//
// # Cancellation
//
// Every collaborator call runs in its own goroutine and is raced against the
// request context, so a call that never returns is abandoned rather than
// waited on. Cancelling the parent context yields StatusCancelled; exceeding
// RequestTimeout yields StatusError. Text streamed before either is kept.
package orchestrator
