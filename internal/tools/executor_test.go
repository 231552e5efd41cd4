// ABOUTME: Tests for the tool executor and built-in provider
// ABOUTME: Covers validation, JSON repair, timeouts, panics, collisions, and cancellation

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoSchema = `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`

func echoTool() BuiltinTool {
	return BuiltinTool{
		Definition: Definition{Name: "echo", Description: "Echo text", InputSchema: json.RawMessage(echoSchema)},
		Handler: func(_ context.Context, _ InvocationContext, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"echo": in.Text})
		},
	}
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig, tools ...BuiltinTool) *Executor {
	t.Helper()
	e := NewExecutor(cfg)
	require.NoError(t, e.Register(context.Background(), NewBuiltinProvider("builtin:test", tools...)))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecutor_InvokeSuccess(t *testing.T) {
	var observed []Result
	var mu sync.Mutex
	e := newTestExecutor(t, ExecutorConfig{OnResult: func(r Result) {
		mu.Lock()
		observed = append(observed, r)
		mu.Unlock()
	}}, echoTool())

	res := e.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), InvocationContext{RequestID: "r1", Step: 2})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.JSONEq(t, `{"echo":"hi"}`, res.Output)
	assert.Equal(t, "builtin:test", res.Provider)
	assert.Equal(t, 2, res.Step)
	assert.Equal(t, res.Output, res.Text())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 1)
	assert.Positive(t, observed[0].Duration)
}

func TestExecutor_UnknownTool(t *testing.T) {
	e := newTestExecutor(t, ExecutorConfig{}, echoTool())

	res := e.Invoke(context.Background(), "nope", nil, InvocationContext{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Text(), "Error: unknown tool")

	_, err := e.Validate("nope", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestExecutor_ValidationFailureSkipsHandler(t *testing.T) {
	called := false
	tool := echoTool()
	inner := tool.Handler
	tool.Handler = func(ctx context.Context, ictx InvocationContext, args json.RawMessage) (json.RawMessage, error) {
		called = true
		return inner(ctx, ictx, args)
	}
	e := newTestExecutor(t, ExecutorConfig{}, tool)

	res := e.Invoke(context.Background(), "echo", json.RawMessage(`{"text":42}`), InvocationContext{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.False(t, called, "tool body must not run on invalid arguments")

	_, err := e.Validate("echo", json.RawMessage(`{}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "echo", verr.Tool)
}

func TestExecutor_RepairsMalformedJSON(t *testing.T) {
	e := newTestExecutor(t, ExecutorConfig{}, echoTool())

	// Trailing comma and single quotes are common model mistakes
	args, err := e.Validate("echo", json.RawMessage(`{'text': 'hi',}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(args))

	res := e.Invoke(context.Background(), "echo", json.RawMessage(`{"text": "hi"`), InvocationContext{})
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestExecutor_Timeout(t *testing.T) {
	hang := BuiltinTool{
		Definition: Definition{Name: "hang", InputSchema: json.RawMessage(`{"type":"object"}`), Timeout: 100 * time.Millisecond},
		Handler: func(context.Context, InvocationContext, json.RawMessage) (json.RawMessage, error) {
			// Never honours cancellation
			time.Sleep(5 * time.Second)
			return nil, nil
		},
	}
	e := newTestExecutor(t, ExecutorConfig{}, hang)

	start := time.Now()
	res := e.Invoke(context.Background(), "hang", nil, InvocationContext{})
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, res.Text(), "timed out")
}

func TestExecutor_DefaultTimeoutFromConfig(t *testing.T) {
	slow := BuiltinTool{
		Definition: Definition{Name: "slow"},
		Handler: func(ctx context.Context, _ InvocationContext, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := newTestExecutor(t, ExecutorConfig{Timeout: 50 * time.Millisecond}, slow)
	res := e.Invoke(context.Background(), "slow", nil, InvocationContext{})
	assert.Equal(t, OutcomeTimeout, res.Outcome)
}

func TestExecutor_Cancelled(t *testing.T) {
	started := make(chan struct{})
	slow := BuiltinTool{
		Definition: Definition{Name: "slow"},
		Handler: func(ctx context.Context, _ InvocationContext, _ json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := newTestExecutor(t, ExecutorConfig{Timeout: time.Minute}, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := e.Invoke(ctx, "slow", nil, InvocationContext{})
	assert.Equal(t, OutcomeCancelled, res.Outcome)
}

func TestExecutor_PanicAndErrorBecomeResults(t *testing.T) {
	panics := BuiltinTool{
		Definition: Definition{Name: "panics"},
		Handler: func(context.Context, InvocationContext, json.RawMessage) (json.RawMessage, error) {
			panic("kaboom")
		},
	}
	fails := BuiltinTool{
		Definition: Definition{Name: "fails"},
		Handler: func(context.Context, InvocationContext, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("disk full")
		},
	}
	e := newTestExecutor(t, ExecutorConfig{}, panics, fails)

	res := e.Invoke(context.Background(), "panics", nil, InvocationContext{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Error, "kaboom")

	res = e.Invoke(context.Background(), "fails", nil, InvocationContext{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "Error: disk full", res.Text())
}

func TestExecutor_Collisions(t *testing.T) {
	e := newTestExecutor(t, ExecutorConfig{}, echoTool())

	err := e.Register(context.Background(), NewBuiltinProvider("other", echoTool()))
	assert.ErrorIs(t, err, ErrDuplicateTool)

	err = e.Register(context.Background(), NewBuiltinProvider("builtin:test"))
	assert.ErrorIs(t, err, ErrDuplicateProvider)

	assert.True(t, e.Unregister("builtin:test"))
	require.NoError(t, e.Register(context.Background(), NewBuiltinProvider("other", echoTool())))
	def, ok := e.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "other", def.Provider)
}

func TestExecutor_BadSchemaRejected(t *testing.T) {
	e := NewExecutor(ExecutorConfig{})
	bad := BuiltinTool{Definition: Definition{Name: "bad", InputSchema: json.RawMessage(`{"type":`)}}
	err := e.Register(context.Background(), NewBuiltinProvider("p", bad))
	require.Error(t, err)
	assert.Empty(t, e.ListTools())
}

func TestExecutor_ListToolsSorted(t *testing.T) {
	a := BuiltinTool{Definition: Definition{Name: "zeta"}, Handler: echoTool().Handler}
	b := BuiltinTool{Definition: Definition{Name: "alpha"}, Handler: echoTool().Handler}
	e := newTestExecutor(t, ExecutorConfig{}, a, b)

	defs := e.ListTools()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "builtin:test", defs[0].Provider)
}

func TestBuiltinProvider_DuplicateAdd(t *testing.T) {
	p := NewBuiltinProvider("x", echoTool())
	assert.ErrorIs(t, p.Add(echoTool()), ErrDuplicateTool)
}
