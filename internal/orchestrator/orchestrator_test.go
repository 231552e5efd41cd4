// ABOUTME: Tests for the orchestration loop using a scripted LLM client
// ABOUTME: Covers tool recovery, timeouts, cancellation, depth limits, continuations, and degraded context

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/store"
	"github.com/2389/clara-gateway/internal/tools"
)

// step scripts one Complete call.
type step func(ctx context.Context, req *CompletionRequest, onText func(string)) (*Completion, error)

type scriptedLLM struct {
	mu    sync.Mutex
	steps []step
	calls []CompletionRequest
}

func script(steps ...step) *scriptedLLM {
	return &scriptedLLM{steps: steps}
}

func (l *scriptedLLM) Complete(ctx context.Context, req *CompletionRequest, onText func(string)) (*Completion, error) {
	l.mu.Lock()
	idx := len(l.calls)
	cp := *req
	cp.Messages = append([]Message(nil), req.Messages...)
	l.calls = append(l.calls, cp)
	l.mu.Unlock()

	if idx >= len(l.steps) {
		return nil, errors.New("script exhausted")
	}
	return l.steps[idx](ctx, req, onText)
}

func (l *scriptedLLM) call(i int) CompletionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[i]
}

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// say streams text word by word and ends the turn.
func say(text string) step {
	return sayWith(text, StopEndTurn)
}

func sayWith(text, stop string) step {
	return func(_ context.Context, _ *CompletionRequest, onText func(string)) (*Completion, error) {
		for _, w := range strings.SplitAfter(text, " ") {
			onText(w)
		}
		return &Completion{Text: text, StopReason: stop, InputTokens: 10, OutputTokens: 5}, nil
	}
}

func useTool(name, args string) step {
	return func(context.Context, *CompletionRequest, func(string)) (*Completion, error) {
		return &Completion{
			ToolCalls:  []ToolCall{{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}},
			StopReason: StopToolUse,
		}, nil
	}
}

type recordingSink struct {
	mu      sync.Mutex
	started string
	chunks  []string
	tools   []ToolEvent
	onChunk func(string)
}

func (s *recordingSink) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = id
}

func (s *recordingSink) Chunk(text string) {
	s.mu.Lock()
	s.chunks = append(s.chunks, text)
	cb := s.onChunk
	s.mu.Unlock()
	if cb != nil {
		cb(text)
	}
}

func (s *recordingSink) ToolStatus(ev ToolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, ev)
}

func (s *recordingSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.chunks, "")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (p *recordingPublisher) Publish(ev hooks.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func echoTool() tools.BuiltinTool {
	return tools.BuiltinTool{
		Definition: tools.Definition{
			Name:        "echo",
			Description: "Echo text",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		Handler: func(_ context.Context, _ tools.InvocationContext, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return json.RawMessage(in.Text), nil
		},
	}
}

func newExecutor(t *testing.T, extra ...tools.BuiltinTool) *tools.Executor {
	t.Helper()
	e := tools.NewExecutor(tools.ExecutorConfig{})
	all := append([]tools.BuiltinTool{echoTool()}, extra...)
	require.NoError(t, e.Register(context.Background(), tools.NewBuiltinProvider("builtin:test", all...)))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

var testRequest = Request{
	RequestID: "r1",
	SessionID: "s1",
	NodeID:    "d1",
	Platform:  "discord",
	UserID:    "alice",
	ChannelID: "c1",
	Content:   "hi",
}

func lastMessage(req CompletionRequest) Message {
	return req.Messages[len(req.Messages)-1]
}

func TestRun_StreamsAnswer(t *testing.T) {
	llm := script(say("Hello there friend"))
	o := New(Deps{LLM: llm}, Config{Model: "default-model"})
	sink := &recordingSink{}

	res := o.Run(context.Background(), testRequest, sink)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "Hello there friend", res.Text)
	assert.Equal(t, "Hello there friend", sink.text())
	assert.Len(t, sink.chunks, 3)
	assert.Equal(t, "r1", sink.started)
	assert.Equal(t, 15, res.TokensUsed)
	assert.Equal(t, []State{StateBuildingContext, StateGenerating, StateFinalizing, StateDone}, res.Trace)

	req := llm.call(0)
	assert.Equal(t, "default-model", req.Model)
	assert.Equal(t, Message{Role: RoleUser, Content: "hi"}, lastMessage(req))
}

func TestRun_NonStreamingClientStillDelivers(t *testing.T) {
	llm := script(func(context.Context, *CompletionRequest, func(string)) (*Completion, error) {
		return &Completion{Text: "all at once", StopReason: StopEndTurn}, nil
	})
	sink := &recordingSink{}

	res := New(Deps{LLM: llm}, Config{}).Run(context.Background(), testRequest, sink)

	assert.Equal(t, "all at once", res.Text)
	assert.Equal(t, []string{"all at once"}, sink.chunks)
}

func TestRun_TierSelectsModel(t *testing.T) {
	llm := script(say("ok"), say("ok"))
	o := New(Deps{LLM: llm}, Config{Model: "base", Tiers: map[string]string{"high": "big-model"}})

	req := testRequest
	req.Tier = "high"
	o.Run(context.Background(), req, nil)
	req.Tier = "unknown"
	o.Run(context.Background(), req, nil)

	assert.Equal(t, "big-model", llm.call(0).Model)
	assert.Equal(t, "base", llm.call(1).Model)
}

func TestRun_ToolCallRoundTrip(t *testing.T) {
	llm := script(useTool("echo", `{"text":"pong"}`), say("Tool said pong"))
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	o := New(Deps{LLM: llm, Tools: newExecutor(t)}, Config{Publisher: pub})

	res := o.Run(context.Background(), testRequest, sink)

	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, res.ToolCount)
	assert.Equal(t, []State{
		StateBuildingContext, StateGenerating, StateToolCall, StateExecutingTool,
		StateGenerating, StateFinalizing, StateDone,
	}, res.Trace)

	second := llm.call(1)
	require.Len(t, second.Tools, 1)
	msg := lastMessage(second)
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, "call-echo", msg.ToolCallID)
	assert.Equal(t, "pong", msg.Content)
	assert.False(t, msg.IsError)

	require.Len(t, sink.tools, 2)
	assert.Equal(t, ToolRunning, sink.tools[0].Status)
	assert.Equal(t, ToolDone, sink.tools[1].Status)
	assert.Equal(t, 1, sink.tools[1].Step)
	assert.Equal(t, "pong", sink.tools[1].OutputPreview)
	assert.Equal(t, defaultToolEmoji, sink.tools[1].Emoji)

	assert.Equal(t, []string{hooks.EventToolStart, hooks.EventToolEnd}, pub.types())
	assert.Equal(t, "r1", pub.events[0].RequestID)
}

func TestRun_UnknownToolRecoversToDone(t *testing.T) {
	llm := script(useTool("does_not_exist", `{}`), say("Sorry, I could not do that"))
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	o := New(Deps{LLM: llm, Tools: newExecutor(t)}, Config{Publisher: pub})

	res := o.Run(context.Background(), testRequest, sink)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, StateDone, res.Trace[len(res.Trace)-1])
	assert.NotContains(t, res.Trace, StateExecutingTool)

	msg := lastMessage(llm.call(1))
	assert.True(t, msg.IsError)
	assert.True(t, strings.HasPrefix(msg.Content, "Error: "), msg.Content)
	assert.Contains(t, msg.Content, "tool not found")

	require.Len(t, sink.tools, 2)
	assert.Equal(t, ToolError, sink.tools[1].Status)
	assert.Equal(t, []string{hooks.EventToolStart, hooks.EventToolError}, pub.types())
}

func TestRun_InvalidArgumentsRecover(t *testing.T) {
	llm := script(useTool("echo", `{"wrong":1}`), say("retrying"))
	res := New(Deps{LLM: llm, Tools: newExecutor(t)}, Config{}).Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusOK, res.Status)
	msg := lastMessage(llm.call(1))
	assert.True(t, msg.IsError)
	assert.Contains(t, msg.Content, "invalid arguments for echo")
}

func TestRun_ToolTimeoutFedBackToModel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := tools.BuiltinTool{
		Definition: tools.Definition{
			Name:        "stuck",
			InputSchema: json.RawMessage(`{"type":"object"}`),
			Timeout:     200 * time.Millisecond,
		},
		Handler: func(context.Context, tools.InvocationContext, json.RawMessage) (json.RawMessage, error) {
			<-release
			return nil, nil
		},
	}
	llm := script(useTool("stuck", `{}`), say("that tool timed out"))
	o := New(Deps{LLM: llm, Tools: newExecutor(t, stuck)}, Config{})

	start := time.Now()
	res := o.Run(context.Background(), testRequest, nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusOK, res.Status)
	require.Equal(t, 2, llm.callCount())
	msg := lastMessage(llm.call(1))
	assert.True(t, msg.IsError)
	assert.Contains(t, msg.Content, "Error: tool stuck timed out")
}

func TestRun_CancelWithHangingGeneration(t *testing.T) {
	release := make(chan struct{})
	lateDone := make(chan struct{})
	llm := script(func(_ context.Context, _ *CompletionRequest, onText func(string)) (*Completion, error) {
		onText("partial ")
		<-release // ignores ctx entirely
		onText("late")
		close(lateDone)
		return &Completion{Text: "partial late"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{onChunk: func(string) { cancel() }}
	o := New(Deps{LLM: llm}, Config{})

	done := make(chan *Result, 1)
	go func() { done <- o.Run(ctx, testRequest, sink) }()

	var res *Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not converge")
	}

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, "partial ", res.Text)
	assert.Equal(t, StateCancelled, res.Trace[len(res.Trace)-1])

	close(release)
	<-lateDone
	assert.Equal(t, "partial ", sink.text())
}

func TestRun_CancelDuringToolWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := tools.BuiltinTool{
		Definition: tools.Definition{Name: "slow", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Handler: func(ctx context.Context, _ tools.InvocationContext, _ json.RawMessage) (json.RawMessage, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	llm := script(useTool("slow", `{}`), say("never reached"))

	res := New(Deps{LLM: llm, Tools: newExecutor(t, blocking)}, Config{}).Run(ctx, testRequest, nil)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 1, llm.callCount())
	assert.Equal(t, StateCancelled, res.Trace[len(res.Trace)-1])
}

func TestRun_RequestTimeoutIsError(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	llm := script(func(context.Context, *CompletionRequest, func(string)) (*Completion, error) {
		<-release
		return nil, nil
	})
	o := New(Deps{LLM: llm}, Config{RequestTimeout: 100 * time.Millisecond})

	res := o.Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "timed out")
	assert.Equal(t, StateDone, res.Trace[len(res.Trace)-1])
}

func TestRun_GenerationErrorIsTerminal(t *testing.T) {
	llm := script(func(context.Context, *CompletionRequest, func(string)) (*Completion, error) {
		return nil, errors.New("provider unavailable")
	})

	res := New(Deps{LLM: llm}, Config{}).Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "provider unavailable")
	assert.Equal(t, []State{StateBuildingContext, StateGenerating, StateFinalizing, StateDone}, res.Trace)
}

func TestRun_MaxDepthForcesFinalize(t *testing.T) {
	llm := script(
		useTool("echo", `{"text":"1"}`),
		useTool("echo", `{"text":"2"}`),
		say("Here is what I did"),
	)
	o := New(Deps{LLM: llm, Tools: newExecutor(t)}, Config{MaxToolDepth: 2})

	res := o.Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.HitMaxDepth)
	assert.Equal(t, 2, res.ToolCount)
	assert.Equal(t, "Here is what I did", res.Text)

	assert.Equal(t, ToolChoiceAuto, llm.call(0).ToolChoice)
	final := llm.call(2)
	assert.NotEmpty(t, final.Tools, "transcript holds tool calls so the schemas must be sent")
	assert.Equal(t, ToolChoiceNone, final.ToolChoice)
	assert.Equal(t, Message{Role: RoleUser, Content: maxDepthPrompt}, lastMessage(final))
}

func TestRun_MaxDepthSummaryFailureStillFinishes(t *testing.T) {
	llm := script(useTool("echo", `{"text":"1"}`))
	res := New(Deps{LLM: llm, Tools: newExecutor(t)}, Config{MaxToolDepth: 1}).Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.HitMaxDepth)
}

func TestRun_AutoContinueOnTokenLimit(t *testing.T) {
	llm := script(
		sayWith("Part one, ", StopMaxTokens),
		say("part two."),
	)

	res := New(Deps{LLM: llm}, Config{}).Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "Part one, part two.", res.Text)
	assert.Equal(t, 1, res.Continuations)

	cont := llm.call(1)
	n := len(cont.Messages)
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Part one, "}, cont.Messages[n-2])
	assert.Equal(t, Message{Role: RoleUser, Content: continuePrompt}, cont.Messages[n-1])
}

func TestRun_ContinuationsAreBounded(t *testing.T) {
	llm := script(
		sayWith("a ", StopMaxTokens),
		sayWith("b ", StopMaxTokens),
		sayWith("c ", StopMaxTokens),
	)

	res := New(Deps{LLM: llm}, Config{MaxContinuations: 1}).Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, 1, res.Continuations)
	assert.Equal(t, 2, llm.callCount())
	assert.Equal(t, "a b ", res.Text)
}

func TestRun_AutoContinueDisabled(t *testing.T) {
	llm := script(sayWith("cut off", StopMaxTokens))

	res := New(Deps{LLM: llm}, Config{MaxContinuations: -1}).Run(context.Background(), testRequest, nil)

	assert.Equal(t, "cut off", res.Text)
	assert.Equal(t, 0, res.Continuations)
	assert.Equal(t, 1, llm.callCount())
}

func TestRun_TruncatesLargeToolResults(t *testing.T) {
	big := tools.BuiltinTool{
		Definition: tools.Definition{Name: "big", InputSchema: json.RawMessage(`{"type":"object"}`)},
		Handler: func(context.Context, tools.InvocationContext, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(strings.Repeat("x", 100)), nil
		},
	}
	llm := script(useTool("big", `{}`), say("done"))
	sink := &recordingSink{}
	o := New(Deps{LLM: llm, Tools: newExecutor(t, big)}, Config{MaxToolResultChars: 10, ToolPreviewChars: 5})

	o.Run(context.Background(), testRequest, sink)

	msg := lastMessage(llm.call(1))
	assert.True(t, strings.HasPrefix(msg.Content, strings.Repeat("x", 10)+"\n\n[TRUNCATED: Result was 100 chars, showing first 10."), msg.Content)
	require.Len(t, sink.tools, 2)
	assert.Equal(t, "xxxxx", sink.tools[1].OutputPreview)
}

func TestRun_TextAcrossToolRoundsIsSeparated(t *testing.T) {
	llm := script(
		func(_ context.Context, _ *CompletionRequest, onText func(string)) (*Completion, error) {
			onText("Let me check.")
			return &Completion{
				Text:       "Let me check.",
				ToolCalls:  []ToolCall{{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)}},
				StopReason: StopToolUse,
			}, nil
		},
		say("Found it."),
	)

	res := New(Deps{LLM: llm, Tools: newExecutor(t)}, Config{}).Run(context.Background(), testRequest, nil)

	assert.Equal(t, "Let me check.\n\nFound it.", res.Text)
	assert.Equal(t, "Let me check.", llm.call(1).Messages[1].Content)
}

type fakeHistory struct {
	msgs []*store.Message
	err  error
}

func (h *fakeHistory) History(context.Context, string, int) ([]*store.Message, error) {
	return h.msgs, h.err
}

type fakeMemory struct {
	mu       sync.Mutex
	bundle   *ContextBundle
	err      error
	recorded [][]Message
}

func (m *fakeMemory) FetchContext(context.Context, string, string, string) (*ContextBundle, error) {
	return m.bundle, m.err
}

func (m *fakeMemory) RecordExchange(_ context.Context, _, _ string, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, msgs)
	return nil
}

func TestRun_ContextFromCollaborators(t *testing.T) {
	hist := &fakeHistory{msgs: []*store.Message{
		{RequestID: "r0", Role: store.RoleUser, Content: "earlier question"},
		{RequestID: "r0", Role: store.RoleAssistant, Content: "earlier answer"},
		{RequestID: "r1", Role: store.RoleUser, Content: "hi"},
	}}
	mem := &fakeMemory{bundle: &ContextBundle{Facts: []string{"likes tea"}}}
	llm := script(say("hello again"))
	o := New(Deps{LLM: llm, History: hist, Memory: mem}, Config{SystemPrompt: "You are Clara."})

	res := o.Run(context.Background(), testRequest, nil)

	assert.False(t, res.Degraded)
	req := llm.call(0)
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
		{Role: RoleUser, Content: "hi"},
	}, req.Messages)
	assert.True(t, strings.HasPrefix(req.System, "You are Clara."))
	assert.Contains(t, req.System, "- likes tea")

	require.Len(t, mem.recorded, 1)
	assert.Equal(t, "hello again", mem.recorded[0][1].Content)
}

func TestRun_DegradedContextIsNotAnError(t *testing.T) {
	hist := &fakeHistory{err: errors.New("database locked")}
	mem := &fakeMemory{err: errors.New("memory service down")}
	llm := script(say("answering anyway"))
	o := New(Deps{LLM: llm, History: hist, Memory: mem}, Config{SystemPrompt: "base"})

	res := o.Run(context.Background(), testRequest, nil)

	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"history", "memory"}, res.DegradedReasons)
	assert.Equal(t, "base", llm.call(0).System)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, llm.call(0).Messages)
}

func TestRun_HangingMemoryHonorsCancellation(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	mem := &hangingMemory{release: release}
	llm := script(say("unused"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := New(Deps{LLM: llm, Memory: mem}, Config{}).Run(ctx, testRequest, nil)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, []State{StateBuildingContext, StateCancelled}, res.Trace)
	assert.Equal(t, 0, llm.callCount())
}

type hangingMemory struct {
	release chan struct{}
}

func (m *hangingMemory) FetchContext(context.Context, string, string, string) (*ContextBundle, error) {
	<-m.release
	return nil, nil
}

func (m *hangingMemory) RecordExchange(context.Context, string, string, []Message) error {
	return nil
}
