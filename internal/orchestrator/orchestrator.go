// ABOUTME: Per-request state machine that runs the generate / call tools / continue loop
// ABOUTME: Every suspension point races the request context so cancellation always converges

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/tools"
)

// ErrRequestTimeout is the cancellation cause when a request exceeds its time budget.
var ErrRequestTimeout = errors.New("request timed out")

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxToolDepth       = 75
	DefaultMaxContinuations   = 3
	DefaultMaxToolResultChars = 50000
	DefaultToolPreviewChars   = 200
	DefaultHistoryLimit       = 30
	DefaultRequestTimeout     = 10 * time.Minute
	DefaultCancelGrace        = 5 * time.Second
	DefaultMaxTokens          = 4096
)

const (
	continuePrompt = "Continue exactly where you left off."
	maxDepthPrompt = "You've reached the maximum number of tool calls. Please summarize what you've accomplished."
)

// Config bounds the loop.
type Config struct {
	MaxToolDepth       int
	MaxContinuations   int // negative disables auto-continue
	MaxToolResultChars int
	ToolPreviewChars   int
	HistoryLimit       int
	RequestTimeout     time.Duration
	// CancelGrace bounds post-request bookkeeping such as recording the
	// exchange, which runs even after the request context is done.
	CancelGrace time.Duration

	SystemPrompt string
	Model        string
	Tiers        map[string]string
	MaxTokens    int

	Logger    *slog.Logger
	Publisher hooks.Publisher
}

// FromConfig builds a Config from the orchestrator and llm sections.
func FromConfig(oc config.OrchestratorConfig, lc config.LLMConfig) Config {
	return Config{
		MaxToolDepth:       oc.MaxToolDepth,
		MaxContinuations:   oc.MaxContinuations,
		MaxToolResultChars: oc.MaxToolResultChars,
		ToolPreviewChars:   oc.ToolPreviewChars,
		HistoryLimit:       oc.HistoryLimit,
		RequestTimeout:     oc.RequestTimeout,
		CancelGrace:        oc.CancelGrace,
		SystemPrompt:       oc.SystemPrompt,
		Model:              lc.Model,
		Tiers:              lc.Tiers,
		MaxTokens:          lc.MaxTokens,
	}
}

// Deps are the collaborators of the loop. LLM is required; the rest may be nil.
type Deps struct {
	LLM     LLMClient
	Tools   Tools
	Memory  Memory
	History History
}

// Orchestrator runs requests. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	publisher hooks.Publisher
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = DefaultMaxToolDepth
	}
	if cfg.MaxContinuations == 0 {
		cfg.MaxContinuations = DefaultMaxContinuations
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if cfg.ToolPreviewChars <= 0 {
		cfg.ToolPreviewChars = DefaultToolPreviewChars
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = hooks.NopPublisher{}
	}
	if deps.Tools == nil {
		deps.Tools = noTools{}
	}
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With("component", "orchestrator"),
	}
}

// model picks the model for a tier, falling back to the default model.
func (o *Orchestrator) model(tier string) string {
	if m := o.cfg.Tiers[tier]; m != "" {
		return m
	}
	return o.cfg.Model
}

// Run drives one request to a terminal state. It always returns a Result;
// partial text streamed before a cancellation or failure is kept in Result.Text.
// ctx cancellation yields StatusCancelled. Exceeding the request timeout
// yields StatusError.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) *Result {
	if sink == nil {
		sink = NopSink{}
	}
	ctx, cancel := context.WithTimeoutCause(ctx, o.cfg.RequestTimeout, ErrRequestTimeout)
	defer cancel()

	r := &run{
		o:      o,
		req:    req,
		res:    &Result{RequestID: req.RequestID},
		out:    &stream{sink: sink},
		logger: o.logger.With("request_id", req.RequestID),
		start:  time.Now(),
	}
	r.out.begin(req.RequestID)
	r.logger.Info("→ orchestrating request", "channel_id", req.ChannelID, "tier", req.Tier)

	err := r.loop(ctx)
	return r.finish(ctx, err)
}

// run is the state of one request.
type run struct {
	o        *Orchestrator
	req      Request
	res      *Result
	out      *stream
	logger   *slog.Logger
	start    time.Time
	system   string
	messages []Message
}

func (r *run) enter(s State) {
	r.res.Trace = append(r.res.Trace, s)
}

func (r *run) degrade(reason string, err error) {
	r.res.Degraded = true
	r.res.DegradedReasons = append(r.res.DegradedReasons, reason)
	r.logger.Warn("context degraded", "reason", reason, "error", err)
}

func (r *run) loop(ctx context.Context) error {
	r.enter(StateBuildingContext)
	if err := r.buildContext(ctx); err != nil {
		return err
	}

	defs := r.o.deps.Tools.ListTools()
	for round := 0; ; round++ {
		if round == r.o.cfg.MaxToolDepth {
			return r.forceFinalize(ctx, defs)
		}

		r.enter(StateGenerating)
		comp, err := r.generate(ctx, defs, ToolChoiceAuto)
		if err != nil {
			return err
		}
		r.messages = append(r.messages, Message{Role: RoleAssistant, Content: comp.Text, Calls: comp.ToolCalls})
		if len(comp.ToolCalls) == 0 {
			return nil
		}

		for _, call := range comp.ToolCalls {
			if err := r.callTool(ctx, call); err != nil {
				return err
			}
		}
		r.out.separate()
	}
}

// buildContext gathers history and memory. Collaborator failures degrade
// the request; only cancellation is returned.
func (r *run) buildContext(ctx context.Context) error {
	r.system = r.o.cfg.SystemPrompt

	if h := r.o.deps.History; h != nil && r.req.SessionID != "" {
		msgs, err := await(ctx, func(ctx context.Context) ([]Message, error) {
			stored, err := h.History(ctx, r.req.SessionID, r.o.cfg.HistoryLimit)
			if err != nil {
				return nil, err
			}
			out := make([]Message, 0, len(stored))
			for _, m := range stored {
				if m.RequestID == r.req.RequestID || m.Content == "" {
					continue
				}
				out = append(out, Message{Role: m.Role, Content: m.Content})
			}
			return out, nil
		})
		switch {
		case ctx.Err() != nil:
			return context.Cause(ctx)
		case err != nil:
			r.degrade("history", err)
		default:
			r.messages = msgs
		}
	}

	if m := r.o.deps.Memory; m != nil {
		bundle, err := await(ctx, func(ctx context.Context) (*ContextBundle, error) {
			return m.FetchContext(ctx, r.req.UserID, r.req.ChannelID, r.req.Content)
		})
		switch {
		case ctx.Err() != nil:
			return context.Cause(ctx)
		case err != nil:
			r.degrade("memory", err)
		default:
			r.system = withMemory(r.system, bundle)
		}
	}

	r.messages = append(r.messages, Message{Role: RoleUser, Content: r.req.Content})
	return nil
}

func withMemory(system string, b *ContextBundle) string {
	if b == nil || (b.Summary == "" && len(b.Facts) == 0) {
		return system
	}
	var sb strings.Builder
	sb.WriteString(system)
	if system != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## What you remember about this user\n")
	if b.Summary != "" {
		sb.WriteString(b.Summary)
		sb.WriteString("\n")
	}
	for _, f := range b.Facts {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// generate runs one generation, transparently continuing output that was
// cut off by the token limit.
func (r *run) generate(ctx context.Context, defs []tools.Definition, choice ToolChoice) (*Completion, error) {
	req := &CompletionRequest{
		Model:      r.o.model(r.req.Tier),
		System:     r.system,
		Messages:   slices.Clip(r.messages),
		Tools:      defs,
		MaxTokens:  r.o.cfg.MaxTokens,
		ToolChoice: choice,
	}
	comp, err := r.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	for comp.StopReason == StopMaxTokens && len(comp.ToolCalls) == 0 && r.res.Continuations < r.o.cfg.MaxContinuations {
		r.res.Continuations++
		r.logger.Info("output hit the token limit, continuing", "continuation", r.res.Continuations)

		cont := *req
		cont.Messages = append(slices.Clip(r.messages),
			Message{Role: RoleAssistant, Content: comp.Text},
			Message{Role: RoleUser, Content: continuePrompt},
		)
		next, err := r.complete(ctx, &cont)
		if err != nil {
			return nil, err
		}
		comp = &Completion{
			Text:         comp.Text + next.Text,
			ToolCalls:    next.ToolCalls,
			StopReason:   next.StopReason,
			InputTokens:  comp.InputTokens + next.InputTokens,
			OutputTokens: comp.OutputTokens + next.OutputTokens,
		}
	}
	return comp, nil
}

// complete makes one model call and streams its text.
func (r *run) complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	before := r.out.size()
	comp, err := await(ctx, func(ctx context.Context) (*Completion, error) {
		return r.o.deps.LLM.Complete(ctx, req, r.out.chunk)
	})
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	if comp == nil {
		return nil, errors.New("generation failed: empty completion")
	}
	r.res.TokensUsed += comp.InputTokens + comp.OutputTokens

	// Clients that do not stream still deliver their text.
	if r.out.size() == before && comp.Text != "" {
		r.out.chunk(comp.Text)
	}
	return comp, nil
}

// forceFinalize asks the model for a closing answer once the tool depth is
// exhausted. The tool schemas stay in the request because the transcript
// holds tool calls, but new calls are refused. If that fails the transcript
// so far stands.
func (r *run) forceFinalize(ctx context.Context, defs []tools.Definition) error {
	r.res.HitMaxDepth = true
	r.logger.Warn("max tool depth reached, finalizing", "max_tool_depth", r.o.cfg.MaxToolDepth)

	r.messages = append(r.messages, Message{Role: RoleUser, Content: maxDepthPrompt})
	r.enter(StateGenerating)
	comp, err := r.generate(ctx, defs, ToolChoiceNone)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.logger.Warn("final summary failed", "error", err)
		return nil
	}
	r.messages = append(r.messages, Message{Role: RoleAssistant, Content: comp.Text})
	return nil
}

// callTool validates and executes one tool call and appends its result to
// the transcript. Only cancellation is returned as an error; every tool
// failure becomes an error result the model can react to.
func (r *run) callTool(ctx context.Context, call ToolCall) error {
	r.enter(StateToolCall)
	r.res.ToolCount++
	step := r.res.ToolCount
	emoji := ToolEmoji(call.Name)

	r.publish(hooks.EventToolStart, map[string]any{
		"tool_name": call.Name,
		"step":      step,
		"arguments": string(call.Arguments),
	})
	r.out.toolStatus(ToolEvent{
		RequestID:   r.req.RequestID,
		ToolName:    call.Name,
		Status:      ToolRunning,
		Description: "Running " + call.Name,
		Step:        step,
		Emoji:       emoji,
	})

	var res tools.Result
	args, err := r.o.deps.Tools.Validate(call.Name, call.Arguments)
	if err != nil {
		res = tools.Result{
			ToolName:  call.Name,
			Arguments: call.Arguments,
			Step:      step,
			Outcome:   tools.OutcomeError,
			Error:     err.Error(),
			StartedAt: time.Now(),
		}
		r.logger.Warn("tool call rejected", "tool_name", call.Name, "step", step, "error", err)
	} else {
		r.enter(StateExecutingTool)
		ictx := tools.InvocationContext{
			RequestID: r.req.RequestID,
			SessionID: r.req.SessionID,
			NodeID:    r.req.NodeID,
			Platform:  r.req.Platform,
			UserID:    r.req.UserID,
			ChannelID: r.req.ChannelID,
			Step:      step,
		}
		res, _ = await(ctx, func(ctx context.Context) (tools.Result, error) {
			return r.o.deps.Tools.Invoke(ctx, call.Name, args, ictx), nil
		})
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}

	text := truncate(res.Text(), r.o.cfg.MaxToolResultChars)
	failed := res.Outcome != tools.OutcomeSuccess
	r.messages = append(r.messages, Message{
		Role:       RoleTool,
		Content:    text,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    failed,
	})

	ev := ToolEvent{
		RequestID:     r.req.RequestID,
		ToolName:      call.Name,
		Status:        ToolDone,
		Description:   "Finished " + call.Name,
		Step:          step,
		Emoji:         emoji,
		OutputPreview: preview(text, r.o.cfg.ToolPreviewChars),
		Duration:      res.Duration,
	}
	data := map[string]any{
		"tool_name":   call.Name,
		"step":        step,
		"outcome":     string(res.Outcome),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if failed {
		ev.Status = ToolError
		ev.Description = call.Name + " failed"
		data["error"] = res.Error
		r.publish(hooks.EventToolError, data)
	} else {
		r.publish(hooks.EventToolEnd, data)
	}
	r.out.toolStatus(ev)
	return nil
}

func (r *run) publish(eventType string, data map[string]any) {
	ev := hooks.NewEvent(eventType, data)
	ev.NodeID = r.req.NodeID
	ev.Platform = r.req.Platform
	ev.UserID = r.req.UserID
	ev.ChannelID = r.req.ChannelID
	ev.RequestID = r.req.RequestID
	r.o.publisher.Publish(ev)
}

// finish converts the loop outcome into the terminal Result.
func (r *run) finish(ctx context.Context, err error) *Result {
	r.res.Text = r.out.close()

	switch {
	case err == nil:
		r.res.Status = StatusOK
		r.enter(StateFinalizing)
		r.record(ctx)
		r.enter(StateDone)
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrRequestTimeout):
		r.res.Status = StatusError
		r.res.Error = fmt.Sprintf("request timed out after %s", r.o.cfg.RequestTimeout)
		r.enter(StateFinalizing)
		r.enter(StateDone)
	case ctx.Err() != nil:
		r.res.Status = StatusCancelled
		r.enter(StateCancelled)
	default:
		r.res.Status = StatusError
		r.res.Error = err.Error()
		r.enter(StateFinalizing)
		r.enter(StateDone)
	}

	r.logger.Info("← request finished",
		"status", r.res.Status,
		"tool_count", r.res.ToolCount,
		"tokens_used", r.res.TokensUsed,
		"degraded", r.res.Degraded,
		"duration", time.Since(r.start),
	)
	return r.res
}

// record hands the exchange to the memory collaborator. It runs detached
// from the request context, bounded by CancelGrace.
func (r *run) record(ctx context.Context) {
	m := r.o.deps.Memory
	if m == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.CancelGrace)
	defer cancel()
	exchange := []Message{
		{Role: RoleUser, Content: r.req.Content},
		{Role: RoleAssistant, Content: r.res.Text},
	}
	if _, err := await(rctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.RecordExchange(ctx, r.req.UserID, r.req.ChannelID, exchange)
	}); err != nil {
		r.logger.Warn("failed to record exchange", "error", err)
	}
}

// await runs fn off the caller's goroutine and returns when it finishes or
// ctx is done, whichever is first. A call that ignores cancellation is
// abandoned; its result is discarded.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}

// stream accumulates streamed text and forwards it to the sink. After close
// late chunks from abandoned calls are dropped.
type stream struct {
	mu     sync.Mutex
	sink   Sink
	buf    strings.Builder
	sep    bool
	closed bool
}

func (s *stream) begin(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Start(requestID)
}

func (s *stream) chunk(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.sep && s.buf.Len() > 0 && !strings.HasSuffix(s.buf.String(), "\n") {
		text = "\n\n" + text
	}
	s.sep = false
	s.buf.WriteString(text)
	s.sink.Chunk(text)
}

// separate starts the next generation's text on a new paragraph.
func (s *stream) separate() {
	s.mu.Lock()
	s.sep = true
	s.mu.Unlock()
}

func (s *stream) toolStatus(ev ToolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sink.ToolStatus(ev)
}

func (s *stream) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *stream) close() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.buf.String()
}

// NopSink discards streamed output.
type NopSink struct{}

func (NopSink) Start(string)         {}
func (NopSink) Chunk(string)         {}
func (NopSink) ToolStatus(ToolEvent) {}

type noTools struct{}

func (noTools) ListTools() []tools.Definition { return nil }

func (noTools) Validate(name string, _ json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, name)
}

func (noTools) Invoke(_ context.Context, name string, _ json.RawMessage, _ tools.InvocationContext) tools.Result {
	return tools.Result{ToolName: name, Outcome: tools.OutcomeError, Error: "no tools available"}
}
