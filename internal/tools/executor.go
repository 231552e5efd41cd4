// ABOUTME: Tool executor that validates arguments and dispatches to providers
// ABOUTME: Enforces a per-invocation timeout and converts panics into error results

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/hashicorp/go-multierror"
	"github.com/kaptinlin/jsonrepair"
)

// DefaultTimeout bounds an invocation when neither the tool nor the executor sets one.
const DefaultTimeout = 30 * time.Second

type registeredTool struct {
	def      Definition
	schema   *jsonschema.Resolved
	provider Provider
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
	// OnResult, when set, observes every completed invocation.
	OnResult func(Result)
}

// Executor is the single lookup table of tools across providers.
type Executor struct {
	mu        sync.RWMutex
	tools     map[string]*registeredTool
	providers map[string]Provider

	timeout  time.Duration
	onResult func(Result)
	logger   *slog.Logger
}

// NewExecutor creates an empty executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		tools:     make(map[string]*registeredTool),
		providers: make(map[string]Provider),
		timeout:   cfg.Timeout,
		onResult:  cfg.OnResult,
		logger:    cfg.Logger.With("component", "tools"),
	}
}

// Register adds every tool of p. Nothing is registered if any tool name
// collides with an existing one or a schema fails to compile.
func (e *Executor) Register(ctx context.Context, p Provider) error {
	defs, err := p.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("listing tools from %s: %w", p.Name(), err)
	}

	compiled := make([]*registeredTool, 0, len(defs))
	for _, def := range defs {
		rs, err := compileSchema(def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", def.Name, err)
		}
		def.Provider = p.Name()
		compiled = append(compiled, &registeredTool{def: def, schema: rs, provider: p})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.providers[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	seen := make(map[string]bool, len(compiled))
	for _, t := range compiled {
		if existing, exists := e.tools[t.def.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by '%s'",
				ErrDuplicateTool, t.def.Name, existing.def.Provider)
		}
		if seen[t.def.Name] {
			return fmt.Errorf("%w: tool '%s' listed twice by '%s'", ErrDuplicateTool, t.def.Name, p.Name())
		}
		seen[t.def.Name] = true
	}

	for _, t := range compiled {
		e.tools[t.def.Name] = t
	}
	e.providers[p.Name()] = p

	e.logger.Info("=== TOOL PROVIDER REGISTERED ===",
		"provider", p.Name(),
		"tool_count", len(compiled),
		"total_tools", len(e.tools),
	)
	return nil
}

// Unregister removes a provider and its tools.
func (e *Executor) Unregister(providerName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.providers[providerName]; !ok {
		return false
	}
	for name, t := range e.tools {
		if t.def.Provider == providerName {
			delete(e.tools, name)
		}
	}
	delete(e.providers, providerName)
	return true
}

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing input schema: %w", err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving input schema: %w", err)
	}
	return rs, nil
}

// ListTools returns every registered tool sorted by name.
func (e *Executor) ListTools() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]Definition, 0, len(e.tools))
	for _, t := range e.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Lookup returns the definition of a tool.
func (e *Executor) Lookup(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

// Validate checks args against the tool's schema and returns the arguments
// normalized to valid JSON. Malformed JSON from the model is repaired when
// possible before validation.
func (e *Executor) Validate(name string, args json.RawMessage) (json.RawMessage, error) {
	e.mu.RLock()
	t, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return validateArgs(t, args)
}

func validateArgs(t *registeredTool, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(string(args))
		if repairErr != nil {
			return nil, &ValidationError{Tool: t.def.Name, Reason: "arguments are not valid JSON: " + err.Error()}
		}
		if err := json.Unmarshal([]byte(repaired), &instance); err != nil {
			return nil, &ValidationError{Tool: t.def.Name, Reason: "arguments are not valid JSON: " + err.Error()}
		}
		args = json.RawMessage(repaired)
	}

	if err := t.schema.Validate(instance); err != nil {
		return nil, &ValidationError{Tool: t.def.Name, Reason: err.Error()}
	}
	return args, nil
}

// Invoke validates and runs a tool. It never returns an error: unknown tools,
// validation failures, provider errors, panics, and timeouts all become a
// Result with the matching Outcome.
func (e *Executor) Invoke(ctx context.Context, name string, args json.RawMessage, ictx InvocationContext) (res Result) {
	res = Result{
		ToolName:  name,
		Arguments: args,
		Step:      ictx.Step,
		StartedAt: time.Now(),
	}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if e.onResult != nil {
			e.onResult(res)
		}
	}()

	e.mu.RLock()
	t, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		res.Outcome = OutcomeError
		res.Error = fmt.Sprintf("unknown tool %q", name)
		e.logger.Warn("unknown tool requested", "tool_name", name, "request_id", ictx.RequestID)
		return res
	}
	res.Provider = t.def.Provider

	normalized, err := validateArgs(t, args)
	if err != nil {
		res.Outcome = OutcomeError
		res.Error = err.Error()
		e.logger.Warn("tool arguments rejected", "tool_name", name, "request_id", ictx.RequestID, "error", err)
		return res
	}
	res.Arguments = normalized

	timeout := e.timeout
	if t.def.Timeout > 0 {
		timeout = t.def.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := t.provider.Invoke(callCtx, name, normalized, ictx)
		done <- outcome{output: out, err: err}
	}()

	e.logger.Debug("→ dispatching tool", "tool_name", name, "provider", t.def.Provider, "request_id", ictx.RequestID)

	select {
	case o := <-done:
		switch {
		case o.err == nil:
			res.Outcome = OutcomeSuccess
			res.Output = o.output
		case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			res.Outcome = OutcomeTimeout
			res.Error = fmt.Sprintf("no result after %s", timeout)
		case ctx.Err() != nil:
			res.Outcome = OutcomeCancelled
			res.Error = "cancelled"
		default:
			res.Outcome = OutcomeError
			res.Error = o.err.Error()
		}
	case <-callCtx.Done():
		// The provider ignored cancellation; abandon it.
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			res.Error = "cancelled"
		} else {
			res.Outcome = OutcomeTimeout
			res.Error = fmt.Sprintf("no result after %s", timeout)
		}
	}

	e.logger.Info("← tool finished",
		"tool_name", name,
		"request_id", ictx.RequestID,
		"outcome", res.Outcome,
		"duration", time.Since(res.StartedAt),
	)
	return res
}

// Close closes every provider that holds resources.
func (e *Executor) Close() error {
	e.mu.Lock()
	providers := make([]Provider, 0, len(e.providers))
	for _, p := range e.providers {
		providers = append(providers, p)
	}
	e.providers = make(map[string]Provider)
	e.tools = make(map[string]*registeredTool)
	e.mu.Unlock()

	var result *multierror.Error
	for _, p := range providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing %s: %w", p.Name(), err))
			}
		}
	}
	return result.ErrorOrNil()
}
