// ABOUTME: In-process tool provider for handlers compiled into the gateway
// ABOUTME: Handlers receive the invocation context and raw JSON arguments

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler executes a built-in tool and returns its result as JSON.
type Handler func(ctx context.Context, ictx InvocationContext, args json.RawMessage) (json.RawMessage, error)

// BuiltinTool pairs a definition with its handler.
type BuiltinTool struct {
	Definition Definition
	Handler    Handler
}

// BuiltinProvider serves tools that execute in the gateway process.
type BuiltinProvider struct {
	name  string
	mu    sync.RWMutex
	tools map[string]BuiltinTool
	order []string
}

// NewBuiltinProvider creates a provider from a set of tools. It panics on a
// duplicate name since built-in tool sets are fixed at compile time.
func NewBuiltinProvider(name string, tools ...BuiltinTool) *BuiltinProvider {
	p := &BuiltinProvider{name: name, tools: make(map[string]BuiltinTool)}
	for _, t := range tools {
		if err := p.Add(t); err != nil {
			panic(err)
		}
	}
	return p
}

// Add registers another tool. Tools added after the provider was registered
// with an Executor are not visible to it.
func (p *BuiltinProvider) Add(t BuiltinTool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[t.Definition.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Definition.Name)
	}
	p.tools[t.Definition.Name] = t
	p.order = append(p.order, t.Definition.Name)
	return nil
}

// Name implements Provider.
func (p *BuiltinProvider) Name() string { return p.name }

// ListTools implements Provider.
func (p *BuiltinProvider) ListTools(context.Context) ([]Definition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	defs := make([]Definition, 0, len(p.order))
	for _, name := range p.order {
		defs = append(defs, p.tools[name].Definition)
	}
	return defs, nil
}

// Invoke implements Provider.
func (p *BuiltinProvider) Invoke(ctx context.Context, name string, args json.RawMessage, ictx InvocationContext) (string, error) {
	p.mu.RLock()
	t, ok := p.tools[name]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	out, err := t.Handler(ctx, ictx, args)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
