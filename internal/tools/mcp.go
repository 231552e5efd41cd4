// ABOUTME: Bridge to remote MCP tool servers exposed as a tool provider
// ABOUTME: Remote tools are namespaced as <server>__<tool> in the executor

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/clara-gateway/internal/config"
)

// mcpSeparator joins server and tool names.
const mcpSeparator = "__"

// MCPClient is the subset of the mcp-go client used by MCPProvider.
type MCPClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// MCPProvider exposes the tools of one MCP server.
type MCPProvider struct {
	name    string
	client  MCPClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewMCPProvider wraps an already-connected client and performs the
// initialize handshake.
func NewMCPProvider(ctx context.Context, name string, c MCPClient, timeout time.Duration, logger *slog.Logger) (*MCPProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "clara-gateway", Version: "1.0.0"}

	info, err := c.Initialize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}
	logger.Info("=== MCP SERVER CONNECTED ===",
		"server", name,
		"remote_name", info.ServerInfo.Name,
		"remote_version", info.ServerInfo.Version,
	)
	return &MCPProvider{
		name:    name,
		client:  c,
		timeout: timeout,
		logger:  logger.With("component", "mcp", "server", name),
	}, nil
}

// DialMCPServer launches a stdio MCP server from configuration.
func DialMCPServer(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*MCPProvider, error) {
	env := make([]string, 0, len(cfg.Env))
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+config.ExpandEnvVars(cfg.Env[k]))
	}

	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s: %w", cfg.Name, err)
	}
	p, err := NewMCPProvider(ctx, cfg.Name, c, cfg.Timeout, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return p, nil
}

// Name implements Provider.
func (p *MCPProvider) Name() string { return p.name }

// ListTools implements Provider.
func (p *MCPProvider) ListTools(ctx context.Context) ([]Definition, error) {
	res, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defs := make([]Definition, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema := t.RawInputSchema
		if len(schema) == 0 {
			schema, err = json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("encoding schema for %s: %w", t.Name, err)
			}
		}
		defs = append(defs, Definition{
			Name:        p.name + mcpSeparator + t.Name,
			Description: t.Description,
			InputSchema: schema,
			Timeout:     p.timeout,
		})
	}
	return defs, nil
}

// Invoke implements Provider.
func (p *MCPProvider) Invoke(ctx context.Context, name string, args json.RawMessage, ictx InvocationContext) (string, error) {
	remote, ok := strings.CutPrefix(name, p.name+mcpSeparator)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decoding arguments: %w", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = remote
	req.Params.Arguments = arguments

	p.logger.Debug("→ calling remote tool", "tool", remote, "request_id", ictx.RequestID)
	res, err := p.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// contentText flattens MCP content items into plain text.
func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case mcp.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		case *mcp.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		default:
			if b, err := json.Marshal(c); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Close shuts down the MCP server connection.
func (p *MCPProvider) Close() error {
	return p.client.Close()
}
