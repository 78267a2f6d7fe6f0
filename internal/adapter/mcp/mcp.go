// Package mcp adapts an external MCP (Model Context Protocol) server into an
// adapter.Adapter. Each approved action is one tools/call against the server;
// health is probed with ping.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/config"
)

// Client is the subset of the MCP client the adapter uses.
type Client interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens and initializes a client connection.
type Dialer func(ctx context.Context) (Client, error)

// Adapter executes actions as tool calls on one MCP server. The connection
// is opened lazily and reopened after a transport failure.
type Adapter struct {
	name   string
	domain string
	tools  map[string]string
	dial   Dialer
	logger *slog.Logger

	mu     sync.Mutex
	client Client
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an adapter for the configured server.
func New(cfg config.MCPServerConfig, logger *slog.Logger) *Adapter {
	return NewWithDialer(cfg.Name, cfg.Domain, cfg.Tools, func(ctx context.Context) (Client, error) {
		return connect(ctx, cfg)
	}, logger)
}

// NewWithDialer creates an adapter around a custom connection factory.
func NewWithDialer(name, domain string, tools map[string]string, dial Dialer, logger *slog.Logger) *Adapter {
	return &Adapter{name: name, domain: domain, tools: tools, dial: dial, logger: logger}
}

func (a *Adapter) Name() string   { return a.name }
func (a *Adapter) Domain() string { return a.domain }

// Execute calls the tool mapped to the action type. The target is passed as
// the "target" argument unless the parameters already carry one.
func (a *Adapter) Execute(ctx context.Context, call adapter.Call) (*adapter.Output, error) {
	c, err := a.conn(ctx)
	if err != nil {
		return nil, adapter.Transient(fmt.Errorf("connecting to %s: %w", a.name, err))
	}

	tool := a.toolFor(call.ActionType)
	args := make(map[string]any, len(call.Parameters)+1)
	for k, v := range call.Parameters {
		args[k] = v
	}
	if _, ok := args["target"]; !ok && call.Target != "" {
		args["target"] = call.Target
	}

	a.logger.InfoContext(ctx, "mcp tool executing",
		slog.String("server", a.name),
		slog.String("tool", tool),
		slog.String("approval_id", call.RequestID),
	)

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		a.drop(c)
		return nil, adapter.Transient(fmt.Errorf("mcp call to %s/%s failed: %w", a.name, tool, err))
	}

	text := formatContent(res.Content)
	if res.IsError {
		if temporary(text) {
			return nil, adapter.Transient(errors.New(text))
		}
		return nil, adapter.Terminal(errors.New(text))
	}
	return &adapter.Output{Payload: map[string]any{
		"mcp_server":    a.name,
		"mcp_tool":      tool,
		"text":          text,
		"content_items": len(res.Content),
	}}, nil
}

// HealthCheck pings the server, connecting first if needed.
func (a *Adapter) HealthCheck(ctx context.Context) adapter.Probe {
	c, err := a.conn(ctx)
	if err != nil {
		return adapter.Probe{Err: err}
	}
	if err := c.Ping(ctx); err != nil {
		a.drop(c)
		return adapter.Probe{Err: err}
	}
	return adapter.Probe{Healthy: true}
}

// Close shuts down the client connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

func (a *Adapter) toolFor(actionType string) string {
	if t, ok := a.tools[actionType]; ok && t != "" {
		return t
	}
	return actionType
}

func (a *Adapter) conn(ctx context.Context) (Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	c, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	a.client = c
	a.logger.Info("MCP server connected", slog.String("server", a.name))
	return c, nil
}

// drop discards c so the next call reconnects.
func (a *Adapter) drop(c Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != c {
		return
	}
	if err := c.Close(); err != nil {
		a.logger.Warn("closing MCP client", slog.String("server", a.name), slog.String("error", err.Error()))
	}
	a.client = nil
}

func connect(ctx context.Context, cfg config.MCPServerConfig) (Client, error) {
	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	if cfg.Transport != "stdio" {
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting MCP transport for %q: %w", cfg.Name, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "gatekeeper",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}
	return c, nil
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvList(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnv(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnv(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

var temporaryMarkers = []string{"rate limit", "too many requests", "timeout", "timed out", "temporarily", "try again", "unavailable"}

// temporary reports whether a tool-level error message describes a
// condition that may clear on its own.
func temporary(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range temporaryMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

func expandEnv(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
