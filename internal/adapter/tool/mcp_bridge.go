package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"testscribe/internal/domain"
	"testscribe/internal/infra/config"
)

const defaultMCPCallTimeout = 30 * time.Second

// mcpClient is the part of the mcp-go client the bridge calls.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type initializer interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
}

// mcpSession is one live server connection.
type mcpSession struct {
	server string
	client mcpClient
}

type mcpDialer func(ctx context.Context, srv config.MCPServer) (mcpClient, error)

var mcpDialers = map[string]mcpDialer{
	"stdio": dialStdio,
	"http":  dialStreamable,
}

func dialStdio(_ context.Context, srv config.MCPServer) (mcpClient, error) {
	env := make([]string, 0, len(srv.Env))
	for k, v := range srv.Env {
		env = append(env, k+"="+v)
	}
	c, err := mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
	if err != nil {
		return nil, domain.WrapOp("spawn", err)
	}
	return c, nil
}

func dialStreamable(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	t, err := transport.NewStreamableHTTP(srv.URL)
	if err != nil {
		return nil, domain.WrapOp("http transport", err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, domain.WrapOp("start", err)
	}
	return c, nil
}

// MCPBridge exposes the tools of the configured MCP servers, e.g. a
// Playwright server, so chat requests can select them by name.
type MCPBridge struct {
	sessions []mcpSession
	tools    []domain.Tool
	logger   *slog.Logger
}

// NewMCPBridge dials every server and lists its tools. Unreachable servers
// are logged and skipped; it fails only when none of them is usable.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, callTimeout time.Duration, logger *slog.Logger) (*MCPBridge, error) {
	if len(servers) == 0 {
		return &MCPBridge{logger: logger}, nil
	}
	var (
		sessions []mcpSession
		errs     []error
	)
	for _, srv := range servers {
		c, err := openSession(ctx, srv)
		if err != nil {
			logger.Warn("mcp server unavailable", "server", srv.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.Name, err))
			continue
		}
		logger.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
		sessions = append(sessions, mcpSession{server: srv.Name, client: c})
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("all mcp servers failed to connect: %w", errors.Join(errs...))
	}
	return bridgeFrom(ctx, sessions, callTimeout, logger)
}

func openSession(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	dial, ok := mcpDialers[srv.Transport]
	if !ok {
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}
	c, err := dial(ctx, srv)
	if err != nil {
		return nil, err
	}
	if ic, ok := c.(initializer); ok {
		req := mcp.InitializeRequest{}
		req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		req.Params.ClientInfo = mcp.Implementation{Name: "testscribe", Version: "1.0.0"}
		if _, err := ic.Initialize(ctx, req); err != nil {
			_ = c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}
	return c, nil
}

// bridgeFrom lists the tools of already open sessions. Sessions whose
// listing fails contribute nothing.
func bridgeFrom(ctx context.Context, sessions []mcpSession, callTimeout time.Duration, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{sessions: sessions, logger: logger}
	var errs []error
	listed := 0
	for _, s := range sessions {
		res, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			logger.Warn("mcp tool listing failed", "server", s.server, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.server, err))
			continue
		}
		listed++
		for _, t := range res.Tools {
			b.tools = append(b.tools, newMCPTool(s, t, callTimeout, logger))
		}
		logger.Info("mcp tools listed", "server", s.server, "count", len(res.Tools))
	}
	if listed == 0 && len(errs) > 0 {
		b.Close()
		return nil, fmt.Errorf("all mcp servers failed discovery: %w", errors.Join(errs...))
	}
	return b, nil
}

// Tools returns a copy of the discovered tools.
func (b *MCPBridge) Tools() []domain.Tool {
	return append([]domain.Tool(nil), b.tools...)
}

// Close ends every session.
func (b *MCPBridge) Close() {
	for _, s := range b.sessions {
		if err := s.client.Close(); err != nil {
			b.logger.Warn("mcp server close failed", "server", s.server, "error", err)
		}
	}
}

// mcpTool is one remote MCP tool, registered as mcp_<server>_<tool>.
type mcpTool struct {
	session mcpSession
	def     mcp.Tool
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

func newMCPTool(s mcpSession, def mcp.Tool, timeout time.Duration, logger *slog.Logger) *mcpTool {
	if timeout <= 0 {
		timeout = defaultMCPCallTimeout
	}
	return &mcpTool{
		session: s,
		def:     def,
		name:    "mcp_" + identifier(s.server) + "_" + identifier(def.Name),
		timeout: timeout,
		logger:  logger,
	}
}

func (t *mcpTool) Name() string { return t.name }

func (t *mcpTool) Description() string {
	if t.def.Description == "" {
		return fmt.Sprintf("%s (from MCP server %s)", t.def.Name, t.session.server)
	}
	return t.def.Description
}

func (t *mcpTool) Schema() domain.ToolSchema {
	schema := domain.ToolSchema{
		Name:        t.name,
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}
	in := t.def.InputSchema
	if in.Properties == nil && in.Required == nil {
		return schema
	}
	if raw, err := json.Marshal(in); err == nil {
		schema.Parameters = raw
	}
	return schema
}

func (t *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	if len(params) > 0 && string(params) != "null" {
		var args map[string]any
		if err := json.Unmarshal(params, &args); err != nil {
			return ErrResult("invalid arguments: %v", err)
		}
		req.Params.Arguments = args
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.logger.Debug("mcp call", "server", t.session.server, "tool", t.def.Name)
	res, err := t.session.client.CallTool(ctx, req)
	if err != nil {
		return nil, domain.WrapOp("mcp "+t.session.server+"/"+t.def.Name, err)
	}
	return &domain.ToolResult{Content: flattenContent(res.Content), IsError: res.IsError}, nil
}

// flattenContent keeps text parts as-is and encodes the rest as JSON,
// one part per line.
func flattenContent(content []mcp.Content) string {
	lines := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			lines = append(lines, v.Text)
		case *mcp.TextContent:
			lines = append(lines, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				lines = append(lines, string(raw))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// identifier replaces characters outside [A-Za-z0-9_] so the result is a
// valid function name for every provider.
func identifier(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}
