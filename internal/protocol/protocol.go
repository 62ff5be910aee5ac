// Package protocol speaks MCP over a transport connection: the
// initialize handshake, tool discovery, tool invocation, and liveness
// pings.
//
// A Session wraps exactly one connection. Pooled connections each
// carry their own Session, created and initialized when the pool dials
// them, so the handshake cost is paid once per connection rather than
// once per call.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/moorings/ferry/internal/buildinfo"
	"github.com/moorings/ferry/internal/jsonrpc"
	"github.com/moorings/ferry/internal/transport"
)

// protocolVersion is the MCP protocol version advertised during
// initialization.
const protocolVersion = "2024-11-05"

// ToolDefinition is a tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// ToolError is a tool-level failure: the server answered the call but
// flagged the result as an error. Deterministic, never retried.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s returned error: %s", e.Tool, e.Message)
}

// Session is one initialized MCP conversation over a single
// connection.
type Session struct {
	server string
	conn   transport.Conn
	logger *slog.Logger
	nextID atomic.Int64

	mu          sync.RWMutex
	initialized bool
	serverName  string
	serverVer   string
}

// NewSession wraps a connection. Call Initialize before anything else.
func NewSession(server string, conn transport.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		server: server,
		conn:   conn,
		logger: logger.With("server", server),
	}
}

// Conn returns the underlying connection.
func (s *Session) Conn() transport.Conn { return s.conn }

// ServerInfo returns the name and version the server reported during
// the handshake, empty before Initialize.
func (s *Session) ServerInfo() (name, version string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverName, s.serverVer
}

// Initialize performs the handshake: an initialize request followed by
// the notifications/initialized notification.
func (s *Session) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "ferry",
			"version": buildinfo.Version,
		},
	}

	resp, err := s.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.serverName = result.ServerInfo.Name
	s.serverVer = result.ServerInfo.Version
	s.mu.Unlock()

	s.logger.Info("server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := s.conn.Notify(ctx, jsonrpc.NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// ListTools calls tools/list and returns the server's tool
// definitions. Callers own any caching.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := s.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	s.logger.Debug("discovered tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by its server-local name. The result is the
// joined text of the response content blocks; non-text blocks are
// described inline (e.g., "[image]"). A result flagged isError comes
// back as a *ToolError.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := s.send(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}

	return text, nil
}

// Ping checks whether the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.send(ctx, "ping", nil)
	return err
}

// Close shuts down the session's connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// send issues a JSON-RPC request and surfaces protocol-level errors.
func (s *Session) send(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := s.nextID.Add(1)
	req := jsonrpc.NewRequest(id, method, params)

	resp, err := s.conn.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// extractText joins all text content blocks into a single string.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
