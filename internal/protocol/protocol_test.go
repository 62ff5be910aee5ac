package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/moorings/ferry/internal/jsonrpc"
)

// mockConn is a test double for the transport.Conn interface.
type mockConn struct {
	mu        sync.Mutex
	responses map[string]*jsonrpc.Response // method -> canned response
	sent      []jsonrpc.Request            // captured requests
	notifs    []jsonrpc.Notification       // captured notifications
	closed    bool
}

func newMockConn() *mockConn {
	return &mockConn{
		responses: make(map[string]*jsonrpc.Response),
	}
}

func (m *mockConn) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		Result:  json.RawMessage(data),
	}
}

func (m *mockConn) addError(method string, code int, msg string) {
	m.responses[method] = &jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		Error:   &jsonrpc.RPCError{Code: code, Message: msg},
	}
}

func (m *mockConn) Send(_ context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockConn) Notify(_ context.Context, notif *jsonrpc.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockConn) Notifications() <-chan *jsonrpc.Notification { return nil }

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func TestSession_Initialize(t *testing.T) {
	mc := newMockConn()
	mc.addResponse("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "test-server", Version: "1.0.0"},
	})

	sess := NewSession("test", mc, nil)
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if len(mc.sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(mc.sent))
	}
	if mc.sent[0].Method != "initialize" {
		t.Errorf("method = %q, want %q", mc.sent[0].Method, "initialize")
	}

	// The handshake finishes with the initialized notification.
	if len(mc.notifs) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(mc.notifs))
	}
	if mc.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notification method = %q, want notifications/initialized", mc.notifs[0].Method)
	}

	name, ver := sess.ServerInfo()
	if name != "test-server" || ver != "1.0.0" {
		t.Errorf("ServerInfo = %q/%q, want test-server/1.0.0", name, ver)
	}
}

func TestSession_InitializeRPCError(t *testing.T) {
	mc := newMockConn()
	mc.addError("initialize", -32600, "unsupported protocol version")

	sess := NewSession("test", mc, nil)
	err := sess.Initialize(context.Background())
	if err == nil {
		t.Fatal("Initialize succeeded, want error")
	}
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("error = %v, want *jsonrpc.RPCError", err)
	}
	if len(mc.notifs) != 0 {
		t.Error("initialized notification sent after failed handshake")
	}
}

func TestSession_ListTools(t *testing.T) {
	mc := newMockConn()
	mc.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{Name: "read_file", Description: "Read a file", InputSchema: map[string]any{"type": "object"}},
			{Name: "write_file", Description: "Write a file"},
		},
	})

	sess := NewSession("test", mc, nil)
	tools, err := sess.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "read_file" {
		t.Errorf("tools[0].Name = %q, want read_file", tools[0].Name)
	}
	if tools[0].InputSchema["type"] != "object" {
		t.Errorf("InputSchema = %v, want type object", tools[0].InputSchema)
	}
}

func TestSession_CallTool(t *testing.T) {
	mc := newMockConn()
	mc.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "line one"},
			{Type: "text", Text: "line two"},
		},
	})

	sess := NewSession("test", mc, nil)
	got, err := sess.CallTool(context.Background(), "read_file", map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "line one\nline two" {
		t.Errorf("result = %q, want joined text blocks", got)
	}

	// Arguments travel in the params payload.
	params, ok := mc.sent[0].Params.(map[string]any)
	if !ok {
		t.Fatalf("params type = %T, want map", mc.sent[0].Params)
	}
	if params["name"] != "read_file" {
		t.Errorf("params.name = %v, want read_file", params["name"])
	}
}

func TestSession_CallToolIsError(t *testing.T) {
	mc := newMockConn()
	mc.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{{Type: "text", Text: "file not found"}},
		IsError: true,
	})

	sess := NewSession("test", mc, nil)
	_, err := sess.CallTool(context.Background(), "read_file", nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want *ToolError", err)
	}
	if toolErr.Tool != "read_file" || toolErr.Message != "file not found" {
		t.Errorf("ToolError = %+v", toolErr)
	}
}

func TestSession_CallToolNonTextBlocks(t *testing.T) {
	mc := newMockConn()
	mc.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "caption"},
			{Type: "image"},
			{Type: "audio"},
		},
	})

	sess := NewSession("test", mc, nil)
	got, err := sess.CallTool(context.Background(), "screenshot", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "caption\n[image]\n[audio]" {
		t.Errorf("result = %q", got)
	}
}

func TestSession_Ping(t *testing.T) {
	mc := newMockConn()
	mc.addResponse("ping", map[string]any{})

	sess := NewSession("test", mc, nil)
	if err := sess.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if mc.sent[0].Method != "ping" {
		t.Errorf("method = %q, want ping", mc.sent[0].Method)
	}
}

func TestSession_RequestIDsIncrease(t *testing.T) {
	mc := newMockConn()
	mc.addResponse("ping", map[string]any{})

	sess := NewSession("test", mc, nil)
	for i := 0; i < 3; i++ {
		if err := sess.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	for i := 1; i < len(mc.sent); i++ {
		if mc.sent[i].ID <= mc.sent[i-1].ID {
			t.Errorf("request ids not increasing: %d then %d", mc.sent[i-1].ID, mc.sent[i].ID)
		}
	}
}

func TestSession_Close(t *testing.T) {
	mc := newMockConn()
	sess := NewSession("test", mc, nil)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mc.closed {
		t.Error("underlying connection not closed")
	}
}
