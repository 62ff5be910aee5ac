package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moorings/ferry/internal/audit"
	"github.com/moorings/ferry/internal/breaker"
	"github.com/moorings/ferry/internal/health"
	"github.com/moorings/ferry/internal/jsonrpc"
	"github.com/moorings/ferry/internal/policy"
	"github.com/moorings/ferry/internal/retry"
	"github.com/moorings/ferry/internal/transport"
	"github.com/moorings/ferry/internal/tuning"
)

// fakeServer is an in-process tool server shared by every connection a
// fakeSpec dials.
type fakeServer struct {
	mu        sync.Mutex
	tools     []map[string]any
	results   map[string]string // tool name -> canned text result
	toolErrs  map[string]string // tool name -> isError text
	failCalls int               // tools/call transport failures remaining
	callDelay time.Duration

	dials     int
	toolCalls int
}

func newFakeServer(toolNames ...string) *fakeServer {
	s := &fakeServer{results: map[string]string{}, toolErrs: map[string]string{}}
	for _, name := range toolNames {
		s.tools = append(s.tools, map[string]any{
			"name":        name,
			"description": "test tool",
			"inputSchema": map[string]any{"type": "object"},
		})
		s.results[name] = "ok:" + name
	}
	return s
}

func (s *fakeServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCalls
}

type fakeSpec struct{ srv *fakeServer }

func (f *fakeSpec) Kind() string { return "fake" }

func (f *fakeSpec) Dial(ctx context.Context) (transport.Conn, error) {
	f.srv.mu.Lock()
	f.srv.dials++
	f.srv.mu.Unlock()
	return &fakeServerConn{srv: f.srv}, nil
}

type fakeServerConn struct {
	srv    *fakeServer
	closed bool
}

func result(req *jsonrpc.Request, payload any) (*jsonrpc.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: data}, nil
}

func (c *fakeServerConn) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	s := c.srv
	switch req.Method {
	case "initialize":
		return result(req, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "fake", "version": "0.0.1"},
		})
	case "ping":
		return result(req, map[string]any{})
	case "tools/list":
		s.mu.Lock()
		tools := s.tools
		s.mu.Unlock()
		return result(req, map[string]any{"tools": tools})
	case "tools/call":
		s.mu.Lock()
		s.toolCalls++
		delay := s.callDelay
		if s.failCalls > 0 {
			s.failCalls--
			s.mu.Unlock()
			return nil, &transport.TransportError{Kind: "fake", Op: "send", Err: errors.New("broken pipe")}
		}
		params, _ := req.Params.(map[string]any)
		name, _ := params["name"].(string)
		text, isErr := s.toolErrs[name], false
		if text != "" {
			isErr = true
		} else {
			text = s.results[name]
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &transport.TransportError{Kind: "fake", Op: "send", Err: ctx.Err()}
			}
		}
		return result(req, map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
			"isError": isErr,
		})
	default:
		return nil, fmt.Errorf("unexpected method %s", req.Method)
	}
}

func (c *fakeServerConn) Notify(ctx context.Context, notif *jsonrpc.Notification) error { return nil }

func (c *fakeServerConn) Notifications() <-chan *jsonrpc.Notification { return nil }

func (c *fakeServerConn) Close() error {
	c.closed = true
	return nil
}

func oneServer(srv *fakeServer, mutate func(*ServerConfig)) Options {
	sc := ServerConfig{
		ID:      "srv",
		Spec:    &fakeSpec{srv: srv},
		Enabled: true,
		Retry:   retry.Policy{MaxAttempts: 1},
	}
	if mutate != nil {
		mutate(&sc)
	}
	return Options{
		Servers:     []ServerConfig{sc},
		ToolTimeout: 5 * time.Second,
		Tuning:      tuning.Settings{MaxConcurrentCalls: 4, PoolSize: 2, DialParallelism: 2},
	}
}

func mustInit(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func TestClient_InitializeBuildsCatalog(t *testing.T) {
	fsSrv := newFakeServer("Read File", "write_file")
	webSrv := newFakeServer("fetch")

	c, err := New(Options{
		Servers: []ServerConfig{
			{ID: "fs", Spec: &fakeSpec{srv: fsSrv}, Enabled: true, ToolPrefix: "fs"},
			{ID: "web", Spec: &fakeSpec{srv: webSrv}, Enabled: true},
		},
		Tuning: tuning.Settings{MaxConcurrentCalls: 4, PoolSize: 2, DialParallelism: 2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tools := c.Tools()
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := []string{"fetch", "fs_read_file", "fs_write_file"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("catalog = %v, want %v", names, want)
	}

	// Prefixed entries keep the server's own name for dispatch.
	for _, tool := range tools {
		if tool.Name == "fs_read_file" {
			if tool.LocalName != "Read File" || tool.ServerID != "fs" {
				t.Errorf("entry = %+v", tool)
			}
		}
	}
}

func TestClient_ToolNameCollision(t *testing.T) {
	a := newFakeServer("search")
	b := newFakeServer("search")

	c, err := New(Options{
		Servers: []ServerConfig{
			{ID: "a", Spec: &fakeSpec{srv: a}, Enabled: true},
			{ID: "b", Spec: &fakeSpec{srv: b}, Enabled: true},
		},
		Tuning: tuning.Settings{MaxConcurrentCalls: 4, PoolSize: 2, DialParallelism: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	err = c.Initialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "collision") {
		t.Errorf("Initialize error = %v, want tool name collision", err)
	}
}

func TestClient_CallTool(t *testing.T) {
	srv := newFakeServer("search")
	c := mustInit(t, oneServer(srv, nil))

	got, err := c.CallTool(context.Background(), "search", map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "ok:search" {
		t.Errorf("result = %q, want ok:search", got)
	}
}

func TestClient_UnknownTool(t *testing.T) {
	c := mustInit(t, oneServer(newFakeServer("search"), nil))

	_, err := c.CallTool(context.Background(), "nope", nil)
	var ue *UnknownToolError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UnknownToolError", err)
	}
	if ue.Tool != "nope" {
		t.Errorf("Tool = %q, want nope", ue.Tool)
	}
}

func TestClient_PolicyViolationSkipsTransport(t *testing.T) {
	srv := newFakeServer("search", "delete_all")
	c := mustInit(t, oneServer(srv, func(sc *ServerConfig) {
		sc.Policy = &policy.Policy{DeniedTools: []string{"delete_all"}}
	}))

	before := srv.callCount()
	_, err := c.CallTool(context.Background(), "delete_all", nil)
	var ve *policy.ViolationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *policy.ViolationError", err)
	}
	if srv.callCount() != before {
		t.Error("denied call reached the transport")
	}
}

func TestClient_ToolLevelError(t *testing.T) {
	srv := newFakeServer("search")
	srv.toolErrs["search"] = "index unavailable"
	c := mustInit(t, oneServer(srv, nil))

	_, err := c.CallTool(context.Background(), "search", nil)
	if err == nil || !strings.Contains(err.Error(), "index unavailable") {
		t.Errorf("error = %v, want tool error text", err)
	}
}

func TestClient_BreakerOpensAndFailsFast(t *testing.T) {
	srv := newFakeServer("search")
	c := mustInit(t, oneServer(srv, func(sc *ServerConfig) {
		sc.Breaker = breaker.Config{
			FailureThreshold:  2,
			FailureWindow:     time.Minute,
			Cooldown:          time.Minute,
			HalfOpenSuccesses: 1,
		}
	}))

	srv.mu.Lock()
	srv.failCalls = 10
	srv.mu.Unlock()

	for i := 0; i < 2; i++ {
		if _, err := c.CallTool(context.Background(), "search", nil); err == nil {
			t.Fatalf("call %d succeeded, want transport failure", i)
		}
	}

	// The breaker is open: the next call fails fast with zero I/O.
	before := srv.callCount()
	_, err := c.CallTool(context.Background(), "search", nil)
	var oe *breaker.OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("error = %v, want *breaker.OpenError", err)
	}
	if oe.Server != "srv" {
		t.Errorf("OpenError.Server = %q, want srv", oe.Server)
	}
	if srv.callCount() != before {
		t.Error("rejected call reached the transport")
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := newFakeServer("slow")
	srv.callDelay = time.Second
	opts := oneServer(srv, nil)
	opts.ToolTimeout = 50 * time.Millisecond
	c := mustInit(t, opts)

	_, err := c.CallTool(context.Background(), "slow", nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if te.Server != "srv" || te.Tool != "slow" {
		t.Errorf("TimeoutError = %+v", te)
	}
}

func TestClient_NoPermitLeak(t *testing.T) {
	srv := newFakeServer("search", "slow")
	srv.toolErrs["slow"] = "always fails"
	opts := oneServer(srv, func(sc *ServerConfig) {
		sc.Policy = &policy.Policy{DeniedTools: []string{"none"}}
	})
	// A single permit: any leak deadlocks the next call.
	opts.MaxConcurrentCalls = 1
	c := mustInit(t, opts)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.CallTool(ctx, "search", nil)  // success
		c.CallTool(ctx, "slow", nil)    // tool-level failure
		c.CallTool(ctx, "missing", nil) // unknown tool
	}

	// Transport failure path releases too.
	srv.mu.Lock()
	srv.failCalls = 1
	srv.mu.Unlock()
	c.CallTool(ctx, "search", nil)

	final, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.CallTool(final, "search", nil); err != nil {
		t.Fatalf("call after mixed outcomes = %v, want success (leaked permit?)", err)
	}
}

func TestClient_AuditTrail(t *testing.T) {
	srv := newFakeServer("search")
	c := mustInit(t, oneServer(srv, nil))

	if _, err := c.CallTool(context.Background(), "search", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	srv.mu.Lock()
	srv.failCalls = 1
	srv.mu.Unlock()
	c.CallTool(context.Background(), "search", nil)

	recs := c.Records("srv")
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Outcome != audit.OutcomeSuccess {
		t.Errorf("first outcome = %q, want success", recs[0].Outcome)
	}
	if recs[1].Outcome != audit.OutcomeFailure {
		t.Errorf("second outcome = %q, want failure", recs[1].Outcome)
	}
	if recs[0].Tool != "search" || recs[0].Server != "srv" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestClient_Status(t *testing.T) {
	c := mustInit(t, oneServer(newFakeServer("search"), nil))

	st := c.Status()
	if len(st) != 1 {
		t.Fatalf("status = %d entries, want 1", len(st))
	}
	if st[0].ID != "srv" {
		t.Errorf("ID = %q, want srv", st[0].ID)
	}
	if st[0].Breaker.State != breaker.Closed.String() {
		t.Errorf("breaker state = %v, want CLOSED", st[0].Breaker.State)
	}
	if st[0].Pool.Max != 2 {
		t.Errorf("pool max = %d, want 2", st[0].Pool.Max)
	}
}

func TestClient_ProbeReportsSaturatedPoolAsInconclusive(t *testing.T) {
	opts := oneServer(newFakeServer("search"), func(sc *ServerConfig) {
		sc.Pool.MaxConns = 1
		sc.Pool.CheckoutTimeout = 50 * time.Millisecond
	})
	c := mustInit(t, opts)
	srv := c.servers[0]

	// Occupy the only slot so the probe cannot reach the server.
	pc, err := srv.pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	defer srv.pool.Release(pc, nil)

	probe := c.probeFunc(srv)
	err = probe(context.Background())
	if !errors.Is(err, health.ErrInconclusive) {
		t.Fatalf("probe error = %v, want wrapping health.ErrInconclusive", err)
	}

	// Inconclusive probes must not touch the breaker's failure counts.
	if snap := srv.brk.Snapshot(); snap.TotalFailures != 0 {
		t.Errorf("TotalFailures = %d, want 0", snap.TotalFailures)
	}
	if got := srv.brk.State(); got != breaker.Closed {
		t.Errorf("breaker state = %v, want Closed", got)
	}
}

func TestClient_CloseRejectsCalls(t *testing.T) {
	c := mustInit(t, oneServer(newFakeServer("search"), nil))
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.CallTool(context.Background(), "search", nil); err == nil {
		t.Error("CallTool after Close succeeded")
	}
}

func TestNew_ConfigValidation(t *testing.T) {
	spec := &fakeSpec{srv: newFakeServer()}

	if _, err := New(Options{Servers: []ServerConfig{{Spec: spec, Enabled: true}}}); err == nil {
		t.Error("missing id accepted")
	}
	if _, err := New(Options{Servers: []ServerConfig{
		{ID: "a", Spec: spec, Enabled: true},
		{ID: "a", Spec: spec, Enabled: true},
	}}); err == nil {
		t.Error("duplicate id accepted")
	}
	if _, err := New(Options{Servers: []ServerConfig{{ID: "a", Spec: spec, Enabled: false}}}); err == nil {
		t.Error("no enabled servers accepted")
	}
}
