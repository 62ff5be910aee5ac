// Package client is the top-level façade over the reliability stack.
// It registers tool servers, discovers and namespaces their tools, and
// routes each call through the per-server circuit breaker, retry
// policy, and connection pool, under a global concurrency cap.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/moorings/ferry/internal/audit"
	"github.com/moorings/ferry/internal/breaker"
	"github.com/moorings/ferry/internal/health"
	"github.com/moorings/ferry/internal/jsonrpc"
	"github.com/moorings/ferry/internal/policy"
	"github.com/moorings/ferry/internal/pool"
	"github.com/moorings/ferry/internal/protocol"
	"github.com/moorings/ferry/internal/retry"
	"github.com/moorings/ferry/internal/transport"
	"github.com/moorings/ferry/internal/tuning"
)

// ServerConfig describes one tool server. Immutable after the client
// is constructed; reconfiguration means building a new client.
type ServerConfig struct {
	// ID uniquely identifies the server across the client.
	ID string

	// Name is the display name; defaults to ID.
	Name string

	// Spec dials the server's transport.
	Spec transport.Spec

	// Enabled servers are connected during Initialize; disabled ones
	// are skipped entirely.
	Enabled bool

	// ToolPrefix namespaces this server's tool names. Empty means the
	// sanitized tool name is exposed as-is.
	ToolPrefix string

	// Policy is the server's security policy; nil permits everything.
	Policy *policy.Policy

	// Per-server reliability knobs. Zero-valued fields fall back to
	// each package's defaults.
	Breaker breaker.Config
	Retry   retry.Policy
	Pool    pool.Config
	Health  health.Config
}

// Options configures a Client.
type Options struct {
	Servers []ServerConfig

	// ToolTimeout bounds each individual tool call (default: 30s).
	ToolTimeout time.Duration

	// MaxConcurrentCalls caps in-flight calls across all servers.
	// Zero takes the value from Tuning.
	MaxConcurrentCalls int

	// Tuning supplies sizing defaults. The zero value resolves the
	// "default" preset for this host.
	Tuning tuning.Settings

	// Trail receives call records; nil creates a private trail.
	Trail *audit.Trail

	// Store optionally persists call records.
	Store *audit.Store

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// defaultToolTimeout matches the common upstream default for tool
// execution.
const defaultToolTimeout = 30 * time.Second

// Tool is one entry in the namespaced catalog.
type Tool struct {
	// Name is the globally unique namespaced name callers use.
	Name string `json:"name"`

	// LocalName is the server's own name for the tool.
	LocalName string `json:"local_name"`

	ServerID    string         `json:"server_id"`
	ServerName  string         `json:"server_name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// UnknownToolError reports a call to a name not in the catalog.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Tool)
}

// TimeoutError reports a call that exceeded its deadline.
type TimeoutError struct {
	Tool   string
	Server string
	Limit  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s on server %s timed out after %s", e.Tool, e.Server, e.Limit)
}

// serverRuntime bundles one server's reliability machinery.
type serverRuntime struct {
	cfg     ServerConfig
	brk     *breaker.Breaker
	pool    *pool.Pool
	monitor *health.Monitor
	logger  *slog.Logger
}

type toolEntry struct {
	tool Tool
	srv  *serverRuntime
}

// Client routes tool calls to their servers through the reliability
// stack. Construct with New, connect with Initialize, release
// resources with Close.
type Client struct {
	logger  *slog.Logger
	sem     *semaphore.Weighted
	timeout time.Duration
	dialPar int
	trail   *audit.Trail
	store   *audit.Store

	// baseCtx outlives Initialize's context; health monitors and other
	// background work hang off it until Close.
	baseCtx context.Context
	cancel  context.CancelFunc

	servers []*serverRuntime

	mu          sync.RWMutex
	tools       map[string]*toolEntry
	initialized bool
	closed      bool
}

// New validates the configuration and builds a client. No I/O happens
// until Initialize.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tun := opts.Tuning
	if tun == (tuning.Settings{}) {
		var err error
		tun, err = tuning.Resolve(tuning.Default)
		if err != nil {
			return nil, err
		}
	}

	maxCalls := opts.MaxConcurrentCalls
	if maxCalls <= 0 {
		maxCalls = tun.MaxConcurrentCalls
	}
	timeout := opts.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	trail := opts.Trail
	if trail == nil {
		trail = audit.NewTrail(0)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(maxCalls)),
		timeout: timeout,
		dialPar: tun.DialParallelism,
		trail:   trail,
		store:   opts.Store,
		baseCtx: baseCtx,
		cancel:  cancel,
		tools:   make(map[string]*toolEntry),
	}

	seen := make(map[string]bool)
	for _, sc := range opts.Servers {
		if sc.ID == "" {
			cancel()
			return nil, errors.New("server config missing id")
		}
		if seen[sc.ID] {
			cancel()
			return nil, fmt.Errorf("duplicate server id %q", sc.ID)
		}
		seen[sc.ID] = true

		if !sc.Enabled {
			logger.Debug("skipping disabled server", "server", sc.ID)
			continue
		}
		if sc.Spec == nil {
			cancel()
			return nil, fmt.Errorf("server %q has no transport", sc.ID)
		}
		if sc.Name == "" {
			sc.Name = sc.ID
		}
		if sc.Pool.MaxConns <= 0 {
			sc.Pool.MaxConns = tun.PoolSize
		}

		srvLogger := logger.With("server", sc.ID)
		srv := &serverRuntime{
			cfg:    sc,
			brk:    breaker.New(sc.ID, sc.Breaker, srvLogger),
			logger: srvLogger,
		}
		hspec := &handshakeSpec{server: sc.ID, inner: sc.Spec, logger: srvLogger}
		srv.pool = pool.New(sc.ID, hspec, sc.Pool, pingConn, srvLogger)
		c.servers = append(c.servers, srv)
	}

	if len(c.servers) == 0 {
		cancel()
		return nil, errors.New("no enabled servers configured")
	}

	return c, nil
}

// Initialize connects every enabled server, discovers its tools
// through the full reliability stack, builds the namespaced catalog,
// and starts health monitoring. A tool name collision is a
// configuration error and fails the whole call.
func (c *Client) Initialize(ctx context.Context) error {
	defs := make([][]protocol.ToolDefinition, len(c.servers))

	g, gctx := errgroup.WithContext(ctx)
	if c.dialPar > 0 {
		g.SetLimit(c.dialPar)
	}
	for i, srv := range c.servers {
		g.Go(func() error {
			var tools []protocol.ToolDefinition
			err := c.withConn(gctx, srv, func(ctx context.Context, sess *protocol.Session) error {
				var err error
				tools, err = sess.ListTools(ctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("server %s: %w", srv.cfg.ID, err)
			}
			defs[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	catalog := make(map[string]*toolEntry)
	for i, srv := range c.servers {
		for _, td := range defs[i] {
			name := namespacedName(srv.cfg.ToolPrefix, td.Name)
			if prev, ok := catalog[name]; ok {
				return fmt.Errorf("tool name collision: %q provided by servers %s and %s (set tool_prefix to disambiguate)",
					name, prev.srv.cfg.ID, srv.cfg.ID)
			}
			catalog[name] = &toolEntry{
				tool: Tool{
					Name:        name,
					LocalName:   td.Name,
					ServerID:    srv.cfg.ID,
					ServerName:  srv.cfg.Name,
					Description: td.Description,
					InputSchema: td.InputSchema,
				},
				srv: srv,
			}
		}
		c.logger.Info("server tools registered",
			"server", srv.cfg.ID,
			"count", len(defs[i]),
		)
	}

	c.mu.Lock()
	c.tools = catalog
	c.initialized = true
	c.mu.Unlock()

	c.startMonitors()
	return nil
}

// startMonitors launches one health monitor per server, wired so that
// a server going unhealthy drains its pool.
func (c *Client) startMonitors() {
	for _, srv := range c.servers {
		if srv.monitor != nil {
			continue
		}
		p := srv.pool
		srv.monitor = health.Start(c.baseCtx, health.MonitorConfig{
			Server:  srv.cfg.ID,
			Probe:   c.probeFunc(srv),
			Breaker: srv.brk,
			Config:  srv.cfg.Health,
			OnUnhealthy: func(err error) {
				p.InvalidateAll()
			},
			Logger: srv.logger,
		})
	}
}

// probeFunc builds the monitor's liveness probe: checkout, ping,
// release. The monitor decides how the outcome feeds the breaker, so
// the probe itself never touches it.
func (c *Client) probeFunc(srv *serverRuntime) health.ProbeFunc {
	return func(ctx context.Context) error {
		pc, err := srv.pool.Checkout(ctx)
		if err != nil {
			// A saturated or closing pool is local pressure, not a
			// verdict on the server; the monitor must not score it.
			var pe *pool.ExhaustedError
			if errors.As(err, &pe) || errors.Is(err, pool.ErrPoolClosed) {
				return fmt.Errorf("%w: %w", health.ErrInconclusive, err)
			}
			return err
		}
		err = pingConn(ctx, pc.Transport())
		srv.pool.Release(pc, err)
		return err
	}
}

// Tools returns the namespaced catalog sorted by name.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Tool, 0, len(c.tools))
	for _, e := range c.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RefreshTools re-runs discovery on every server and swaps in a fresh
// catalog. Used after a server reconnects with a changed tool set.
func (c *Client) RefreshTools(ctx context.Context) error {
	c.mu.Lock()
	c.tools = make(map[string]*toolEntry)
	c.initialized = false
	c.mu.Unlock()
	return c.Initialize(ctx)
}

// CallTool invokes a namespaced tool. The result is the tool's text
// output; failures come back as typed errors (*UnknownToolError,
// *breaker.OpenError, *pool.ExhaustedError, *TimeoutError,
// *transport.TransportError, *protocol.ToolError,
// *policy.ViolationError) so callers can decide whether to retry,
// fall back, or surface the failure.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c.mu.RLock()
	entry, ok := c.tools[name]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return "", errors.New("client is closed")
	}
	if !ok {
		return "", &UnknownToolError{Tool: name}
	}
	srv := entry.srv

	argBytes := 0
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("marshal arguments: %w", err)
		}
		argBytes = len(data)
	}
	if err := srv.cfg.Policy.CheckToolCall(entry.tool.LocalName, argBytes); err != nil {
		return "", err
	}

	// The global permit is taken before any per-server resource and
	// released after all of them.
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	callCtx, cancelCall := context.WithTimeout(ctx, c.timeout)
	defer cancelCall()

	started := time.Now()
	var result string
	err := c.withConn(callCtx, srv, func(ctx context.Context, sess *protocol.Session) error {
		out, err := sess.CallTool(ctx, entry.tool.LocalName, args)
		if err != nil {
			return err
		}
		result = out
		return nil
	})

	// A deadline hit inside the call, with the caller's own context
	// still live, means the per-call budget expired.
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &TimeoutError{Tool: name, Server: srv.cfg.ID, Limit: c.timeout}
	}

	c.record(srv.cfg.ID, name, started, err)
	if err != nil {
		return "", err
	}
	return result, nil
}

// withConn runs fn against a pooled, initialized session, gated by the
// server's breaker and wrapped in its retry policy.
func (c *Client) withConn(ctx context.Context, srv *serverRuntime, fn func(ctx context.Context, sess *protocol.Session) error) error {
	return retry.Do(ctx, srv.cfg.Retry, func(ctx context.Context) error {
		if err := srv.brk.Allow(); err != nil {
			return err
		}

		pc, err := srv.pool.Checkout(ctx)
		if err != nil {
			var pe *pool.ExhaustedError
			switch {
			case errors.As(err, &pe), errors.Is(err, context.Canceled):
				// Local pressure or caller cancellation says nothing
				// about the server.
				srv.brk.ReleaseTrial()
			case errors.Is(err, pool.ErrPoolClosed):
				srv.brk.ReleaseTrial()
				return retry.Permanent(err)
			default:
				srv.brk.RecordFailure()
			}
			return err
		}

		sc, ok := pc.Transport().(*sessionConn)
		if !ok {
			srv.pool.Release(pc, nil)
			srv.brk.ReleaseTrial()
			return retry.Permanent(fmt.Errorf("connection for %s carries no session", srv.cfg.ID))
		}

		err = fn(ctx, sc.session)
		srv.pool.Release(pc, err)

		switch classify(err) {
		case callOK:
			srv.brk.RecordSuccess()
			return nil
		case callProtocol:
			// The server answered; the failure is deterministic.
			srv.brk.RecordSuccess()
			return retry.Permanent(err)
		case callCanceled:
			srv.brk.ReleaseTrial()
			return err
		default:
			srv.brk.RecordFailure()
			return err
		}
	})
}

type callClass int

const (
	callOK callClass = iota
	callProtocol
	callCanceled
	callFailed
)

// classify sorts a call outcome into the buckets the breaker and
// retry policy care about.
func classify(err error) callClass {
	if err == nil {
		return callOK
	}
	var (
		toolErr *protocol.ToolError
		rpcErr  *jsonrpc.RPCError
	)
	if errors.As(err, &toolErr) || errors.As(err, &rpcErr) {
		return callProtocol
	}
	if errors.Is(err, context.Canceled) {
		return callCanceled
	}
	return callFailed
}

// record appends the call to the audit trail and, when configured, the
// persistent store.
func (c *Client) record(server, tool string, started time.Time, callErr error) {
	outcome := audit.OutcomeSuccess
	switch {
	case callErr == nil:
	case isBreakerOpen(callErr):
		outcome = audit.OutcomeCircuitOpen
	case isTimeout(callErr):
		outcome = audit.OutcomeTimeout
	default:
		outcome = audit.OutcomeFailure
	}

	rec, err := audit.NewRecord(server, tool, started, time.Since(started), outcome, callErr)
	if err != nil {
		c.logger.Warn("failed to build call record", "error", err)
		return
	}
	c.trail.Append(rec)
	if c.store != nil {
		if err := c.store.Append(rec); err != nil {
			c.logger.Warn("failed to persist call record", "error", err)
		}
	}
}

func isBreakerOpen(err error) bool {
	var oe *breaker.OpenError
	return errors.As(err, &oe)
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// ServerStatus is a per-server diagnostic snapshot.
type ServerStatus struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Breaker breaker.Snapshot    `json:"breaker"`
	Pool    pool.Stats          `json:"pool"`
	Health  health.ServerHealth `json:"health,omitzero"`
}

// Status reports the state of every server's reliability machinery,
// ordered by server id.
func (c *Client) Status() []ServerStatus {
	out := make([]ServerStatus, 0, len(c.servers))
	for _, srv := range c.servers {
		st := ServerStatus{
			ID:      srv.cfg.ID,
			Name:    srv.cfg.Name,
			Breaker: srv.brk.Snapshot(),
			Pool:    srv.pool.Stats(),
		}
		if srv.monitor != nil {
			st.Health = srv.monitor.Status()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Records returns the audit trail for one server, oldest first.
func (c *Client) Records(server string) []audit.Record {
	return c.trail.Records(server)
}

// Close stops health monitoring and drains every pool. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	for _, srv := range c.servers {
		if srv.monitor != nil {
			srv.monitor.Stop()
		}
		srv.pool.Close()
	}
	c.logger.Info("client closed")
	return nil
}

// pingConn is the pool's revalidation probe and the health monitor's
// liveness check.
func pingConn(ctx context.Context, conn transport.Conn) error {
	sc, ok := conn.(*sessionConn)
	if !ok {
		return errors.New("connection carries no session")
	}
	return sc.session.Ping(ctx)
}

// sanitizeRe matches characters that are not lowercase alphanumeric or
// underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitize lowercases a name and squashes anything else to
// underscores, so namespaced names are safe identifiers everywhere.
func sanitize(s string) string {
	s = sanitizeRe.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// namespacedName builds the globally visible tool name.
func namespacedName(prefix, tool string) string {
	t := sanitize(tool)
	if prefix == "" {
		return t
	}
	return sanitize(prefix) + "_" + t
}
