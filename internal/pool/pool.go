// Package pool maintains a bounded set of live transport connections
// per server. Pooling avoids the cost of re-handshaking per call —
// expensive for process spawn and WebSocket upgrade — while bounding
// resource usage per server independently, so one slow or broken
// server cannot starve another's pool.
//
// Ownership discipline: a connection is owned exclusively by the pool
// while idle; Checkout transfers ownership to the caller for the
// duration of one call, and Release transfers it back. The mutex only
// guards in-memory bookkeeping — dialing and validation happen outside
// the lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moorings/ferry/internal/transport"
)

// Config bounds one server's pool.
type Config struct {
	// MaxConns caps simultaneously open connections.
	MaxConns int

	// CheckoutTimeout is how long Checkout waits for a free connection
	// once the pool is at capacity.
	CheckoutTimeout time.Duration

	// IdleTimeout closes idle connections older than this on the next
	// checkout sweep. Zero disables idle expiry.
	IdleTimeout time.Duration
}

// DefaultConfig allows 4 connections per server with a 10s checkout
// wait and 5-minute idle expiry.
func DefaultConfig() Config {
	return Config{
		MaxConns:        4,
		CheckoutTimeout: 10 * time.Second,
		IdleTimeout:     5 * time.Minute,
	}
}

// ExhaustedError is returned when no connection frees up within the
// checkout timeout.
type ExhaustedError struct {
	Server  string
	Waited  time.Duration
	MaxConn int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted for server %s (%d conns, waited %s)",
		e.Server, e.MaxConn, e.Waited.Round(time.Millisecond))
}

// ErrPoolClosed is returned by Checkout after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// ValidateFunc probes a suspect connection before it is reused. It is
// typically a protocol-level ping with a short deadline.
type ValidateFunc func(ctx context.Context, conn transport.Conn) error

// Pool owns up to Config.MaxConns connections to one server.
type Pool struct {
	server   string
	spec     transport.Spec
	cfg      Config
	validate ValidateFunc
	logger   *slog.Logger

	mu      sync.Mutex
	idle    []*Conn // LIFO: most recently used first
	open    int     // idle + checked out + mid-dial reservations
	gen     uint64  // bumped by InvalidateAll; stale conns are discarded on release
	waiters []chan struct{}
	closed  bool
}

// Conn is a pooled connection plus its bookkeeping metadata. It is
// never shared concurrently for a single logical call.
type Conn struct {
	pool *Pool
	tc   transport.Conn
	gen  uint64

	createdAt  time.Time
	lastUsedAt time.Time
	suspect    bool // deadline expired mid-call; revalidate before reuse
	released   bool
}

// Transport exposes the underlying channel for the duration of the call.
func (c *Conn) Transport() transport.Conn { return c.tc }

// CreatedAt reports when the connection was dialed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// New creates a pool for the given server and transport spec. validate
// may be nil, in which case suspect connections are discarded instead
// of revalidated.
func New(server string, spec transport.Spec, cfg Config, validate ValidateFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = def.CheckoutTimeout
	}
	return &Pool{
		server:   server,
		spec:     spec,
		cfg:      cfg,
		validate: validate,
		logger:   logger.With("server", server),
	}
}

// Checkout returns a live connection: an idle healthy one if available,
// a freshly dialed one if under the cap, or — once the cap is reached —
// it waits up to the checkout timeout for a release. Past the deadline
// it returns *ExhaustedError without ever touching the transport.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if c := p.popIdleLocked(); c != nil {
			p.mu.Unlock()
			if c.suspect {
				if err := p.revalidate(ctx, c); err != nil {
					p.discard(c)
					continue
				}
				c.suspect = false
			}
			c.released = false
			return c, nil
		}

		if p.open < p.cfg.MaxConns {
			p.open++ // reserve the slot before dialing outside the lock
			p.mu.Unlock()

			tc, err := p.spec.Dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.notifyLocked()
				p.mu.Unlock()
				return nil, err
			}

			now := time.Now()
			return &Conn{
				pool:      p,
				tc:        tc,
				gen:       p.generation(),
				createdAt: now,
			}, nil
		}

		// At capacity: wait for a release or an invalidation.
		ch := make(chan struct{}, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.removeWaiter(ch)
			return nil, &ExhaustedError{
				Server:  p.server,
				Waited:  time.Since(start),
				MaxConn: p.cfg.MaxConns,
			}
		case <-ch:
			// Something changed; loop and retry.
		}
	}
}

// Release returns the connection to the pool. The outcome of the call
// decides its fate: transport-level failures discard it, a deadline
// expiry marks it suspect for revalidation, anything else returns it
// to the idle set. Release is idempotent per checkout.
func (p *Pool) Release(c *Conn, outcome error) {
	if c == nil || c.released {
		return
	}
	c.released = true

	var te *transport.TransportError
	var ce *transport.ConnectError
	switch {
	case errors.As(outcome, &te), errors.As(outcome, &ce):
		p.discard(c)
		return
	case errors.Is(outcome, context.DeadlineExceeded), errors.Is(outcome, context.Canceled):
		// Aborted mid-exchange: the channel may hold a stale response.
		// Keep it, but prove liveness before the next call uses it.
		c.suspect = true
	}

	p.mu.Lock()
	if p.closed || c.gen != p.gen {
		p.mu.Unlock()
		p.discard(c)
		return
	}
	c.lastUsedAt = time.Now()
	p.idle = append(p.idle, c)
	p.notifyLocked()
	p.mu.Unlock()
}

// InvalidateAll drains and closes every connection for the server.
// Connections currently checked out are discarded when released.
// Future checkouts dial fresh connections.
func (p *Pool) InvalidateAll() {
	p.mu.Lock()
	drained := p.idle
	p.idle = nil
	p.gen++
	p.open -= len(drained)
	p.notifyLocked()
	p.mu.Unlock()

	if len(drained) > 0 {
		p.logger.Info("invalidating pooled connections", "count", len(drained))
	}
	for _, c := range drained {
		c.tc.Close()
	}
}

// Close shuts the pool down. Idle connections are closed; waiters are
// woken and fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	drained := p.idle
	p.idle = nil
	p.open -= len(drained)
	for _, ch := range p.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, c := range drained {
		c.tc.Close()
	}
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Server string `json:"server"`
	Open   int    `json:"open"`
	Idle   int    `json:"idle"`
	Max    int    `json:"max"`
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Server: p.server, Open: p.open, Idle: len(p.idle), Max: p.cfg.MaxConns}
}

// popIdleLocked pops the most recently used idle connection, expiring
// stale ones along the way. Caller must hold p.mu.
func (p *Pool) popIdleLocked() *Conn {
	now := time.Now()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout {
			p.open--
			go c.tc.Close() // close outside the lock
			continue
		}
		return c
	}
	return nil
}

// revalidate pings a suspect connection with a short deadline.
func (p *Pool) revalidate(ctx context.Context, c *Conn) error {
	if p.validate == nil {
		return errors.New("no validator configured")
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.validate(probeCtx, c.tc); err != nil {
		p.logger.Debug("suspect connection failed revalidation", "error", err)
		return err
	}
	return nil
}

// discard closes a connection and gives its slot back.
func (p *Pool) discard(c *Conn) {
	c.tc.Close()
	p.mu.Lock()
	p.open--
	p.notifyLocked()
	p.mu.Unlock()
}

// notifyLocked wakes one waiter. Caller must hold p.mu.
func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case ch <- struct{}{}:
	default:
	}
}

// removeWaiter drops a waiter that gave up. notifyLocked dequeues and
// delivers under p.mu, so once this holds the lock either the waiter
// is still queued or its token already landed; a landed token is
// passed on so giving up never swallows a wakeup.
func (p *Pool) removeWaiter(ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	select {
	case <-ch:
		p.notifyLocked()
	default:
	}
}

// generation reads the current invalidation generation.
func (p *Pool) generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}
