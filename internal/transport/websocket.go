package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/moorings/ferry/internal/jsonrpc"
)

// wsReadLimit caps a single inbound WebSocket message.
const wsReadLimit = 10 << 20 // 10 MiB

// wsNotifyBuffer is the capacity of the server-notification channel.
// Slow consumers drop rather than stall the read loop.
const wsNotifyBuffer = 64

// WebSocketSpec describes a tool server reachable over a persistent
// WebSocket. One connection carries concurrent requests; responses are
// demultiplexed by JSON-RPC id.
type WebSocketSpec struct {
	// URL is the ws:// or wss:// endpoint. http(s) schemes are
	// rewritten to their WebSocket equivalents.
	URL string

	// Headers are additional handshake headers.
	Headers map[string]string

	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Kind implements Spec.
func (s WebSocketSpec) Kind() string { return "websocket" }

// Dial upgrades to a WebSocket and starts the read loop.
func (s WebSocketSpec) Dial(ctx context.Context) (Conn, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, &ConnectError{Kind: s.Kind(), Target: s.URL, Err: fmt.Errorf("parse URL: %w", err)}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range s.Headers {
		header.Set(k, v)
	}
	if s.BearerToken != "" {
		header.Set("Authorization", "Bearer "+s.BearerToken)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024, // 1MB: tool results can be large
		WriteBufferSize: 64 * 1024,
	}

	wsConn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &ConnectError{Kind: s.Kind(), Target: s.URL, Err: err}
	}
	wsConn.SetReadLimit(wsReadLimit)

	c := &wsChannel{
		url:     s.URL,
		conn:    wsConn,
		pending: make(map[int64]chan *jsonrpc.Response),
		notifs:  make(chan *jsonrpc.Notification, wsNotifyBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}

	go c.readLoop()

	logger.Info("websocket connected", "url", s.URL)
	return c, nil
}

// wsEnvelope is the superset of message shapes arriving on the socket:
// responses (id + result/error) and notifications (method, no id).
type wsEnvelope struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int64             `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  json.RawMessage   `json:"params,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *jsonrpc.RPCError `json:"error,omitempty"`
}

// wsChannel is one live WebSocket channel. Concurrent Sends share the
// connection; the pending table keyed by request id routes each
// response to its caller.
type wsChannel struct {
	url    string
	logger *slog.Logger

	writeMu sync.Mutex // serializes writes per gorilla's contract
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpc.Response

	notifs chan *jsonrpc.Notification

	closeOnce sync.Once
	done      chan struct{}
	readErr   error // set before done is closed
}

// Send registers a pending slot for the request id, writes the frame,
// and waits for the read loop to route the response back.
func (c *wsChannel) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	respCh := make(chan *jsonrpc.Response, 1)

	c.pendingMu.Lock()
	if _, dup := c.pending[req.ID]; dup {
		c.pendingMu.Unlock()
		return nil, &TransportError{Kind: "websocket", Op: "send", Err: fmt.Errorf("duplicate request id %d", req.ID)}
	}
	c.pending[req.ID] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeJSON(req); err != nil {
		return nil, &TransportError{Kind: "websocket", Op: "send", Err: err}
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, &TransportError{Kind: "websocket", Op: "read", Err: c.readErr}
	}
}

// Notify writes a notification frame. No correlation needed.
func (c *wsChannel) Notify(ctx context.Context, notif *jsonrpc.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return &TransportError{Kind: "websocket", Op: "notify", Err: c.readErr}
	default:
	}
	if err := c.writeJSON(notif); err != nil {
		return &TransportError{Kind: "websocket", Op: "notify", Err: err}
	}
	return nil
}

// Notifications returns server-initiated notifications. The channel is
// closed when the connection dies.
func (c *wsChannel) Notifications() <-chan *jsonrpc.Notification { return c.notifs }

// Close tears down the socket. The read loop exits and fails all
// pending calls.
func (c *wsChannel) Close() error {
	c.shutdown(errors.New("connection closed"))
	return c.conn.Close()
}

func (c *wsChannel) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// shutdown marks the conn dead exactly once and wakes all waiters.
// notifs stays open here: the read loop is its only sender and closes
// it on exit, so a Close racing an inbound notification cannot hit a
// closed channel.
func (c *wsChannel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.done)
	})
}

// readLoop owns the read side: every inbound frame is either routed to
// a pending call or fanned out as a notification. It is the sole
// sender on notifs and closes it when the loop ends.
func (c *wsChannel) readLoop() {
	defer close(c.notifs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("websocket read loop ended", "url", c.url, "error", err)
			c.shutdown(err)
			c.conn.Close()
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("skipping malformed websocket message", "url", c.url, "error", err)
			continue
		}

		// Notification: method set, no id.
		if env.Method != "" && env.ID == 0 {
			notif := &jsonrpc.Notification{
				JSONRPC: env.JSONRPC,
				Method:  env.Method,
				Params:  env.Params,
			}
			select {
			case c.notifs <- notif:
			default:
				c.logger.Warn("dropping server notification, consumer too slow",
					"url", c.url,
					"method", env.Method,
				)
			}
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		c.pendingMu.Unlock()

		if !ok {
			// Response to a cancelled or unknown call.
			c.logger.Debug("skipping unmatched websocket response", "url", c.url, "id", env.ID)
			continue
		}

		ch <- &jsonrpc.Response{
			JSONRPC: env.JSONRPC,
			ID:      env.ID,
			Result:  env.Result,
			Error:   env.Error,
		}
	}
}
