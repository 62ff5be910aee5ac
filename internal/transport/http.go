package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/moorings/ferry/internal/httpkit"
	"github.com/moorings/ferry/internal/jsonrpc"
)

// maxResponseBody bounds how much of a tool server response is read.
const maxResponseBody = 10 << 20 // 10 MiB

// HTTPSpec describes a tool server reachable over HTTP: each JSON-RPC
// request is an HTTP POST, the response comes back in the body.
// Connection reuse is delegated to the underlying keep-alive pool.
type HTTPSpec struct {
	// URL is the server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string

	// Client overrides the shared httpkit client. Tests use this.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Kind implements Spec.
func (s HTTPSpec) Kind() string { return "http" }

// Dial builds the logical connection. No bytes hit the wire yet — for
// HTTP, reachability is proven by the first request — so Dial only
// fails on misconfiguration.
func (s HTTPSpec) Dial(_ context.Context) (Conn, error) {
	if s.URL == "" {
		return nil, &ConnectError{Kind: s.Kind(), Target: s.URL, Err: fmt.Errorf("empty URL")}
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := s.Client
	if client == nil {
		client = httpkit.NewClient()
	}

	return &httpConn{
		url:         s.URL,
		headers:     s.Headers,
		bearerToken: s.BearerToken,
		httpClient:  client,
		logger:      logger,
	}, nil
}

// httpConn carries JSON-RPC over HTTP POST. A session id handed back by
// the server is echoed on subsequent requests for session affinity.
type httpConn struct {
	url         string
	headers     map[string]string
	bearerToken string
	httpClient  *http.Client
	logger      *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

func (c *httpConn) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	if c.bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	c.mu.RLock()
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session", c.sessionID)
	}
	c.mu.RUnlock()

	return httpReq, nil
}

// Send posts the request and decodes the response body.
func (c *httpConn) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, &TransportError{Kind: "http", Op: "send", Err: err}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Kind: "http", Op: "send", Err: fmt.Errorf("POST %s: %w", c.url, err)}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Capture session ID from response.
	if sid := httpResp.Header.Get("Mcp-Session"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, &TransportError{
			Kind: "http", Op: "send",
			Err: fmt.Errorf("server returned %d: %s", httpResp.StatusCode, errBody),
		}
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Kind: "http", Op: "read", Err: fmt.Errorf("read response body: %w", err)}
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &TransportError{Kind: "http", Op: "read", Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	return &resp, nil
}

// Notify posts a notification. Accepts 200 and 202 since servers
// commonly acknowledge notifications with Accepted.
func (c *httpConn) Notify(ctx context.Context, notif *jsonrpc.Notification) error {
	httpReq, err := c.newRequest(ctx, notif)
	if err != nil {
		return &TransportError{Kind: "http", Op: "notify", Err: err}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Kind: "http", Op: "notify", Err: fmt.Errorf("POST %s: %w", c.url, err)}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return &TransportError{
			Kind: "http", Op: "notify",
			Err: fmt.Errorf("server returned %d: %s", httpResp.StatusCode, errBody),
		}
	}

	return nil
}

// Notifications is nil: plain request/response HTTP has no server push.
func (c *httpConn) Notifications() <-chan *jsonrpc.Notification { return nil }

// Close is a no-op; the underlying HTTP client owns its pool.
func (c *httpConn) Close() error { return nil }
