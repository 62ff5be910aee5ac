// Package transport unifies the three channel kinds that carry JSON-RPC
// tool-protocol messages — spawned child process (stdio pipes), HTTP
// request/response, and persistent WebSocket — behind one dial/send
// contract.
//
// A Spec describes how to reach a server and is chosen once, when the
// server descriptor is built. Call sites only ever see Conn; the
// concrete kind is never inspected again.
//
// Two error types split the taxonomy the layers above depend on:
// ConnectError means the channel could not be established (retryable,
// counts against the pool's dial path), TransportError means an
// established channel failed mid-call (the pool discards the
// connection). Protocol-level tool failures are neither — they come
// back as ordinary responses and are classified upstream.
package transport

import (
	"context"
	"fmt"

	"github.com/moorings/ferry/internal/jsonrpc"
)

// Conn is one live channel to a tool server. A Conn serves one call at
// a time unless the underlying transport multiplexes (WebSocket, where
// concurrent requests are demultiplexed by id). Conn implementations
// are safe for concurrent use.
type Conn interface {
	// Send delivers a JSON-RPC request and returns the correlated
	// response. Context cancellation aborts the pending exchange.
	Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)

	// Notify delivers a JSON-RPC notification. No response is expected.
	Notify(ctx context.Context, notif *jsonrpc.Notification) error

	// Notifications returns the channel of server-initiated
	// notifications, or nil if the transport cannot carry them
	// (process and HTTP).
	Notifications() <-chan *jsonrpc.Notification

	// Close tears down the channel and releases its resources. For
	// process transports this terminates the subprocess.
	Close() error
}

// Spec describes how to reach one tool server. Dial establishes a
// fresh Conn; the pool calls it once per pooled slot.
type Spec interface {
	// Dial establishes a new connection. Failures are *ConnectError.
	Dial(ctx context.Context) (Conn, error)

	// Kind names the transport (process, http, websocket) for logs.
	Kind() string
}

// ConnectError reports a failure to establish a channel.
type ConnectError struct {
	Kind   string // transport kind
	Target string // command or URL
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s %s: %v", e.Kind, e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports an I/O failure on an established channel.
// The connection that produced it must not be reused.
type TransportError struct {
	Kind string
	Op   string // "send", "read", "notify", "exit"
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
