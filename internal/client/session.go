package client

import (
	"context"
	"log/slog"

	"github.com/moorings/ferry/internal/protocol"
	"github.com/moorings/ferry/internal/transport"
)

// sessionConn pairs a raw connection with its initialized protocol
// session. The pool stores these, so every checked-out connection is
// already past the handshake.
type sessionConn struct {
	transport.Conn
	session *protocol.Session
}

// handshakeSpec wraps a transport spec so that dialing also performs
// the protocol handshake. A connection that cannot complete the
// handshake is a connect-time failure, same as a refused dial.
type handshakeSpec struct {
	server string
	inner  transport.Spec
	logger *slog.Logger
}

func (h *handshakeSpec) Kind() string { return h.inner.Kind() }

func (h *handshakeSpec) Dial(ctx context.Context) (transport.Conn, error) {
	conn, err := h.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}

	sess := protocol.NewSession(h.server, conn, h.logger)
	if err := sess.Initialize(ctx); err != nil {
		conn.Close()
		return nil, &transport.ConnectError{
			Kind:   h.inner.Kind(),
			Target: h.server,
			Err:    err,
		}
	}

	return &sessionConn{Conn: conn, session: sess}, nil
}
