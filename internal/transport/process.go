package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/moorings/ferry/internal/jsonrpc"
)

// processStopGrace is how long Close waits for a subprocess to exit
// after its stdin is closed before killing it.
const processStopGrace = 5 * time.Second

// ProcessSpec describes a tool server run as a child process speaking
// newline-delimited JSON-RPC on stdin/stdout.
type ProcessSpec struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// BaseEnv is the subprocess's starting environment ("KEY=value"
	// entries). Nil means inherit the current process environment; an
	// empty non-nil slice starts clean. A security policy's sanitized
	// environment plugs in here.
	BaseEnv []string

	// Env are additional environment variables for the subprocess,
	// appended to BaseEnv. Always applied, even under a restrictive
	// policy.
	Env map[string]string

	// WorkDir is the subprocess working directory. Empty means inherit.
	WorkDir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Kind implements Spec.
func (s ProcessSpec) Kind() string { return "process" }

// Dial spawns the subprocess and wires up its pipes. The process is
// killed on every failure path; a successfully returned conn owns it
// until Close.
func (s ProcessSpec) Dial(ctx context.Context) (Conn, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = s.WorkDir
	base := s.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append([]string{}, base...)
	for k, v := range s.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectError{Kind: s.Kind(), Target: s.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &ConnectError{Kind: s.Kind(), Target: s.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &ConnectError{Kind: s.Kind(), Target: s.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, &ConnectError{Kind: s.Kind(), Target: s.Command, Err: err}
	}

	c := &processConn{
		command: s.Command,
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		reader:  bufio.NewReaderSize(stdout, 1<<20), // 1 MiB buffer for large responses
	}

	// Drain stderr in the background.
	go c.drainStderr(stderrPipe)

	logger.Info("tool server subprocess started",
		"command", s.Command,
		"pid", cmd.Process.Pid,
	)
	return c, nil
}

// processConn is one live subprocess channel. The mutex serializes
// Send/Notify since stdio is inherently sequential.
type processConn struct {
	command string
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	closed bool
}

// drainStderr reads stderr lines and logs them at debug level.
func (c *processConn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("tool server stderr", "command", c.command, "line", scanner.Text())
	}
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// Send writes the request to stdin and reads lines from stdout until a
// response with a matching id arrives. The read runs in a goroutine so
// context cancellation can interrupt a blocking read; cancellation
// kills the subprocess, since a half-read pipe cannot be resynced.
func (c *processConn) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &TransportError{Kind: "process", Op: "send", Err: errors.New("connection closed")}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Kind: "process", Op: "send", Err: fmt.Errorf("marshal request: %w", err)}
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		c.kill()
		return nil, &TransportError{Kind: "process", Op: "send", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}

	// The read goroutine can outlive a cancelled Send, so it works on a
	// local copy of the reader rather than touching conn fields.
	reader := c.reader

	// The subprocess may emit notifications or unrelated lines before
	// the actual response, so loop until the id matches.
	for {
		ch := make(chan readResult, 1)
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			// Kill the subprocess so the blocked read unblocks.
			c.kill()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				c.kill()
				return nil, &TransportError{Kind: "process", Op: "read", Err: fmt.Errorf("read from subprocess stdout: %w", res.err)}
			}

			var resp jsonrpc.Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				c.logger.Debug("skipping non-JSON line from tool server",
					"command", c.command,
					"line", string(res.line),
				)
				continue
			}

			if resp.ID == req.ID {
				return &resp, nil
			}

			c.logger.Debug("skipping unmatched tool server message", "id", resp.ID)
		}
	}
}

// Notify writes a notification to stdin. No response is expected.
func (c *processConn) Notify(ctx context.Context, notif *jsonrpc.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &TransportError{Kind: "process", Op: "notify", Err: errors.New("connection closed")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return &TransportError{Kind: "process", Op: "notify", Err: fmt.Errorf("marshal notification: %w", err)}
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		c.kill()
		return &TransportError{Kind: "process", Op: "notify", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}

	return nil
}

// Notifications is nil for process conns: the sequential read loop in
// Send consumes the stream, so server pushes outside a call window are
// dropped rather than delivered.
func (c *processConn) Notifications() <-chan *jsonrpc.Notification { return nil }

// Close terminates the subprocess: close stdin to request a graceful
// exit, wait briefly, then kill.
func (c *processConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	c.logger.Info("stopping tool server subprocess", "command", c.command, "pid", c.cmd.Process.Pid)

	if c.stdin != nil {
		c.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		c.cmd = nil
		return err
	case <-time.After(processStopGrace):
		c.logger.Warn("tool server subprocess did not exit gracefully, killing",
			"command", c.command,
			"pid", c.cmd.Process.Pid,
		)
		_ = c.cmd.Process.Kill()
		<-done
		c.cmd = nil
		return nil
	}
}

// kill force-terminates the subprocess after an I/O failure. The conn
// is unusable afterwards; closed gates every entry point, and the
// reader/stdin fields are left in place because an interrupted Send's
// read goroutine may still be running against them.
// Caller must hold c.mu.
func (c *processConn) kill() {
	if c.closed {
		return
	}
	c.closed = true

	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}
