// Package audit keeps a diagnostic trail of tool calls: an in-memory
// ring buffer per server, and an optional SQLite store for trails
// that should survive restarts.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeTimeout     Outcome = "timeout"
)

// Record is one completed tool call.
type Record struct {
	ID        uuid.UUID     `json:"id"`
	Server    string        `json:"server"`
	Tool      string        `json:"tool"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// NewRecord builds a record with a time-ordered id.
func NewRecord(server, tool string, startedAt time.Time, d time.Duration, outcome Outcome, callErr error) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate id: %w", err)
	}
	r := Record{
		ID:        id,
		Server:    server,
		Tool:      tool,
		StartedAt: startedAt.UTC(),
		Duration:  d,
		Outcome:   outcome,
	}
	if callErr != nil {
		r.Error = callErr.Error()
	}
	return r, nil
}

// Trail is a capped per-server ring buffer of records. Appends past
// the cap overwrite the oldest entry for that server.
type Trail struct {
	mu      sync.Mutex
	cap     int
	servers map[string]*ring
}

// DefaultTrailSize is the per-server record cap when none is given.
const DefaultTrailSize = 256

// NewTrail creates a trail keeping up to capPerServer records per
// server.
func NewTrail(capPerServer int) *Trail {
	if capPerServer <= 0 {
		capPerServer = DefaultTrailSize
	}
	return &Trail{
		cap:     capPerServer,
		servers: make(map[string]*ring),
	}
}

// Append adds a record to its server's buffer.
func (t *Trail) Append(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rg := t.servers[r.Server]
	if rg == nil {
		rg = &ring{buf: make([]Record, t.cap)}
		t.servers[r.Server] = rg
	}
	rg.push(r)
}

// Records returns a server's records in chronological order, oldest
// first. The returned slice is a copy.
func (t *Trail) Records(server string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rg := t.servers[server]
	if rg == nil {
		return nil
	}
	return rg.snapshot()
}

// Servers lists servers with at least one record.
func (t *Trail) Servers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.servers))
	for name := range t.servers {
		names = append(names, name)
	}
	return names
}

// ring is a fixed-capacity overwrite buffer.
type ring struct {
	buf  []Record
	next int
	full bool
}

func (r *ring) push(rec Record) {
	r.buf[r.next] = rec
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot() []Record {
	if !r.full {
		out := make([]Record, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
