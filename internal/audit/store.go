package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists call records to SQLite. The caller owns the *sql.DB
// and registers the driver (blank-import github.com/mattn/go-sqlite3).
type Store struct {
	db *sql.DB
}

// NewStore creates a persistent audit store, running migrations on
// open.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			server TEXT NOT NULL,
			tool TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_us INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_calls_server_started
			ON calls(server, started_at DESC);

		CREATE INDEX IF NOT EXISTS idx_calls_outcome
			ON calls(outcome);
	`)
	return err
}

// Append writes one record.
func (s *Store) Append(r Record) error {
	_, err := s.db.Exec(`
		INSERT INTO calls (id, server, tool, started_at, duration_us, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID.String(), r.Server, r.Tool, r.StartedAt.Format(time.RFC3339Nano),
		r.Duration.Microseconds(), string(r.Outcome), nullable(r.Error))
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns a server's most recent records, newest first.
func (s *Store) Recent(server string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, server, tool, started_at, duration_us, outcome, error
		FROM calls WHERE server = ?
		ORDER BY started_at DESC LIMIT ?
	`, server, limit)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records older than the given age and returns how many
// were removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM calls WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune call records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		r          Record
		idStr      string
		startedStr string
		durationUS int64
		outcome    string
		errStr     sql.NullString
	)
	if err := rows.Scan(&idStr, &r.Server, &r.Tool, &startedStr, &durationUS, &outcome, &errStr); err != nil {
		return Record{}, fmt.Errorf("scan call record: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse record id: %w", err)
	}
	started, err := time.Parse(time.RFC3339Nano, startedStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse started_at: %w", err)
	}
	r.ID = id
	r.StartedAt = started
	r.Duration = time.Duration(durationUS) * time.Microsecond
	r.Outcome = Outcome(outcome)
	if errStr.Valid {
		r.Error = errStr.String
	}
	return r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
