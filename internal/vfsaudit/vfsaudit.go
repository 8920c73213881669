// Package vfsaudit is an append-only security log for the VFS layer: every
// sandbox rejection and every successful local-backend write is recorded
// with its path, backend, timestamp and outcome. It exists purely for
// after-the-fact security review — nothing reads it back to reconstitute
// a session, so it does not reopen spec.md's cross-restart persistence
// Non-goal.
//
// Grounded on the donor's internal/relay.BandwidthMeter, which syncs a
// counter to a modernc.org/sqlite-backed table on an interval; this sink
// instead appends one row per event, no batching.
package vfsaudit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeRejected Outcome = "rejected"
)

// Sink is an append-only log of VFS operations worth keeping for security
// review. Safe for concurrent use — database/sql pools its own
// connections.
type Sink struct {
	db *sql.DB
}

// Open creates or attaches to a sqlite database at path and ensures the
// audit table exists.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vfsaudit: open: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS vfs_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	path TEXT NOT NULL,
	op TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL,
	recorded_at TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vfsaudit: create table: %w", err)
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

// Record appends one audit row. The VFS registry ignores a failed Record
// rather than escalating it into a VFS operation failure — the audit
// trail is best-effort observability, not a correctness gate.
func (s *Sink) Record(ctx context.Context, sessionID, backend, path, op string, outcome Outcome, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vfs_audit (session_id, backend, path, op, outcome, detail, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, backend, path, op, string(outcome), detail, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("vfsaudit: record: %w", err)
	}
	return nil
}

// RejectedCount returns the number of rejected (sandbox-escape) events
// recorded for sessionID, used by tests and diagnostics.
func (s *Sink) RejectedCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vfs_audit WHERE session_id = ? AND outcome = ?`,
		sessionID, string(OutcomeRejected),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vfsaudit: count: %w", err)
	}
	return n, nil
}
