// Package callhistory keeps an append-only audit log of finished calls in
// SQLite.
package callhistory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vakeelsaab/vakeel-signal/internal/call"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

var ErrClosed = errors.New("callhistory: store is closed")

const schema = `CREATE TABLE IF NOT EXISTS calls (
	id           TEXT PRIMARY KEY,
	initiator    TEXT NOT NULL,
	callee       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	room_id      TEXT NOT NULL DEFAULT '',
	ended_from   TEXT NOT NULL,
	reason       TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	accepted_at  INTEGER NOT NULL DEFAULT 0,
	ended_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_initiator ON calls (initiator, ended_at);
CREATE INDEX IF NOT EXISTS calls_callee ON calls (callee, ended_at);`

// Record is one finished call as stored.
type Record struct {
	ID          string     `json:"id"`
	Initiator   string     `json:"initiator"`
	Callee      string     `json:"callee"`
	Kind        string     `json:"kind"`
	RoomID      string     `json:"roomId,omitempty"`
	EndedFrom   string     `json:"endedFrom"`
	Reason      string     `json:"reason"`
	RequestedAt time.Time  `json:"requestedAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	EndedAt     time.Time  `json:"endedAt"`
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("callhistory: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("callhistory: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("callhistory: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a finished session. Recording the same session twice keeps
// the first row.
func (s *Store) Record(ctx context.Context, sess call.Session) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO calls
		(id, initiator, callee, kind, room_id, ended_from, reason, requested_at, accepted_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.Initiator, sess.Callee, sess.Kind.String(), sess.RoomID,
		sess.EndedFrom.String(), string(sess.EndReason),
		millis(sess.RequestedAt), millis(sess.AcceptedAt), millis(sess.EndedAt))
	if err != nil {
		return fmt.Errorf("callhistory: record %s: %w", sess.ID, err)
	}
	return nil
}

// ListForUser returns the calls username took part in, most recent first.
// limit is clamped to [1, MaxListLimit]; zero means DefaultListLimit.
func (s *Store) ListForUser(ctx context.Context, username string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT
		id, initiator, callee, kind, room_id, ended_from, reason, requested_at, accepted_at, ended_at
		FROM calls
		WHERE initiator = ? OR callee = ?
		ORDER BY ended_at DESC, rowid DESC
		LIMIT ?`, username, username, limit)
	if err != nil {
		return nil, fmt.Errorf("callhistory: list %s: %w", username, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			r                            Record
			requested, accepted, endedAt int64
		)
		if err := rows.Scan(&r.ID, &r.Initiator, &r.Callee, &r.Kind, &r.RoomID, &r.EndedFrom, &r.Reason,
			&requested, &accepted, &endedAt); err != nil {
			return nil, fmt.Errorf("callhistory: scan: %w", err)
		}
		r.RequestedAt = fromMillis(requested)
		r.EndedAt = fromMillis(endedAt)
		if accepted != 0 {
			t := fromMillis(accepted)
			r.AcceptedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
