// Package presence tracks the availability of connected lawyers.
//
// A Store is not safe for concurrent use; the hub serializes access.
package presence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vakeelsaab/vakeel-signal/internal/auth"
)

type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

var (
	ErrNotLawyer     = errors.New("presence: only lawyers have a status")
	ErrInvalidStatus = errors.New("presence: invalid status")
	ErrNotConnected  = errors.New("presence: lawyer is not connected")
)

// ParseStatus accepts any known status, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusOnline, StatusBusy, StatusOffline:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Settable reports whether a lawyer may choose s for themselves. OFFLINE is
// implied by disconnecting and cannot be set explicitly.
func (s Status) Settable() bool {
	return s == StatusOnline || s == StatusBusy
}

type Entry struct {
	Username string `json:"username"`
	Status   Status `json:"status"`
}

type Store struct {
	statuses map[string]Status
}

func New() *Store {
	return &Store{statuses: make(map[string]Status)}
}

// Add creates the entry for a newly connected lawyer, replacing any entry
// left by a superseded connection.
func (s *Store) Add(username string, initial Status) {
	s.statuses[username] = initial
}

func (s *Store) Remove(username string) {
	delete(s.statuses, username)
}

func (s *Store) Status(username string) (Status, bool) {
	st, ok := s.statuses[username]
	return st, ok
}

// SetStatus applies a lawyer's own status update. It reports whether the
// stored status changed.
func (s *Store) SetStatus(id auth.Identity, status Status) (bool, error) {
	if !id.IsLawyer() {
		return false, ErrNotLawyer
	}
	if !status.Settable() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	cur, ok := s.statuses[id.Username]
	if !ok {
		return false, ErrNotConnected
	}
	if cur == status {
		return false, nil
	}
	s.statuses[id.Username] = status
	return true, nil
}

// Snapshot lists entries in the given order, which is the registry's
// insertion order. Usernames without an entry are skipped.
func (s *Store) Snapshot(order []string) []Entry {
	out := make([]Entry, 0, len(s.statuses))
	for _, name := range order {
		if st, ok := s.statuses[name]; ok {
			out = append(out, Entry{Username: name, Status: st})
		}
	}
	return out
}

func (s *Store) Len() int { return len(s.statuses) }
