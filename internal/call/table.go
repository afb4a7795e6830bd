// Package call implements the per-pair call negotiation state machine.
//
// Sessions are keyed by the unordered pair of usernames plus the room kind, so
// at most one negotiation of each kind exists between two users. Ended
// sessions are removed from the table and returned to the caller for
// notification and auditing.
//
// A Table is not safe for concurrent use; the hub serializes access.
package call

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/vakeelsaab/vakeel-signal/internal/room"
)

var (
	ErrDuplicateRequest = errors.New("call: request already pending")
	ErrSessionExists    = errors.New("call: already in a call with this user")
	ErrCalleeBusy       = errors.New("call: callee is in another call")
	ErrInitiatorBusy    = errors.New("call: initiator is in another call")
	ErrNoSession        = errors.New("call: no matching session")
	ErrSelfCall         = errors.New("call: cannot call yourself")
)

// Key identifies a session independently of who initiated it.
type Key struct {
	A, B string
	Kind room.Kind
}

func KeyOf(x, y string, kind room.Kind) Key {
	if y < x {
		x, y = y, x
	}
	return Key{A: x, B: y, Kind: kind}
}

type Session struct {
	ID        string
	Initiator string
	Callee    string
	Kind      room.Kind
	State     State
	RoomID    string

	RequestedAt time.Time
	AcceptedAt  time.Time
	EndedAt     time.Time
	// EndedFrom is the state the session was in when it ended.
	EndedFrom State
	EndReason EndReason

	seq uint64
}

func (s *Session) Key() Key { return KeyOf(s.Initiator, s.Callee, s.Kind) }

func (s *Session) Involves(username string) bool {
	return s.Initiator == username || s.Callee == username
}

// Counterpart returns the other participant; username must be one of them.
func (s *Session) Counterpart(username string) string {
	if username == s.Initiator {
		return s.Callee
	}
	return s.Initiator
}

func (s *Session) transition(to State) error {
	if !s.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

type Table struct {
	sessions map[Key]*Session
	seq      uint64
	newID    func() string
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[Key]*Session),
		newID:    uuid.NewString,
	}
}

// Request opens a REQUESTED session from initiator to callee.
func (t *Table) Request(initiator, callee string, kind room.Kind, now time.Time) (Session, error) {
	if initiator == callee {
		return Session{}, ErrSelfCall
	}
	if !kind.Valid() {
		return Session{}, room.ErrUnknownKind
	}
	key := KeyOf(initiator, callee, kind)
	if s, ok := t.sessions[key]; ok {
		if s.State == StateRequested {
			return *s, ErrDuplicateRequest
		}
		return *s, ErrSessionExists
	}
	if t.busy(callee, kind) {
		return Session{}, ErrCalleeBusy
	}

	t.seq++
	s := &Session{
		ID:          t.newID(),
		Initiator:   initiator,
		Callee:      callee,
		Kind:        kind,
		State:       StateRequested,
		RequestedAt: now,
		seq:         t.seq,
	}
	t.sessions[key] = s
	return *s, nil
}

// Accept moves the REQUESTED session initiated by initiator towards callee to
// ACCEPTED and assigns its room. Neither party may already hold a live
// session of the same kind; the request stays pending when one does.
func (t *Table) Accept(callee, initiator string, kind room.Kind, now time.Time) (Session, error) {
	s, err := t.pending(callee, initiator, kind)
	if err != nil {
		return Session{}, err
	}
	if t.busy(s.Callee, s.Kind) {
		return Session{}, ErrCalleeBusy
	}
	if t.busy(s.Initiator, s.Kind) {
		return Session{}, ErrInitiatorBusy
	}
	roomID, err := room.MakeID(s.Kind, s.Initiator, s.Callee)
	if err != nil {
		return Session{}, err
	}
	if err := s.transition(StateAccepted); err != nil {
		return Session{}, err
	}
	s.RoomID = roomID
	s.AcceptedAt = now
	return *s, nil
}

// Decline ends a REQUESTED session by way of DECLINED.
func (t *Table) Decline(callee, initiator string, kind room.Kind, now time.Time) (Session, error) {
	s, err := t.pending(callee, initiator, kind)
	if err != nil {
		return Session{}, err
	}
	if err := s.transition(StateDeclined); err != nil {
		return Session{}, err
	}
	return t.end(s, ReasonDeclined, now), nil
}

func (t *Table) pending(callee, initiator string, kind room.Kind) (*Session, error) {
	s, ok := t.sessions[KeyOf(callee, initiator, kind)]
	if !ok || s.State != StateRequested || s.Callee != callee {
		return nil, ErrNoSession
	}
	return s, nil
}

// Relay authorizes signaling between from and to. It requires a live session
// between them and marks an ACCEPTED session ACTIVE on first use.
func (t *Table) Relay(from, to string) (s Session, activated bool, err error) {
	live := t.between(from, to, func(s *Session) bool { return s.State.Live() })
	if live == nil {
		return Session{}, false, ErrNoSession
	}
	if live.State == StateAccepted {
		if err := live.transition(StateActive); err != nil {
			return Session{}, false, err
		}
		activated = true
	}
	return *live, activated, nil
}

// End hangs up the session between from and to. Live sessions take priority
// over pending requests, which either side may also cancel.
func (t *Table) End(from, to string, now time.Time) (Session, error) {
	s := t.between(from, to, func(s *Session) bool { return s.State.Live() })
	if s == nil {
		s = t.between(from, to, func(s *Session) bool { return s.State == StateRequested })
	}
	if s == nil {
		return Session{}, ErrNoSession
	}
	return t.end(s, ReasonHangup, now), nil
}

// Terminate ends every session involving username, oldest first.
func (t *Table) Terminate(username string, reason EndReason, now time.Time) []Session {
	return t.endWhere(func(s *Session) bool { return s.Involves(username) }, reason, now)
}

// Expire ends REQUESTED sessions that have waited at least timeout.
// A non-positive timeout disables expiry.
func (t *Table) Expire(now time.Time, timeout time.Duration) []Session {
	if timeout <= 0 {
		return nil
	}
	return t.endWhere(func(s *Session) bool {
		return s.State == StateRequested && !now.Before(s.RequestedAt.Add(timeout))
	}, ReasonTimeout, now)
}

// EndAll ends every session. Used when draining the hub.
func (t *Table) EndAll(reason EndReason, now time.Time) []Session {
	return t.endWhere(func(*Session) bool { return true }, reason, now)
}

func (t *Table) Get(x, y string, kind room.Kind) (Session, bool) {
	s, ok := t.sessions[KeyOf(x, y, kind)]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns all open sessions, oldest first.
func (t *Table) Sessions() []Session {
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.ordered(func(*Session) bool { return true }) {
		out = append(out, *s)
	}
	return out
}

func (t *Table) Len() int { return len(t.sessions) }

func (t *Table) busy(username string, kind room.Kind) bool {
	for key, s := range t.sessions {
		if key.Kind == kind && s.Involves(username) && s.State.Live() {
			return true
		}
	}
	return false
}

func (t *Table) between(x, y string, match func(*Session) bool) *Session {
	for _, kind := range []room.Kind{room.KindVideo, room.KindAudio} {
		if s, ok := t.sessions[KeyOf(x, y, kind)]; ok && match(s) {
			return s
		}
	}
	return nil
}

func (t *Table) ordered(match func(*Session) bool) []*Session {
	var out []*Session
	for _, s := range t.sessions {
		if match(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func (t *Table) endWhere(match func(*Session) bool, reason EndReason, now time.Time) []Session {
	var ended []Session
	for _, s := range t.ordered(match) {
		ended = append(ended, t.end(s, reason, now))
	}
	return ended
}

func (t *Table) end(s *Session, reason EndReason, now time.Time) Session {
	from := s.State
	if from == StateDeclined {
		from = StateRequested
	}
	// Every non-terminal state may end; the table only holds non-terminal sessions.
	_ = s.transition(StateEnded)
	s.EndedFrom = from
	s.EndReason = reason
	s.EndedAt = now
	delete(t.sessions, s.Key())
	return *s
}
