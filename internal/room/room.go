// Package room derives two-party room identifiers from the participants of a
// call and recovers the participants from an identifier.
//
// Format (version 1):
//
//	v1~<kind>~<initiator>~<callee>
//
// The identifier is built initiator-first, but lookups treat the participant
// pair as unordered. Usernames must not contain Separator; the transport
// rejects such identities before they reach the hub.
package room

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Separator = "~"
	version1  = "v1"
)

var (
	ErrMalformedID  = errors.New("room: malformed id")
	ErrUnknownKind  = errors.New("room: unknown kind")
	ErrBadUsername  = errors.New("room: invalid username")
	ErrNotAttendant = errors.New("room: user is not a participant")
)

// Kind distinguishes video rooms from audio-only rooms.
type Kind uint8

const (
	KindVideo Kind = iota + 1
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool {
	return k == KindVideo || k == KindAudio
}

func ParseKind(raw string) (Kind, error) {
	switch raw {
	case "video":
		return KindVideo, nil
	case "audio":
		return KindAudio, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// ValidUsername reports whether name can appear as a room participant.
func ValidUsername(name string) bool {
	return name != "" && !strings.Contains(name, Separator)
}

// MakeID returns the identifier for a kind room between initiator and callee.
func MakeID(kind Kind, initiator, callee string) (string, error) {
	if !kind.Valid() {
		return "", ErrUnknownKind
	}
	if !ValidUsername(initiator) || !ValidUsername(callee) {
		return "", ErrBadUsername
	}
	if initiator == callee {
		return "", fmt.Errorf("%w: participants must differ", ErrBadUsername)
	}
	return strings.Join([]string{version1, kind.String(), initiator, callee}, Separator), nil
}

// Participants is the decoded form of a room identifier.
type Participants struct {
	Kind      Kind
	Initiator string
	Callee    string
}

func ParticipantsOf(id string) (Participants, error) {
	parts := strings.Split(id, Separator)
	if len(parts) != 4 || parts[0] != version1 {
		return Participants{}, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	kind, err := ParseKind(parts[1])
	if err != nil {
		return Participants{}, fmt.Errorf("%w: %w", ErrMalformedID, err)
	}
	a, b := parts[2], parts[3]
	if a == "" || b == "" || a == b {
		return Participants{}, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return Participants{Kind: kind, Initiator: a, Callee: b}, nil
}

func (p Participants) Has(username string) bool {
	return username != "" && (p.Initiator == username || p.Callee == username)
}

// Counterpart returns the participant that is not username.
func (p Participants) Counterpart(username string) (string, error) {
	switch username {
	case p.Initiator:
		return p.Callee, nil
	case p.Callee:
		return p.Initiator, nil
	default:
		return "", ErrNotAttendant
	}
}

// Pair returns the participants in lexical order.
func (p Participants) Pair() (string, string) {
	if p.Initiator < p.Callee {
		return p.Initiator, p.Callee
	}
	return p.Callee, p.Initiator
}

// SameRoom reports whether two identifiers name the same kind of room between
// the same two users, regardless of slot order.
func SameRoom(a, b string) bool {
	pa, err := ParticipantsOf(a)
	if err != nil {
		return false
	}
	pb, err := ParticipantsOf(b)
	if err != nil {
		return false
	}
	a1, a2 := pa.Pair()
	b1, b2 := pb.Pair()
	return pa.Kind == pb.Kind && a1 == b1 && a2 == b2
}
