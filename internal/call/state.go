package call

import (
	"errors"
	"fmt"
	"slices"
)

// State is the lifecycle position of a call session.
type State uint8

const (
	StateRequested State = iota + 1
	StateAccepted
	StateActive
	StateDeclined
	StateEnded
)

var ErrInvalidTransition = errors.New("call: invalid state transition")

// transitions is the complete transition table. ENDED is absorbing.
var transitions = map[State][]State{
	StateRequested: {StateAccepted, StateDeclined, StateEnded},
	StateAccepted:  {StateActive, StateEnded},
	StateActive:    {StateEnded},
	StateDeclined:  {StateEnded},
	StateEnded:     nil,
}

func (s State) String() string {
	switch s {
	case StateRequested:
		return "REQUESTED"
	case StateAccepted:
		return "ACCEPTED"
	case StateActive:
		return "ACTIVE"
	case StateDeclined:
		return "DECLINED"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) CanTransition(to State) bool {
	return slices.Contains(transitions[s], to)
}

// Live reports whether the session has a room both parties may signal in.
func (s State) Live() bool {
	return s == StateAccepted || s == StateActive
}

func (s State) Terminal() bool { return s == StateEnded }

// EndReason is carried in call-ended notifications and the call history.
type EndReason string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonDeclined         EndReason = "declined"
	ReasonPeerDisconnected EndReason = "peer_disconnected"
	ReasonTimeout          EndReason = "timeout"
	ReasonShutdown         EndReason = "shutdown"
)
