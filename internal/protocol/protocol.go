// Package protocol defines the JSON envelopes exchanged over the signaling
// WebSocket.
//
// Inbound envelopes are parsed into a closed set of variants at the boundary;
// anything outside the set is either an unknown type (dropped without reply)
// or malformed (reported to the sender).
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vakeelsaab/vakeel-signal/internal/room"
)

type Type string

const (
	TypeLawyerList       Type = "lawyer_list"
	TypeCallRequest      Type = "call-request"
	TypeAudioCallRequest Type = "audio-call-request"
	TypeCallAccept       Type = "call-accept"
	TypeAudioCallAccept  Type = "audio-call-accept"
	TypeCallDecline      Type = "call-decline"
	TypeAudioCallDecline Type = "audio-call-decline"
	TypeCallDeclined     Type = "call-declined"
	TypeCallEnded        Type = "call-ended"
	TypeRoomJoined       Type = "room-joined"
	TypeAudioRoomJoined  Type = "audio-room-joined"
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeICECandidate     Type = "ice-candidate"
	TypeChatMessage      Type = "chat-message"
	TypeStatusUpdate     Type = "status-update"
	TypeError            Type = "error"
)

// RoomJoinedType returns the room-joined event type for kind.
func RoomJoinedType(kind room.Kind) Type {
	if kind == room.KindAudio {
		return TypeAudioRoomJoined
	}
	return TypeRoomJoined
}

// CallRequestType returns the call-request event type for kind.
func CallRequestType(kind room.Kind) Type {
	if kind == room.KindAudio {
		return TypeAudioCallRequest
	}
	return TypeCallRequest
}

var (
	// ErrUnknownType marks envelopes whose type is outside the protocol.
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMalformed   = errors.New("protocol: malformed envelope")
)

// envelope is the wire shape shared by every message.
type envelope struct {
	Type   Type            `json:"type"`
	To     string          `json:"to,omitempty"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Inbound is one of the client-to-server message variants.
type Inbound interface {
	InboundType() Type
	isInbound()
}

type CallRequest struct {
	Type Type
	To   string
	Kind room.Kind
}

// CallAccept is sent by the callee; To names the initiator.
type CallAccept struct {
	Type Type
	To   string
	Kind room.Kind
}

// CallDecline is sent by the callee; To names the initiator.
type CallDecline struct {
	Type Type
	To   string
	Kind room.Kind
}

type CallEnded struct {
	To string
}

// Relay is an offer, answer or ICE candidate. Data and RoomID are forwarded
// verbatim.
type Relay struct {
	Type   Type
	To     string
	RoomID string
	Data   json.RawMessage
}

// ChatMessage is addressed by room rather than by username.
type ChatMessage struct {
	RoomID  string
	Message string
	Data    json.RawMessage
}

type StatusUpdate struct {
	Status string
}

func (m CallRequest) InboundType() Type { return m.Type }
func (m CallAccept) InboundType() Type { return m.Type }
func (m CallDecline) InboundType() Type { return m.Type }
func (CallEnded) InboundType() Type { return TypeCallEnded }
func (m Relay) InboundType() Type { return m.Type }
func (ChatMessage) InboundType() Type { return TypeChatMessage }
func (StatusUpdate) InboundType() Type { return TypeStatusUpdate }
func (CallRequest) isInbound() {}
func (CallAccept) isInbound() {}
func (CallDecline) isInbound() {}
func (CallEnded) isInbound() {}
func (Relay) isInbound() {}
func (ChatMessage) isInbound() {}
func (StatusUpdate) isInbound() {}

// MalformedError describes why an envelope was rejected. Ref is the envelope
// type when it could be read.
type MalformedError struct {
	Ref    Type
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("malformed envelope: %s", e.Reason)
	}
	return fmt.Sprintf("malformed %s: %s", e.Ref, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

func malformed(ref Type, format string, args ...any) error {
	return &MalformedError{Ref: ref, Reason: fmt.Sprintf(format, args...)}
}

// ParseInbound validates one text frame. Unknown fields are ignored so
// clients can add metadata; unknown types return ErrUnknownType.
func ParseInbound(raw []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, malformed("", "invalid json: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, malformed(env.Type, "trailing data after envelope")
	}
	if env.Type == "" {
		return nil, malformed("", "missing type")
	}
	to := strings.TrimSpace(env.To)

	switch env.Type {
	case TypeCallRequest, TypeAudioCallRequest:
		if to == "" {
			return nil, malformed(env.Type, "missing to")
		}
		return CallRequest{Type: env.Type, To: to, Kind: kindOf(env.Type)}, nil

	case TypeCallAccept, TypeAudioCallAccept:
		if to == "" {
			to = dataString(env.Data, "clientUsername")
		}
		if to == "" {
			return nil, malformed(env.Type, "missing to")
		}
		return CallAccept{Type: env.Type, To: to, Kind: kindOf(env.Type)}, nil

	case TypeCallDecline, TypeAudioCallDecline:
		if to == "" {
			to = dataString(env.Data, "clientUsername")
		}
		if to == "" {
			return nil, malformed(env.Type, "missing to")
		}
		return CallDecline{Type: env.Type, To: to, Kind: kindOf(env.Type)}, nil

	case TypeCallEnded:
		if to == "" {
			return nil, malformed(env.Type, "missing to")
		}
		return CallEnded{To: to}, nil

	case TypeOffer, TypeAnswer, TypeICECandidate:
		if to == "" {
			return nil, malformed(env.Type, "missing to")
		}
		if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			return nil, malformed(env.Type, "missing data")
		}
		return Relay{Type: env.Type, To: to, RoomID: env.RoomID, Data: env.Data}, nil

	case TypeChatMessage:
		var body struct {
			RoomID  string `json:"roomId"`
			Message string `json:"message"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &body); err != nil {
				return nil, malformed(env.Type, "data must be an object")
			}
		}
		roomID := body.RoomID
		if roomID == "" {
			roomID = env.RoomID
		}
		if roomID == "" {
			return nil, malformed(env.Type, "missing roomId")
		}
		if strings.TrimSpace(body.Message) == "" {
			return nil, malformed(env.Type, "missing message")
		}
		return ChatMessage{RoomID: roomID, Message: body.Message, Data: env.Data}, nil

	case TypeStatusUpdate:
		status := dataString(env.Data, "status")
		if status == "" {
			return nil, malformed(env.Type, "missing data.status")
		}
		return StatusUpdate{Status: status}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func kindOf(t Type) room.Kind {
	switch t {
	case TypeAudioCallRequest, TypeAudioCallAccept, TypeAudioCallDecline:
		return room.KindAudio
	default:
		return room.KindVideo
	}
}

// dataString reads a string field from an object-valued data payload.
func dataString(data json.RawMessage, key string) string {
	if len(data) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
