package protocol

import (
	"encoding/json"
	"errors"
)

// ErrorCode classifies failures reported to the originating connection.
type ErrorCode string

const (
	CodeAuthenticationFailure ErrorCode = "authentication_failure"
	CodeAuthorizationFailure  ErrorCode = "authorization_failure"
	CodeTargetUnreachable     ErrorCode = "target_unreachable"
	CodeTargetBusy            ErrorCode = "target_busy"
	CodeInvalidState          ErrorCode = "invalid_state"
	CodeMalformedEnvelope     ErrorCode = "malformed_envelope"
	CodeRateLimited           ErrorCode = "rate_limited"
)

// Event is a server-to-client message.
type Event struct {
	Type    Type            `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
	// Ref is the inbound type an error event answers.
	Ref Type `json:"ref,omitempty"`
}

// Error is a typed failure for one inbound envelope. It renders as an error
// event; the connection stays open.
type Error struct {
	Code    ErrorCode
	Message string
	Ref     Type
	// To is the username the failed request addressed, if any.
	To string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func NewError(code ErrorCode, ref Type, to, message string) *Error {
	return &Error{Code: code, Message: message, Ref: ref, To: to}
}

func (e *Error) Event() Event {
	return Event{Type: TypeError, Code: e.Code, Message: e.Message, Ref: e.Ref, To: e.To}
}

// ErrorEvent converts any error to an error event, classifying unknown
// errors as malformed envelopes when they wrap ErrMalformed.
func ErrorEvent(err error) Event {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Event()
	}
	var me *MalformedError
	if errors.As(err, &me) {
		return Event{Type: TypeError, Code: CodeMalformedEnvelope, Message: me.Error(), Ref: me.Ref}
	}
	return Event{Type: TypeError, Code: CodeInvalidState, Message: err.Error()}
}

// MustData marshals v for use as Event.Data. It panics on values that cannot
// be marshalled, which only happens for programmer errors.
func MustData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
