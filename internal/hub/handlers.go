package hub

import (
	"errors"
	"fmt"

	"github.com/vakeelsaab/vakeel-signal/internal/call"
	"github.com/vakeelsaab/vakeel-signal/internal/metrics"
	"github.com/vakeelsaab/vakeel-signal/internal/presence"
	"github.com/vakeelsaab/vakeel-signal/internal/protocol"
	"github.com/vakeelsaab/vakeel-signal/internal/room"
)

type fromData struct {
	From string `json:"from"`
}

type endedData struct {
	Reason call.EndReason `json:"reason"`
	Kind   string         `json:"kind"`
}

type roomData struct {
	RoomID string `json:"roomId"`
	Kind   string `json:"kind"`
}

func callEndedEvent(from string, s call.Session) protocol.Event {
	return protocol.Event{
		Type:   protocol.TypeCallEnded,
		From:   from,
		RoomID: s.RoomID,
		Data:   protocol.MustData(endedData{Reason: s.EndReason, Kind: s.Kind.String()}),
	}
}

func fail(t *tx, c Conn, code protocol.ErrorCode, ref protocol.Type, to, format string, args ...any) {
	t.send(c, protocol.NewError(code, ref, to, fmt.Sprintf(format, args...)).Event())
}

func (h *Hub) handleCallRequest(t *tx, c Conn, m protocol.CallRequest) {
	from := c.Identity().Username
	if m.To == from {
		fail(t, c, protocol.CodeInvalidState, m.Type, m.To, "cannot call yourself")
		return
	}
	target, ok := h.registry.Lookup(m.To)
	if !ok || !target.Identity.IsLawyer() {
		fail(t, c, protocol.CodeTargetUnreachable, m.Type, m.To, "%s is not an online lawyer", m.To)
		return
	}
	switch st, _ := h.presence.Status(m.To); st {
	case presence.StatusOnline:
	case presence.StatusBusy:
		fail(t, c, protocol.CodeTargetBusy, m.Type, m.To, "%s is busy", m.To)
		return
	default:
		fail(t, c, protocol.CodeTargetUnreachable, m.Type, m.To, "%s is offline", m.To)
		return
	}

	s, err := h.calls.Request(from, m.To, m.Kind, h.now())
	switch {
	case errors.Is(err, call.ErrDuplicateRequest):
		// Retransmitted request; the callee was already notified.
		h.metrics.Inc(metrics.CallsDuplicate)
		return
	case errors.Is(err, call.ErrCalleeBusy):
		fail(t, c, protocol.CodeTargetBusy, m.Type, m.To, "%s is in another call", m.To)
		return
	case err != nil:
		fail(t, c, protocol.CodeInvalidState, m.Type, m.To, "%v", err)
		return
	}

	h.metrics.Inc(metrics.CallsRequested)
	h.log.Info("call requested", "call_id", s.ID, "initiator", from, "callee", m.To, "kind", m.Kind.String())
	t.send(target.Handle, protocol.Event{
		Type: protocol.CallRequestType(m.Kind),
		From: from,
		Data: protocol.MustData(fromData{From: from}),
	})
}

func (h *Hub) handleCallAccept(t *tx, c Conn, m protocol.CallAccept) {
	callee := c.Identity().Username
	s, err := h.calls.Accept(callee, m.To, m.Kind, h.now())
	switch {
	case errors.Is(err, call.ErrCalleeBusy):
		fail(t, c, protocol.CodeTargetBusy, m.Type, m.To, "already in a %s call", m.Kind)
		return
	case errors.Is(err, call.ErrInitiatorBusy):
		fail(t, c, protocol.CodeTargetBusy, m.Type, m.To, "%s is in another %s call", m.To, m.Kind)
		return
	case err != nil:
		fail(t, c, protocol.CodeInvalidState, m.Type, m.To, "no pending %s call from %s", m.Kind, m.To)
		return
	}

	h.metrics.Inc(metrics.CallsAccepted)
	h.log.Info("call accepted", "call_id", s.ID, "room_id", s.RoomID)
	data := protocol.MustData(roomData{RoomID: s.RoomID, Kind: s.Kind.String()})
	joined := protocol.RoomJoinedType(s.Kind)
	if initiator, ok := h.registry.Lookup(s.Initiator); ok {
		t.send(initiator.Handle, protocol.Event{Type: joined, From: callee, RoomID: s.RoomID, Data: data})
	}
	t.send(c, protocol.Event{Type: joined, From: s.Initiator, RoomID: s.RoomID, Data: data})
}

func (h *Hub) handleCallDecline(t *tx, c Conn, m protocol.CallDecline) {
	callee := c.Identity().Username
	s, err := h.calls.Decline(callee, m.To, m.Kind, h.now())
	if err != nil {
		fail(t, c, protocol.CodeInvalidState, m.Type, m.To, "no pending %s call from %s", m.Kind, m.To)
		return
	}

	h.metrics.Inc(metrics.CallsDeclined)
	if initiator, ok := h.registry.Lookup(s.Initiator); ok {
		t.send(initiator.Handle, protocol.Event{
			Type: protocol.TypeCallDeclined,
			From: callee,
			Data: protocol.MustData(endedData{Reason: s.EndReason, Kind: s.Kind.String()}),
		})
	}
	t.ended = append(t.ended, s)
}

func (h *Hub) handleCallEnded(t *tx, c Conn, m protocol.CallEnded) {
	from := c.Identity().Username
	s, err := h.calls.End(from, m.To, h.now())
	if err != nil {
		// Stray or repeated hangup.
		return
	}
	if peer, ok := h.registry.Lookup(s.Counterpart(from)); ok {
		t.send(peer.Handle, callEndedEvent(from, s))
	}
	t.ended = append(t.ended, s)
}

func (h *Hub) handleRelay(t *tx, c Conn, m protocol.Relay) {
	from := c.Identity().Username
	target, ok := h.registry.Lookup(m.To)
	if !ok {
		h.metrics.Inc(metrics.RelayRejected)
		fail(t, c, protocol.CodeTargetUnreachable, m.Type, m.To, "%s is not connected", m.To)
		return
	}
	s, activated, err := h.calls.Relay(from, m.To)
	if err != nil {
		h.metrics.Inc(metrics.RelayRejected)
		fail(t, c, protocol.CodeAuthorizationFailure, m.Type, m.To, "no accepted call with %s", m.To)
		return
	}
	if activated {
		h.metrics.Inc(metrics.CallsActivated)
		h.log.Info("call active", "call_id", s.ID, "room_id", s.RoomID)
	}
	h.metrics.Inc(metrics.RelayForwarded)
	t.send(target.Handle, protocol.Event{Type: m.Type, From: from, RoomID: m.RoomID, Data: m.Data})
}

func (h *Hub) handleChat(t *tx, c Conn, m protocol.ChatMessage) {
	from := c.Identity().Username
	p, err := room.ParticipantsOf(m.RoomID)
	if err != nil {
		fail(t, c, protocol.CodeMalformedEnvelope, protocol.TypeChatMessage, "", "invalid roomId %q", m.RoomID)
		return
	}
	to, err := p.Counterpart(from)
	if err != nil {
		fail(t, c, protocol.CodeAuthorizationFailure, protocol.TypeChatMessage, "", "not a participant of %s", m.RoomID)
		return
	}
	target, ok := h.registry.Lookup(to)
	if !ok {
		fail(t, c, protocol.CodeTargetUnreachable, protocol.TypeChatMessage, to, "%s is not connected", to)
		return
	}
	if s, ok := h.calls.Get(from, to, p.Kind); !ok || !s.State.Live() {
		fail(t, c, protocol.CodeAuthorizationFailure, protocol.TypeChatMessage, to, "no accepted call with %s", to)
		return
	}

	h.metrics.Inc(metrics.ChatForwarded)
	t.send(target.Handle, protocol.Event{
		Type:    protocol.TypeChatMessage,
		From:    from,
		RoomID:  m.RoomID,
		Message: m.Message,
		Data:    m.Data,
	})
}

func (h *Hub) handleStatusUpdate(t *tx, c Conn, m protocol.StatusUpdate) {
	status, err := presence.ParseStatus(m.Status)
	if err == nil {
		var changed bool
		changed, err = h.presence.SetStatus(c.Identity(), status)
		if err == nil {
			h.metrics.Inc(metrics.StatusUpdates)
			t.presenceChanged = changed
			return
		}
	}
	switch {
	case errors.Is(err, presence.ErrNotLawyer):
		fail(t, c, protocol.CodeAuthorizationFailure, protocol.TypeStatusUpdate, "", "only lawyers can set a status")
	case errors.Is(err, presence.ErrInvalidStatus):
		fail(t, c, protocol.CodeMalformedEnvelope, protocol.TypeStatusUpdate, "", "status must be ONLINE or BUSY")
	default:
		fail(t, c, protocol.CodeInvalidState, protocol.TypeStatusUpdate, "", "%v", err)
	}
}
