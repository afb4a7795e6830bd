package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vakeelsaab/vakeel-signal/internal/auth"
	"github.com/vakeelsaab/vakeel-signal/internal/call"
	"github.com/vakeelsaab/vakeel-signal/internal/metrics"
	"github.com/vakeelsaab/vakeel-signal/internal/presence"
	"github.com/vakeelsaab/vakeel-signal/internal/protocol"
)

type fakeConn struct {
	id       string
	identity auth.Identity

	mu          sync.Mutex
	events      []protocol.Event
	closed      bool
	closeReason string
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Identity() auth.Identity { return c.identity }

func (c *fakeConn) Send(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeReason = reason
	}
}

// take returns and clears the events received so far.
func (c *fakeConn) take() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func types(evs []protocol.Event) []protocol.Type {
	out := make([]protocol.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recorder struct {
	mu       sync.Mutex
	sessions []call.Session
}

func (r *recorder) Record(_ context.Context, s call.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return nil
}

type harness struct {
	t       *testing.T
	hub     *Hub
	clock   *testClock
	history *recorder
	metrics *metrics.Metrics
	seq     int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		history: &recorder{},
		metrics: metrics.New(),
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Now = h.clock.Now
	cfg.History = h.history
	cfg.Metrics = h.metrics
	h.hub = New(cfg)
	return h
}

func (h *harness) connect(name string, role auth.Role) *fakeConn {
	h.t.Helper()
	h.seq++
	c := &fakeConn{id: fmt.Sprintf("conn-%d", h.seq), identity: auth.Identity{Username: name, Role: role}}
	if err := h.hub.Connect(c); err != nil {
		h.t.Fatalf("Connect(%s): %v", name, err)
	}
	return c
}

func (h *harness) send(c *fakeConn, raw string) {
	h.t.Helper()
	msg, err := protocol.ParseInbound([]byte(raw))
	if err != nil {
		h.t.Fatalf("ParseInbound(%s): %v", raw, err)
	}
	h.hub.Dispatch(c, msg)
}

func onlyEvent(t *testing.T, c *fakeConn, want protocol.Type) protocol.Event {
	t.Helper()
	evs := c.take()
	if len(evs) != 1 || evs[0].Type != want {
		t.Fatalf("%s events=%v, want [%s]", c.identity.Username, types(evs), want)
	}
	return evs[0]
}

func dataMap(t *testing.T, ev protocol.Event) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		t.Fatalf("decode %s data %s: %v", ev.Type, ev.Data, err)
	}
	return m
}

func lawyerList(t *testing.T, ev protocol.Event) []presence.Entry {
	t.Helper()
	var entries []presence.Entry
	if err := json.Unmarshal(ev.Data, &entries); err != nil {
		t.Fatalf("decode lawyer_list %s: %v", ev.Data, err)
	}
	return entries
}

func TestConsultationScenario(t *testing.T) {
	h := newHarness(t, Config{})

	alice := h.connect("alice", auth.RoleClient)
	if got := lawyerList(t, onlyEvent(t, alice, protocol.TypeLawyerList)); len(got) != 0 {
		t.Fatalf("initial lawyer_list=%+v, want empty", got)
	}

	bob := h.connect("bob", auth.RoleLawyer)
	want := []presence.Entry{{Username: "bob", Status: presence.StatusOffline}}
	if diff := cmp.Diff(want, lawyerList(t, onlyEvent(t, alice, protocol.TypeLawyerList))); diff != "" {
		t.Fatalf("lawyer_list after connect (-want +got):\n%s", diff)
	}

	h.send(bob, `{"type":"status-update","data":{"status":"ONLINE"}}`)
	want = []presence.Entry{{Username: "bob", Status: presence.StatusOnline}}
	if diff := cmp.Diff(want, lawyerList(t, onlyEvent(t, alice, protocol.TypeLawyerList))); diff != "" {
		t.Fatalf("lawyer_list after status (-want +got):\n%s", diff)
	}
	if evs := bob.take(); len(evs) != 0 {
		t.Fatalf("bob events=%v, lawyers do not receive the directory", types(evs))
	}

	h.send(alice, `{"type":"call-request","to":"bob"}`)
	req := onlyEvent(t, bob, protocol.TypeCallRequest)
	if req.From != "alice" || dataMap(t, req)["from"] != "alice" {
		t.Fatalf("call-request=%+v, want from alice", req)
	}
	if evs := alice.take(); len(evs) != 0 {
		t.Fatalf("alice learned something before accept: %v", types(evs))
	}

	h.send(bob, `{"type":"call-accept","to":"alice","data":{"clientUsername":"alice"}}`)
	aj := onlyEvent(t, alice, protocol.TypeRoomJoined)
	bj := onlyEvent(t, bob, protocol.TypeRoomJoined)
	if aj.RoomID == "" || aj.RoomID != bj.RoomID {
		t.Fatalf("roomIds differ: alice=%q bob=%q", aj.RoomID, bj.RoomID)
	}
	if aj.RoomID != "v1~video~alice~bob" {
		t.Fatalf("roomId=%q", aj.RoomID)
	}

	h.send(alice, `{"type":"offer","to":"bob","data":{"type":"offer","sdp":"v=0"}}`)
	offer := onlyEvent(t, bob, protocol.TypeOffer)
	if offer.From != "alice" || string(offer.Data) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("offer=%+v", offer)
	}
	if s := h.hub.Sessions(); len(s) != 1 || s[0].State != call.StateActive {
		t.Fatalf("sessions=%+v, want one ACTIVE", s)
	}

	h.send(bob, `{"type":"chat-message","data":{"roomId":"`+aj.RoomID+`","message":"namaste"}}`)
	chat := onlyEvent(t, alice, protocol.TypeChatMessage)
	if chat.From != "bob" || chat.Message != "namaste" || chat.RoomID != aj.RoomID {
		t.Fatalf("chat=%+v", chat)
	}

	h.send(alice, `{"type":"call-ended","to":"bob"}`)
	ended := onlyEvent(t, bob, protocol.TypeCallEnded)
	if ended.From != "alice" || dataMap(t, ended)["reason"] != string(call.ReasonHangup) {
		t.Fatalf("call-ended=%+v", ended)
	}
	if s := h.hub.Sessions(); len(s) != 0 {
		t.Fatalf("sessions=%+v, want none", s)
	}

	// No relay succeeds for the finished call.
	h.send(bob, `{"type":"answer","to":"alice","data":{"type":"answer"}}`)
	rej := onlyEvent(t, bob, protocol.TypeError)
	if rej.Code != protocol.CodeAuthorizationFailure || rej.Ref != protocol.TypeAnswer {
		t.Fatalf("error=%+v, want authorization_failure for answer", rej)
	}
	if evs := alice.take(); len(evs) != 0 {
		t.Fatalf("alice received %v after the call ended", types(evs))
	}

	if len(h.history.sessions) != 1 || h.history.sessions[0].EndReason != call.ReasonHangup {
		t.Fatalf("history=%+v", h.history.sessions)
	}
}

func TestCallRequestToUnregisteredUser(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.connect("alice", auth.RoleClient)
	alice.take()

	h.send(alice, `{"type":"call-request","to":"ghost"}`)
	ev := onlyEvent(t, alice, protocol.TypeError)
	if ev.Code != protocol.CodeTargetUnreachable || ev.To != "ghost" {
		t.Fatalf("error=%+v, want target_unreachable for ghost", ev)
	}
	if s := h.hub.Sessions(); len(s) != 0 {
		t.Fatalf("sessions=%+v, want none", s)
	}
}

func TestCallRequestGuards(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	carol := h.connect("carol", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	dan := h.connect("dan", auth.RoleLawyer)
	h.send(dan, `{"type":"status-update","data":{"status":"BUSY"}}`)
	alice.take()
	carol.take()

	cases := []struct {
		name string
		raw  string
		code protocol.ErrorCode
	}{
		{"client target", `{"type":"call-request","to":"carol"}`, protocol.CodeTargetUnreachable},
		{"busy lawyer", `{"type":"audio-call-request","to":"dan"}`, protocol.CodeTargetBusy},
		{"self", `{"type":"call-request","to":"alice"}`, protocol.CodeInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.send(alice, tc.raw)
			if ev := onlyEvent(t, alice, protocol.TypeError); ev.Code != tc.code {
				t.Fatalf("code=%q, want %q", ev.Code, tc.code)
			}
		})
	}

	// A lawyer already in a call of the same kind is busy.
	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(bob, `{"type":"call-accept","to":"alice"}`)
	alice.take()
	h.send(carol, `{"type":"call-request","to":"bob"}`)
	if ev := onlyEvent(t, carol, protocol.TypeError); ev.Code != protocol.CodeTargetBusy {
		t.Fatalf("code=%q, want target_busy", ev.Code)
	}
}

func TestDuplicateCallRequestNotifiesOnce(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	alice.take()

	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(alice, `{"type":"call-request","to":"bob"}`)

	onlyEvent(t, bob, protocol.TypeCallRequest)
	if evs := alice.take(); len(evs) != 0 {
		t.Fatalf("duplicate produced %v for the initiator", types(evs))
	}
	if got := h.metrics.Get(metrics.CallsDuplicate); got != 1 {
		t.Fatalf("duplicate counter=%d, want 1", got)
	}
}

func TestCalleeDisconnectDuringRequest(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	alice.take()

	h.send(alice, `{"type":"audio-call-request","to":"bob"}`)
	onlyEvent(t, bob, protocol.TypeAudioCallRequest)

	h.hub.Disconnect(bob)

	evs := alice.take()
	if diff := cmp.Diff([]protocol.Type{protocol.TypeCallEnded, protocol.TypeLawyerList}, types(evs)); diff != "" {
		t.Fatalf("alice events (-want +got):\n%s", diff)
	}
	if evs[0].From != "bob" || dataMap(t, evs[0])["reason"] != string(call.ReasonPeerDisconnected) {
		t.Fatalf("call-ended=%+v", evs[0])
	}
	if evs := bob.take(); len(evs) != 0 {
		t.Fatalf("vanished callee received %v", types(evs))
	}
	if len(h.hub.Sessions()) != 0 {
		t.Fatalf("session survived the disconnect")
	}
	if got := h.history.sessions; len(got) != 1 || got[0].EndedFrom != call.StateRequested || got[0].RoomID != "" {
		t.Fatalf("history=%+v", got)
	}

	// Accepting after the callee left is impossible; a late accept from a new
	// bob connection finds nothing.
	bob2 := h.connect("bob", auth.RoleLawyer)
	h.send(bob2, `{"type":"audio-call-accept","to":"alice"}`)
	if ev := onlyEvent(t, bob2, protocol.TypeError); ev.Code != protocol.CodeInvalidState {
		t.Fatalf("code=%q, want invalid_state", ev.Code)
	}
	for _, ev := range alice.take() {
		if ev.Type == protocol.TypeAudioRoomJoined || ev.Type == protocol.TypeRoomJoined {
			t.Fatalf("alice received %s", ev.Type)
		}
	}
}

func TestSupersedeEndsCallAndClosesOldHandle(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	bob1 := h.connect("bob", auth.RoleLawyer)
	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(bob1, `{"type":"call-accept","to":"alice"}`)
	alice.take()

	bob2 := h.connect("bob", auth.RoleLawyer)
	if !bob1.closed || bob1.closeReason != "superseded" {
		t.Fatalf("old handle closed=%v reason=%q", bob1.closed, bob1.closeReason)
	}
	evs := alice.take()
	if len(evs) == 0 || evs[0].Type != protocol.TypeCallEnded {
		t.Fatalf("alice events=%v, want call-ended first", types(evs))
	}

	// The stale handle's close callback must not evict its replacement.
	h.hub.Disconnect(bob1)
	if diff := cmp.Diff([]string{"alice", "bob"}, h.hub.Online()); diff != "" {
		t.Fatalf("online (-want +got):\n%s", diff)
	}
	// Nor may it keep talking.
	msg, _ := protocol.ParseInbound([]byte(`{"type":"status-update","data":{"status":"BUSY"}}`))
	if out := h.hub.Dispatch(bob1, msg); out != nil {
		t.Fatalf("stale handle dispatched %+v", out)
	}
	if got := h.hub.LawyerList(); len(got) != 1 || got[0].Status != presence.StatusOnline {
		t.Fatalf("lawyer list=%+v", got)
	}
	_ = bob2
}

func TestSupersedeMovesToEndOfOrder(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	h.connect("alice", auth.RoleClient)
	bob1 := h.connect("bob", auth.RoleLawyer)
	h.connect("dan", auth.RoleLawyer)

	h.connect("bob", auth.RoleLawyer)
	if !bob1.closed {
		t.Fatalf("old bob handle still open")
	}
	if diff := cmp.Diff([]string{"alice", "dan", "bob"}, h.hub.Online()); diff != "" {
		t.Fatalf("online (-want +got):\n%s", diff)
	}
	var lawyers []string
	for _, e := range h.hub.LawyerList() {
		lawyers = append(lawyers, e.Username)
	}
	if diff := cmp.Diff([]string{"dan", "bob"}, lawyers); diff != "" {
		t.Fatalf("lawyer list (-want +got):\n%s", diff)
	}
	if got := h.metrics.Get(metrics.ConnectionsSuperseded); got != 1 {
		t.Fatalf("superseded=%d, want 1", got)
	}
}

func TestAcceptWhileInLiveCallIsBusy(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	carol := h.connect("carol", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	alice.take()
	carol.take()

	// Both requests arrive while bob is idle.
	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(carol, `{"type":"call-request","to":"bob"}`)
	bob.take()
	h.send(bob, `{"type":"call-accept","to":"alice"}`)
	alice.take()
	bob.take()

	h.send(bob, `{"type":"call-accept","to":"carol"}`)
	ev := onlyEvent(t, bob, protocol.TypeError)
	if ev.Code != protocol.CodeTargetBusy || ev.Ref != protocol.TypeCallAccept || ev.To != "carol" {
		t.Fatalf("event=%+v, want target_busy for call-accept to carol", ev)
	}
	if evs := carol.take(); len(evs) != 0 {
		t.Fatalf("carol events=%v, want none", types(evs))
	}
	var live int
	for _, s := range h.hub.Sessions() {
		if s.State.Live() {
			live++
		}
		if s.Initiator == "carol" && s.State != call.StateRequested {
			t.Fatalf("carol's request state=%s, want REQUESTED", s.State)
		}
	}
	if live != 1 {
		t.Fatalf("live sessions=%d, want 1", live)
	}

	// Once bob hangs up, carol's request can still be accepted.
	h.send(bob, `{"type":"call-ended","to":"alice"}`)
	alice.take()
	h.send(bob, `{"type":"call-accept","to":"carol"}`)
	if ev := onlyEvent(t, carol, protocol.TypeRoomJoined); ev.From != "bob" {
		t.Fatalf("carol got %+v, want room-joined from bob", ev)
	}
}

func TestAcceptWhileInitiatorInLiveCallIsBusy(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	dan := h.connect("dan", auth.RoleLawyer)
	alice.take()

	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(alice, `{"type":"call-request","to":"dan"}`)
	bob.take()
	dan.take()
	h.send(bob, `{"type":"call-accept","to":"alice"}`)
	alice.take()
	bob.take()

	h.send(dan, `{"type":"call-accept","to":"alice"}`)
	if ev := onlyEvent(t, dan, protocol.TypeError); ev.Code != protocol.CodeTargetBusy || ev.To != "alice" {
		t.Fatalf("event=%+v, want target_busy for alice", ev)
	}
	if evs := alice.take(); len(evs) != 0 {
		t.Fatalf("alice events=%v, want none", types(evs))
	}

	// An audio call is a separate kind and is not blocked by the video call.
	h.send(alice, `{"type":"audio-call-request","to":"dan"}`)
	dan.take()
	h.send(dan, `{"type":"audio-call-accept","to":"alice"}`)
	if ev := onlyEvent(t, alice, protocol.TypeAudioRoomJoined); ev.From != "dan" {
		t.Fatalf("alice got %+v, want audio-room-joined from dan", ev)
	}
}

func TestRelayForwardsRoomID(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(bob, `{"type":"call-accept","to":"alice"}`)
	alice.take()
	bob.take()

	h.send(alice, `{"type":"offer","to":"bob","roomId":"v1~video~alice~bob","data":{"sdp":"v=0","type":"offer"}}`)
	ev := onlyEvent(t, bob, protocol.TypeOffer)
	if ev.From != "alice" || ev.RoomID != "v1~video~alice~bob" || string(ev.Data) != `{"sdp":"v=0","type":"offer"}` {
		t.Fatalf("bob got %+v", ev)
	}
}

func TestDeclineNotifiesInitiatorOnly(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	carol := h.connect("carol", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	alice.take()
	carol.take()

	h.send(alice, `{"type":"call-request","to":"bob"}`)
	bob.take()
	h.send(bob, `{"type":"call-decline","to":"alice"}`)

	ev := onlyEvent(t, alice, protocol.TypeCallDeclined)
	if ev.From != "bob" {
		t.Fatalf("call-declined=%+v", ev)
	}
	if evs := carol.take(); len(evs) != 0 {
		t.Fatalf("third party received %v", types(evs))
	}
	if evs := bob.take(); len(evs) != 0 {
		t.Fatalf("decliner received %v", types(evs))
	}
	if len(h.hub.Sessions()) != 0 {
		t.Fatalf("declined session still open")
	}
}

func TestRelayAuthorization(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	mallory := h.connect("mallory", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(bob, `{"type":"call-accept","to":"alice"}`)
	alice.take()
	bob.take()
	mallory.take()

	h.send(mallory, `{"type":"ice-candidate","to":"bob","data":{"candidate":"x"}}`)
	if ev := onlyEvent(t, mallory, protocol.TypeError); ev.Code != protocol.CodeAuthorizationFailure {
		t.Fatalf("code=%q, want authorization_failure", ev.Code)
	}
	h.send(mallory, `{"type":"offer","to":"nobody","data":{}}`)
	if ev := onlyEvent(t, mallory, protocol.TypeError); ev.Code != protocol.CodeTargetUnreachable {
		t.Fatalf("code=%q, want target_unreachable", ev.Code)
	}
	h.send(mallory, `{"type":"chat-message","data":{"roomId":"v1~video~alice~bob","message":"hi"}}`)
	if ev := onlyEvent(t, mallory, protocol.TypeError); ev.Code != protocol.CodeAuthorizationFailure {
		t.Fatalf("chat code=%q, want authorization_failure", ev.Code)
	}
	h.send(mallory, `{"type":"chat-message","data":{"roomId":"room-alice-bob","message":"hi"}}`)
	if ev := onlyEvent(t, mallory, protocol.TypeError); ev.Code != protocol.CodeMalformedEnvelope {
		t.Fatalf("chat code=%q, want malformed_envelope", ev.Code)
	}
	if evs := bob.take(); len(evs) != 0 {
		t.Fatalf("bob received injected %v", types(evs))
	}
	// A stray hangup from an outsider is a silent no-op.
	h.send(mallory, `{"type":"call-ended","to":"bob"}`)
	if evs := mallory.take(); len(evs) != 0 {
		t.Fatalf("stray call-ended produced %v", types(evs))
	}
	if len(h.hub.Sessions()) != 1 {
		t.Fatalf("outsider hangup ended the call")
	}
}

func TestStatusUpdates(t *testing.T) {
	h := newHarness(t, Config{})
	alice := h.connect("alice", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	alice.take()

	h.send(alice, `{"type":"status-update","data":{"status":"ONLINE"}}`)
	if ev := onlyEvent(t, alice, protocol.TypeError); ev.Code != protocol.CodeAuthorizationFailure {
		t.Fatalf("code=%q, want authorization_failure", ev.Code)
	}
	h.send(bob, `{"type":"status-update","data":{"status":"OFFLINE"}}`)
	if ev := onlyEvent(t, bob, protocol.TypeError); ev.Code != protocol.CodeMalformedEnvelope {
		t.Fatalf("code=%q, want malformed_envelope", ev.Code)
	}

	bobID := auth.Identity{Username: "bob", Role: auth.RoleLawyer}
	if st, err := h.hub.SetStatus(bobID, "busy"); err != nil || st != presence.StatusBusy {
		t.Fatalf("SetStatus=%q,%v", st, err)
	}
	want := []presence.Entry{{Username: "bob", Status: presence.StatusBusy}}
	if diff := cmp.Diff(want, lawyerList(t, onlyEvent(t, alice, protocol.TypeLawyerList))); diff != "" {
		t.Fatalf("lawyer_list (-want +got):\n%s", diff)
	}
	// Unchanged status does not fan out again.
	h.hub.SetStatus(bobID, "BUSY")
	if evs := alice.take(); len(evs) != 0 {
		t.Fatalf("no-op status update broadcast %v", types(evs))
	}

	for _, tc := range []struct {
		id   auth.Identity
		raw  string
		want error
	}{
		{auth.Identity{Username: "alice", Role: auth.RoleClient}, "ONLINE", presence.ErrNotLawyer},
		{bobID, "away", presence.ErrInvalidStatus},
		{auth.Identity{Username: "erin", Role: auth.RoleLawyer}, "ONLINE", presence.ErrNotConnected},
	} {
		if _, err := h.hub.SetStatus(tc.id, tc.raw); !errors.Is(err, tc.want) {
			t.Fatalf("SetStatus(%s, %s) err=%v, want %v", tc.id, tc.raw, err, tc.want)
		}
	}
}

func TestSweepExpiresRequests(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline, CallRequestTimeout: time.Minute})
	alice := h.connect("alice", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	alice.take()
	h.send(alice, `{"type":"call-request","to":"bob"}`)
	bob.take()

	h.clock.Advance(59 * time.Second)
	h.hub.Sweep()
	if len(h.hub.Sessions()) != 1 {
		t.Fatalf("request expired early")
	}

	h.clock.Advance(time.Second)
	h.hub.Sweep()
	for _, c := range []*fakeConn{alice, bob} {
		ev := onlyEvent(t, c, protocol.TypeCallEnded)
		if dataMap(t, ev)["reason"] != string(call.ReasonTimeout) {
			t.Fatalf("%s call-ended=%+v", c.identity.Username, ev)
		}
	}
	if got := h.metrics.Get(metrics.CallsExpired); got != 1 {
		t.Fatalf("expired counter=%d, want 1", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, Config{CallRequestTimeout: time.Minute, SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.hub.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestCloseDrains(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	alice := h.connect("alice", auth.RoleClient)
	bob := h.connect("bob", auth.RoleLawyer)
	h.send(alice, `{"type":"call-request","to":"bob"}`)
	h.send(bob, `{"type":"call-accept","to":"alice"}`)
	alice.take()
	bob.take()

	h.hub.Close()
	for _, c := range []*fakeConn{alice, bob} {
		if !c.closed || c.closeReason != "shutdown" {
			t.Fatalf("%s closed=%v reason=%q", c.identity.Username, c.closed, c.closeReason)
		}
		ev := onlyEvent(t, c, protocol.TypeCallEnded)
		if dataMap(t, ev)["reason"] != string(call.ReasonShutdown) {
			t.Fatalf("call-ended=%+v", ev)
		}
	}
	if len(h.hub.Online()) != 0 || len(h.hub.Sessions()) != 0 {
		t.Fatalf("hub not empty after Close")
	}
	if err := h.hub.Connect(&fakeConn{id: "late", identity: auth.Identity{Username: "x", Role: auth.RoleClient}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close err=%v, want ErrClosed", err)
	}
	h.hub.Close()
}

func TestConnectRejectsSeparatorUsername(t *testing.T) {
	h := newHarness(t, Config{})
	c := &fakeConn{id: "c", identity: auth.Identity{Username: "al~ice", Role: auth.RoleClient}}
	if err := h.hub.Connect(c); !errors.Is(err, ErrBadUsername) {
		t.Fatalf("err=%v, want ErrBadUsername", err)
	}
}

// TestInvariantsUnderRandomTraffic checks after every event that each
// username has at most one registered handle and that the presence snapshot
// only lists registered lawyers.
func TestInvariantsUnderRandomTraffic(t *testing.T) {
	h := newHarness(t, Config{LawyerInitialStatus: presence.StatusOnline})
	rng := rand.New(rand.NewSource(42))
	users := map[string]auth.Role{
		"alice": auth.RoleClient, "carol": auth.RoleClient,
		"bob": auth.RoleLawyer, "dan": auth.RoleLawyer,
	}
	names := []string{"alice", "bob", "carol", "dan"}
	var conns []*fakeConn

	for step := 0; step < 500; step++ {
		name := names[rng.Intn(len(names))]
		switch op := rng.Intn(4); {
		case op == 0 || len(conns) == 0:
			conns = append(conns, h.connect(name, users[name]))
		case op == 1:
			h.hub.Disconnect(conns[rng.Intn(len(conns))])
		default:
			c := conns[rng.Intn(len(conns))]
			peer := names[rng.Intn(len(names))]
			raw := []string{
				`{"type":"call-request","to":"%s"}`,
				`{"type":"call-accept","to":"%s"}`,
				`{"type":"offer","to":"%s","data":{}}`,
				`{"type":"call-ended","to":"%s"}`,
			}[rng.Intn(4)]
			h.send(c, fmt.Sprintf(raw, peer))
		}

		online := h.hub.Online()
		seen := map[string]bool{}
		for _, u := range online {
			if seen[u] {
				t.Fatalf("step %d: %q registered twice", step, u)
			}
			seen[u] = true
		}
		live := 0
		for _, c := range conns {
			if !c.closed && slices.Contains(online, c.identity.Username) && h.hub.registry.IsCurrent(c.identity.Username, c) {
				live++
			}
		}
		if live != len(online) {
			t.Fatalf("step %d: %d current handles for %d usernames", step, live, len(online))
		}
		for _, e := range h.hub.LawyerList() {
			if !seen[e.Username] {
				t.Fatalf("step %d: presence lists unregistered %q", step, e.Username)
			}
		}
		liveCalls := map[string]int{}
		for _, s := range h.hub.Sessions() {
			if !seen[s.Initiator] || !seen[s.Callee] {
				t.Fatalf("step %d: session %+v outlived a participant", step, s)
			}
			if s.State.Live() {
				for _, u := range []string{s.Initiator, s.Callee} {
					liveCalls[u+"/"+s.Kind.String()]++
				}
			}
		}
		for k, n := range liveCalls {
			if n > 1 {
				t.Fatalf("step %d: %s holds %d live sessions", step, k, n)
			}
		}
	}
}
