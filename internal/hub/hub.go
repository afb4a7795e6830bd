// Package hub owns the shared signaling state: the connection registry, the
// lawyer presence store and the call table.
//
// Every external event (connect, disconnect, inbound envelope, status update,
// expiry sweep) is one transaction under the hub mutex. Handlers return the
// events they produce and the hub enqueues them on the target connections
// before releasing the lock, so events from one sender reach a given target in
// the order they were received.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vakeelsaab/vakeel-signal/internal/auth"
	"github.com/vakeelsaab/vakeel-signal/internal/call"
	"github.com/vakeelsaab/vakeel-signal/internal/metrics"
	"github.com/vakeelsaab/vakeel-signal/internal/presence"
	"github.com/vakeelsaab/vakeel-signal/internal/protocol"
	"github.com/vakeelsaab/vakeel-signal/internal/registry"
	"github.com/vakeelsaab/vakeel-signal/internal/room"
)

var (
	ErrClosed      = errors.New("hub: closed")
	ErrBadUsername = errors.New("hub: username is not allowed")
)

// Conn is a live transport handle. Send and Close must not block: the hub
// calls them while holding its lock.
type Conn interface {
	ID() string
	Identity() auth.Identity
	// Send enqueues ev. An error means the connection is going away.
	Send(ev protocol.Event) error
	Close(reason string)
}

// HistoryRecorder receives every session that ended.
type HistoryRecorder interface {
	Record(ctx context.Context, s call.Session) error
}

type Config struct {
	// LawyerInitialStatus is the presence status of a freshly connected lawyer.
	LawyerInitialStatus presence.Status
	// CallRequestTimeout expires unanswered requests; zero disables expiry.
	CallRequestTimeout time.Duration
	// SweepInterval is how often Run checks for expired requests.
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	History HistoryRecorder
	Now     func() time.Time
}

// Outbound is one event addressed to one connection.
type Outbound struct {
	To    Conn
	Event protocol.Event
}

type Hub struct {
	mu       sync.Mutex
	registry *registry.Registry[Conn]
	presence *presence.Store
	calls    *call.Table
	closed   bool

	initialStatus  presence.Status
	requestTimeout time.Duration
	sweepInterval  time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics
	history        HistoryRecorder
	now            func() time.Time
}

func New(cfg Config) *Hub {
	if cfg.LawyerInitialStatus == "" {
		cfg.LawyerInitialStatus = presence.StatusOffline
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		registry:       registry.New[Conn](),
		presence:       presence.New(),
		calls:          call.NewTable(),
		initialStatus:  cfg.LawyerInitialStatus,
		requestTimeout: cfg.CallRequestTimeout,
		sweepInterval:  cfg.SweepInterval,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		history:        cfg.History,
		now:            cfg.Now,
	}
}

// tx accumulates the effects of one transaction.
type tx struct {
	out             []Outbound
	ended           []call.Session
	presenceChanged bool
}

func (t *tx) send(to Conn, ev protocol.Event) {
	if to != nil {
		t.out = append(t.out, Outbound{To: to, Event: ev})
	}
}

// commit delivers the transaction's events and returns the sessions to be
// recorded once the lock is released. Callers hold h.mu.
func (h *Hub) commit(t *tx) []call.Session {
	if t.presenceChanged {
		list := h.lawyerListLocked()
		for _, e := range h.registry.Entries() {
			if e.Identity.Role == auth.RoleClient {
				t.send(e.Handle, list)
			}
		}
	}
	for _, o := range t.out {
		if o.Event.Type == protocol.TypeError {
			h.metrics.Inc(metrics.ErrorsReported)
		}
		if err := o.To.Send(o.Event); err != nil {
			h.log.Debug("dropping event for closing connection",
				"username", o.To.Identity().Username, "conn_id", o.To.ID(), "type", o.Event.Type, "err", err)
		}
	}
	return t.ended
}

func (h *Hub) record(ended []call.Session) {
	for _, s := range ended {
		h.metrics.Inc(metrics.CallsEnded)
		h.log.Info("call ended",
			"call_id", s.ID, "initiator", s.Initiator, "callee", s.Callee, "kind", s.Kind.String(),
			"from_state", s.EndedFrom.String(), "reason", string(s.EndReason))
		if h.history == nil {
			continue
		}
		if err := h.history.Record(context.Background(), s); err != nil {
			h.metrics.Inc(metrics.HistoryFailures)
			h.log.Warn("failed to record call history", "call_id", s.ID, "err", err)
		}
	}
}

// Connect registers c. A live connection for the same username is torn down
// and closed first, so at most one handle per username is ever registered.
func (h *Hub) Connect(c Conn) error {
	id := c.Identity()
	if !room.ValidUsername(id.Username) {
		return ErrBadUsername
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	var t tx
	if old, superseded := h.registry.Register(id, c); superseded {
		h.teardownLocked(&t, old)
		old.Handle.Close("superseded")
		h.metrics.Inc(metrics.ConnectionsSuperseded)
		h.log.Info("connection superseded", "username", id.Username, "old_conn_id", old.Handle.ID(), "conn_id", c.ID())
	}
	if id.IsLawyer() {
		h.presence.Add(id.Username, h.initialStatus)
		t.presenceChanged = true
	} else if !t.presenceChanged {
		t.send(c, h.lawyerListLocked())
	}
	ended := h.commit(&t)
	h.mu.Unlock()

	h.log.Info("connected", "username", id.Username, "role", string(id.Role), "conn_id", c.ID())
	h.record(ended)
	return nil
}

// Disconnect tears down c. It is a no-op when c was already superseded.
func (h *Hub) Disconnect(c Conn) {
	id := c.Identity()

	h.mu.Lock()
	entry, ok := h.registry.Lookup(id.Username)
	if !ok || entry.Handle != c {
		h.mu.Unlock()
		return
	}
	var t tx
	h.teardownLocked(&t, entry)
	ended := h.commit(&t)
	h.mu.Unlock()

	h.log.Info("disconnected", "username", id.Username, "conn_id", c.ID())
	h.record(ended)
}

// teardownLocked removes a registry entry, its presence entry and every call
// it takes part in. Surviving peers get call-ended; the departing connection
// gets nothing. For a superseded entry the registry already holds the
// replacement, so the Unregister is a no-op.
func (h *Hub) teardownLocked(t *tx, e registry.Entry[Conn]) {
	username := e.Identity.Username
	h.registry.Unregister(username, e.Handle)
	if e.Identity.IsLawyer() {
		h.presence.Remove(username)
		t.presenceChanged = true
	}
	for _, s := range h.calls.Terminate(username, call.ReasonPeerDisconnected, h.now()) {
		survivor := s.Counterpart(username)
		if peer, ok := h.registry.Lookup(survivor); ok {
			t.send(peer.Handle, callEndedEvent(username, s))
		}
		t.ended = append(t.ended, s)
	}
}

// Dispatch applies one inbound envelope from c and returns the events it
// produced, after they have been enqueued. Envelopes from a connection that
// is no longer registered are ignored.
func (h *Hub) Dispatch(c Conn, msg protocol.Inbound) []Outbound {
	h.mu.Lock()
	if h.closed || !h.registry.IsCurrent(c.Identity().Username, c) {
		h.mu.Unlock()
		return nil
	}
	var t tx
	h.route(&t, c, msg)
	ended := h.commit(&t)
	out := t.out
	h.mu.Unlock()

	h.record(ended)
	return out
}

func (h *Hub) route(t *tx, c Conn, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.CallRequest:
		h.handleCallRequest(t, c, m)
	case protocol.CallAccept:
		h.handleCallAccept(t, c, m)
	case protocol.CallDecline:
		h.handleCallDecline(t, c, m)
	case protocol.CallEnded:
		h.handleCallEnded(t, c, m)
	case protocol.Relay:
		h.handleRelay(t, c, m)
	case protocol.ChatMessage:
		h.handleChat(t, c, m)
	case protocol.StatusUpdate:
		h.handleStatusUpdate(t, c, m)
	default:
		h.log.Warn("unroutable message", "type", msg.InboundType())
	}
}

// SetStatus applies a lawyer's status change received outside the WebSocket
// (the REST bridge).
func (h *Hub) SetStatus(id auth.Identity, raw string) (presence.Status, error) {
	status, err := presence.ParseStatus(raw)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrClosed
	}
	changed, err := h.presence.SetStatus(id, status)
	if err != nil {
		return "", err
	}
	h.metrics.Inc(metrics.StatusUpdates)
	t := tx{presenceChanged: changed}
	h.commit(&t)
	h.log.Info("status updated", "username", id.Username, "status", string(status), "changed", changed)
	return status, nil
}

// LawyerList returns the current presence snapshot in registry order.
func (h *Hub) LawyerList() []presence.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence.Snapshot(h.registry.Usernames())
}

// Online returns the registered usernames in insertion order.
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Usernames()
}

// Sessions returns the open call sessions, oldest first.
func (h *Hub) Sessions() []call.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls.Sessions()
}

func (h *Hub) lawyerListLocked() protocol.Event {
	return protocol.Event{
		Type: protocol.TypeLawyerList,
		Data: protocol.MustData(h.presence.Snapshot(h.registry.Usernames())),
	}
}

// Run expires stale call requests until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.requestTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep ends call requests older than the configured timeout. Both parties
// are told the request timed out.
func (h *Hub) Sweep() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	var t tx
	for _, s := range h.calls.Expire(h.now(), h.requestTimeout) {
		h.metrics.Inc(metrics.CallsExpired)
		for _, name := range []string{s.Initiator, s.Callee} {
			if e, ok := h.registry.Lookup(name); ok {
				t.send(e.Handle, callEndedEvent(s.Counterpart(name), s))
			}
		}
		t.ended = append(t.ended, s)
	}
	ended := h.commit(&t)
	h.mu.Unlock()

	h.record(ended)
}

// Close drains the hub: every session ends with reason shutdown, every
// connection is closed, and later Connect calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var t tx
	for _, s := range h.calls.EndAll(call.ReasonShutdown, h.now()) {
		for _, name := range []string{s.Initiator, s.Callee} {
			if e, ok := h.registry.Lookup(name); ok {
				t.send(e.Handle, callEndedEvent(s.Counterpart(name), s))
			}
		}
		t.ended = append(t.ended, s)
	}
	ended := h.commit(&t)
	entries := h.registry.Entries()
	for _, e := range entries {
		h.registry.Unregister(e.Identity.Username, e.Handle)
		h.presence.Remove(e.Identity.Username)
		e.Handle.Close("shutdown")
	}
	h.mu.Unlock()

	h.log.Info("hub drained", "connections", len(entries), "sessions", len(ended))
	h.record(ended)
}
