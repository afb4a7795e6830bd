package metrics

import (
	"maps"
	"sync"
)

// Event counter names.
const (
	ConnectionsAccepted   = "ws_connections_accepted"
	ConnectionsRejected   = "ws_connections_rejected_auth"
	ConnectionsSuperseded = "ws_connections_superseded"
	ConnectionsSlow       = "ws_connections_closed_slow_consumer"
	MessagesIn            = "ws_messages_in"
	MessagesRateLimited   = "ws_messages_rate_limited"
	MessagesMalformed     = "ws_messages_malformed"
	MessagesUnknownType   = "ws_messages_unknown_type"

	CallsRequested  = "calls_requested"
	CallsDuplicate  = "calls_duplicate_request"
	CallsAccepted   = "calls_accepted"
	CallsDeclined   = "calls_declined"
	CallsActivated  = "calls_activated"
	CallsEnded      = "calls_ended"
	CallsExpired    = "calls_expired"
	RelayForwarded  = "relay_forwarded"
	RelayRejected   = "relay_rejected"
	ChatForwarded   = "chat_forwarded"
	StatusUpdates   = "presence_status_updates"
	ErrorsReported  = "errors_reported"
	HistoryFailures = "call_history_write_failures"
)

// Metrics is a concurrency-safe counter registry exported through
// PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil *Metrics so components can run without metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.m)
}
