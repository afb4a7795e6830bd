package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vakeelsaab/vakeel-signal/internal/auth"
	"github.com/vakeelsaab/vakeel-signal/internal/hub"
	"github.com/vakeelsaab/vakeel-signal/internal/metrics"
	"github.com/vakeelsaab/vakeel-signal/internal/origin"
	"github.com/vakeelsaab/vakeel-signal/internal/protocol"
	"github.com/vakeelsaab/vakeel-signal/internal/ratelimit"
	"github.com/vakeelsaab/vakeel-signal/internal/room"
)

const (
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultMaxMessageBytes   = 64 * 1024
	defaultMessagesPerSecond = 50
	defaultSendQueueSize     = 128
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub      *hub.Hub
	Verifier auth.Verifier

	// AllowedOrigins is checked during the upgrade; empty means same host only.
	AllowedOrigins []string

	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	SendQueueSize     int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Clock drives the per-connection rate limiter.
	Clock ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = min(defaultPingInterval, c.IdleTimeout/2)
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Server accepts signaling WebSockets.
//
// Endpoints:
//   - GET /ws : signaling socket
//   - GET /   : same socket, for clients that connect to the bare host
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.CheckRequest(r, cfg.AllowedOrigins)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, authErr := auth.Authenticate(s.cfg.Verifier, r)
	if authErr == nil && !room.ValidUsername(id.Username) {
		authErr = errors.New("username is not allowed")
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		s.cfg.Logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	if authErr != nil {
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		s.cfg.Logger.Info("websocket authentication failed", "remote", r.RemoteAddr, "err", authErr)
		rejectUnauthenticated(ws, authErr)
		return
	}

	c := newConn(s, ws, uuid.NewString(), id)
	go c.writeLoop()
	if err := s.cfg.Hub.Connect(c); err != nil {
		s.cfg.Logger.Warn("hub refused connection", "username", id.Username, "conn_id", c.id, "err", err)
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		<-c.writerDone
		return
	}
	s.cfg.Metrics.Inc(metrics.ConnectionsAccepted)
	c.readLoop()
}

// rejectUnauthenticated reports the failure on the socket itself so browser
// clients, which cannot read the HTTP status of a failed upgrade, see why.
func rejectUnauthenticated(ws *websocket.Conn, err error) {
	defer ws.Close()
	msg := "invalid credentials"
	if errors.Is(err, auth.ErrMissingCredentials) {
		msg = "missing credentials"
	}
	ev := protocol.NewError(protocol.CodeAuthenticationFailure, "", "", msg).Event()
	if b, err := ev.Marshal(); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = ws.WriteMessage(websocket.TextMessage, b)
	}
	writeClose(ws, websocket.ClosePolicyViolation, "unauthorized")
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
