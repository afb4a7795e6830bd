package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vakeelsaab/vakeel-signal/internal/auth"
	"github.com/vakeelsaab/vakeel-signal/internal/metrics"
	"github.com/vakeelsaab/vakeel-signal/internal/protocol"
	"github.com/vakeelsaab/vakeel-signal/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

var (
	errConnClosed   = errors.New("signaling: connection closed")
	errSlowConsumer = errors.New("signaling: send queue full")
)

// conn is the hub's handle for one socket. Only the writer goroutine writes
// data frames; the reader goroutine owns reads.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	id       string
	identity auth.Identity
	limiter  *ratelimit.TokenBucket

	queue      chan []byte
	done       chan struct{}
	writerDone chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newConn(s *Server, ws *websocket.Conn, id string, identity auth.Identity) *conn {
	return &conn{
		srv:        s,
		ws:         ws,
		id:         id,
		identity:   identity,
		limiter:    ratelimit.NewPerSecond(s.cfg.Clock, s.cfg.MessagesPerSecond),
		queue:      make(chan []byte, s.cfg.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }
func (c *conn) Identity() auth.Identity { return c.identity }

// Send enqueues ev without blocking. A full queue closes the connection.
func (c *conn) Send(ev protocol.Event) error {
	b, err := ev.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.queue <- b:
		return nil
	default:
		c.srv.cfg.Metrics.Inc(metrics.ConnectionsSlow)
		c.srv.cfg.Logger.Warn("closing slow consumer", "username", c.identity.Username, "conn_id", c.id)
		c.shutdown(websocket.ClosePolicyViolation, "slow consumer")
		return errSlowConsumer
	}
}

// Close is called by the hub when the connection is superseded or the hub
// drains. Events queued before the call are still flushed.
func (c *conn) Close(reason string) {
	code := websocket.ClosePolicyViolation
	if reason == "shutdown" {
		code = websocket.CloseGoingAway
	}
	c.shutdown(code, reason)
}

// shutdown records the close frame to send and stops the writer. Only the
// first call has any effect. A zero code closes without a close frame.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// fail reports a terminal protocol error and closes with closeCode.
func (c *conn) fail(code protocol.ErrorCode, ref protocol.Type, message string, closeCode int, closeReason string) {
	_ = c.Send(protocol.NewError(code, ref, "", message).Event())
	c.shutdown(closeCode, closeReason)
}

func (c *conn) readLoop() {
	cfg := c.srv.cfg
	defer func() {
		cfg.Hub.Disconnect(c)
		c.shutdown(websocket.CloseNormalClosure, "")
		<-c.writerDone
	}()

	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		cfg.Metrics.Inc(metrics.MessagesIn)

		// Rate limit after reading so the close frame is not lost behind
		// unread bytes.
		if !c.limiter.Allow(1) {
			cfg.Metrics.Inc(metrics.MessagesRateLimited)
			c.fail(protocol.CodeRateLimited, "", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(protocol.CodeMalformedEnvelope, "", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.ParseInbound(data)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			cfg.Metrics.Inc(metrics.MessagesUnknownType)
			cfg.Logger.Debug("dropping unknown message type", "username", c.identity.Username, "err", err)
			continue
		case err != nil:
			cfg.Metrics.Inc(metrics.MessagesMalformed)
			_ = c.Send(protocol.ErrorEvent(err))
			continue
		}
		cfg.Hub.Dispatch(c, msg)
	}
}

func (c *conn) readFailed(err error) {
	log := c.srv.cfg.Logger
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent 1009.
		c.srv.cfg.Metrics.Inc(metrics.MessagesMalformed)
		log.Info("signaling message too large", "username", c.identity.Username, "conn_id", c.id)
		c.shutdown(0, "")
	case isTimeout(err):
		log.Info("signaling connection idle", "username", c.identity.Username, "conn_id", c.id)
		c.shutdown(websocket.CloseNormalClosure, "idle timeout")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		log.Debug("signaling connection closed", "username", c.identity.Username, "conn_id", c.id, "err", err)
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-c.queue:
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.shutdown(0, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.shutdown(0, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != 0 {
				writeClose(c.ws, c.closeCode, c.closeReason)
			}
			return
		}
	}
}

// flush writes whatever was queued before shutdown.
func (c *conn) flush() {
	for {
		select {
		case b := <-c.queue:
			if err := c.write(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(msgType int, b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(msgType, b)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
