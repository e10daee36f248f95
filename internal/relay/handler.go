package relay

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/ratelimit"
	"github.com/peerlink/peerlink/internal/signaling"
)

const wsWriteWait = 1 * time.Second

const (
	DefaultMaxMessageBytes = 64 * 1024
	DefaultIdleTimeout     = 60 * time.Second
	DefaultPingInterval    = 20 * time.Second
)

type HandlerConfig struct {
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock
}

// Handler upgrades requests to WebSocket and attaches every connection to the
// registry. Origin checks are the caller's responsibility.
type Handler struct {
	reg      *Registry
	cfg      HandlerConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewHandler(reg *Registry, cfg HandlerConfig) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(DefaultPingInterval, cfg.IdleTimeout/2)
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reg:     reg,
		cfg:     cfg,
		log:     logger,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &conn{
		id:      uuid.NewString(),
		h:       h,
		ws:      ws,
		remote:  r.RemoteAddr,
		limiter: ratelimit.NewMessageLimiter(h.cfg.Clock, h.cfg.MaxMessagesPerSecond),
	}
	c.log = h.log.With("conn_id", c.id, "remote", c.remote)

	if !h.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer h.untrack(c)

	h.metrics.Inc(metrics.ConnectionsOpened)
	c.log.Debug("signaling connection opened")
	c.run()
	h.metrics.Inc(metrics.ConnectionsClosed)
	c.log.Debug("signaling connection closed")
}

// Close disconnects every client and waits for their sessions to be cleaned
// up. New connections are refused afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = c.ws.Close()
	}
	h.wg.Wait()
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

type conn struct {
	id      string
	h       *Handler
	ws      *websocket.Conn
	remote  string
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	// Owned by the read loop.
	joined    bool
	sessionID string
	userID    string
}

// Send implements Client. A failed write tears the socket down so the read
// loop exits and the registry forgets this member.
func (c *conn) Send(msg signaling.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = c.ws.Close()
		return err
	}
	return nil
}

func (c *conn) run() {
	defer c.close()

	idle := c.h.cfg.IdleTimeout
	c.ws.SetReadLimit(c.h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(done)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.log.Debug("signaling connection idle")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.fail(signaling.CodeBadMessage, "message too large", websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		if !c.limiter.Allow(1) {
			c.h.metrics.Inc(metrics.RateLimited)
			c.fail(signaling.CodeRateLimited, "too many messages", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.reject("", signaling.CodeBadMessage, "expected a text frame")
			continue
		}

		msg, err := signaling.ParseMessage(data)
		if err != nil {
			c.reject(msg.SessionID, signaling.CodeBadMessage, err.Error())
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeJoin:
		c.handleJoin(msg)
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeICECandidate:
		if err := c.checkOwner(msg); err != nil {
			c.rejectErr(msg, err)
			return
		}
		if err := c.h.reg.Relay(msg, c); err != nil {
			c.rejectErr(msg, err)
		}
	case signaling.MessageTypeLeave:
		if err := c.checkOwner(msg); err != nil {
			c.rejectErr(msg, err)
			return
		}
		if err := c.h.reg.Leave(msg.SessionID, msg.UserID, c); err != nil {
			c.rejectErr(msg, err)
			return
		}
		c.joined = false
		c.log.Debug("left session", "session_id", msg.SessionID, "user_id", msg.UserID)
	default:
		c.reject(msg.SessionID, signaling.CodeBadMessage, "clients may not send "+string(msg.Type))
	}
}

func (c *conn) handleJoin(msg signaling.Message) {
	if c.joined {
		c.reject(msg.SessionID, signaling.CodeAlreadyJoined, "connection already joined session "+c.sessionID)
		return
	}
	if err := c.h.reg.Join(msg.SessionID, msg.UserID, msg.IsHost, c); err != nil {
		c.rejectErr(msg, err)
		return
	}
	c.joined = true
	c.sessionID = msg.SessionID
	c.userID = msg.UserID
	c.log = c.log.With("session_id", c.sessionID, "user_id", c.userID)
}

// checkOwner rejects messages that claim an identity other than the one this
// connection joined with.
func (c *conn) checkOwner(msg signaling.Message) error {
	if !c.joined {
		if !c.h.reg.Has(msg.SessionID) {
			return ErrUnknownSession
		}
		return errNotJoined
	}
	if msg.SessionID != c.sessionID || msg.UserID != c.userID {
		return ErrNotMember
	}
	return nil
}

func (c *conn) rejectErr(msg signaling.Message, err error) {
	c.reject(msg.SessionID, protocolCode(err), err.Error())
}

func (c *conn) reject(sessionID, code, message string) {
	c.h.metrics.Inc(metrics.ProtocolErrors)
	c.log.Debug("rejected signaling message", "code", code, "reason", message)
	_ = c.Send(signaling.NewErrorMessage(sessionID, code, message))
}

func (c *conn) fail(code, message string, closeCode int, closeReason string) {
	c.reject(c.sessionID, code, message)
	c.closeWith(closeCode, closeReason)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *conn) keepalive(done <-chan struct{}) {
	t := time.NewTicker(c.h.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// close runs once from the read loop. An abrupt disconnect takes the same path
// as an explicit leave. If the registry already evicted this connection, the
// leave is a no-op even when the user has rejoined elsewhere.
func (c *conn) close() {
	if c.joined {
		if err := c.h.reg.Leave(c.sessionID, c.userID, c); err != nil && !errors.Is(err, ErrNotMember) && !errors.Is(err, ErrUnknownSession) {
			c.log.Warn("leave on disconnect failed", "err", err)
		}
		c.joined = false
	}
	_ = c.ws.Close()
}
