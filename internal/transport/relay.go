package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/signaling"
)

const (
	wsWriteWait        = 1 * time.Second
	defaultJoinTimeout = 10 * time.Second
)

// RelayDialer opens transports backed by the session relay's WebSocket
// endpoint.
type RelayDialer struct {
	// URL is the relay's signaling endpoint, e.g. ws://host:8080/signaling.
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// JoinTimeout bounds the wait for the relay's join reply when ctx has no
	// deadline.
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

// Open dials the relay, joins desc's session and returns once the relay has
// acknowledged the join with session-info. A refused join returns an error
// wrapping ErrJoinRejected and the relay's *signaling.ProtocolError.
func (d *RelayDialer) Open(ctx context.Context, desc signaling.SessionDescriptor) (Transport, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	joinTimeout := d.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}

	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	t := &relayTransport{
		inbox: newInbox(),
		desc:  desc,
		ws:    ws,
		log:   logger.With("session_id", desc.SessionID, "user_id", desc.LocalUserID, "backend", "relay"),
	}

	deadline := time.Now().Add(joinTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	err = t.join(deadline)
	if !stop() {
		err = errors.Join(ctx.Err(), err)
	}
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	go t.readLoop()
	return t, nil
}

type relayTransport struct {
	inbox

	desc signaling.SessionDescriptor
	ws   *websocket.Conn
	log  *slog.Logger

	// mu guards the fields below and serializes socket writes so queued
	// messages are flushed before anything sent after them.
	mu          sync.Mutex
	peerPresent bool
	pending     []signaling.Message
	closed      bool
	broken      bool

	closeOnce sync.Once
}

func (t *relayTransport) join(deadline time.Time) error {
	msg, err := t.desc.Message(signaling.MessageTypeJoin, nil)
	if err != nil {
		return err
	}
	if err := t.write(msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	_ = t.ws.SetReadDeadline(deadline)
	for {
		reply, err := t.read()
		if err != nil {
			return fmt.Errorf("await join reply: %w", err)
		}
		switch reply.Type {
		case signaling.MessageTypeSessionInfo:
			info, err := reply.DecodeSessionInfo()
			if err != nil {
				return err
			}
			for _, u := range info.Users {
				if u.UserID != t.desc.LocalUserID {
					t.peerPresent = true
				}
			}
			t.log.Debug("joined relay session", "members", len(info.Users), "peer_present", t.peerPresent)
			return nil
		case signaling.MessageTypeError:
			if pe, ok := signaling.AsProtocolError(reply); ok {
				return fmt.Errorf("%w: %w", ErrJoinRejected, pe)
			}
			return ErrJoinRejected
		default:
			// Nothing else should precede the join reply; skip it.
			t.log.Debug("ignoring message before join reply", "type", reply.Type)
		}
	}
}

func (t *relayTransport) read() (signaling.Message, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		return signaling.Message{}, err
	}
	return signaling.ParseMessage(data)
}

func (t *relayTransport) readLoop() {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.broken = true
			t.mu.Unlock()
			if !closed {
				// Nothing will report user-left from here on.
				t.log.Warn("relay connection lost", "err", err)
				t.peerLeft()
			}
			return
		}
		msg, err := signaling.ParseMessage(data)
		if err != nil {
			t.log.Warn("dropping malformed relay message", "err", err)
			continue
		}
		t.handle(msg)
	}
}

func (t *relayTransport) handle(msg signaling.Message) {
	if msg.Type != signaling.MessageTypeError && msg.SessionID != t.desc.SessionID {
		t.log.Warn("dropping message for another session", "type", msg.Type, "msg_session_id", msg.SessionID)
		return
	}
	switch msg.Type {
	case signaling.MessageTypeUserJoined:
		if msg.UserID != t.desc.LocalUserID {
			t.markPeerPresent()
		}
	case signaling.MessageTypeSessionInfo:
		info, err := msg.DecodeSessionInfo()
		if err != nil {
			return
		}
		for _, u := range info.Users {
			if u.UserID != t.desc.LocalUserID {
				t.markPeerPresent()
			}
		}
	case signaling.MessageTypeUserLeft:
		if msg.UserID == t.desc.LocalUserID {
			return
		}
		t.mu.Lock()
		t.peerPresent = false
		t.mu.Unlock()
		t.log.Info("peer left session", "peer_id", msg.UserID)
		t.peerLeft()
	case signaling.MessageTypeOffer:
		if sdp, err := msg.DecodeSDP(); err == nil {
			t.offers.publish(&sdp)
		}
	case signaling.MessageTypeAnswer:
		if sdp, err := msg.DecodeSDP(); err == nil {
			t.answers.publish(&sdp)
		}
	case signaling.MessageTypeICECandidate:
		if c, err := msg.DecodeCandidate(); err == nil {
			t.candidates.publish(c)
		}
	case signaling.MessageTypeError:
		if pe, ok := signaling.AsProtocolError(msg); ok {
			t.log.Warn("relay rejected message", "code", pe.Code, "reason", pe.Message)
		}
	}
}

// markPeerPresent flushes messages queued while the session had no peer, in
// the order they were queued.
func (t *relayTransport) markPeerPresent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peerPresent {
		return
	}
	t.peerPresent = true
	pending := t.pending
	t.pending = nil
	if len(pending) > 0 {
		t.log.Debug("peer present, flushing queued signaling", "count", len(pending))
	}
	for i, msg := range pending {
		if err := t.write(msg); err != nil {
			t.log.Warn("flush queued signaling failed", "type", msg.Type, "dropped", len(pending)-i, "err", err)
			return
		}
	}
}

func (t *relayTransport) SignalOffer(ctx context.Context, sdp signaling.SDP) error {
	return t.send(ctx, signaling.MessageTypeOffer, sdp, true)
}

// SignalAnswer is never queued.
func (t *relayTransport) SignalAnswer(ctx context.Context, sdp signaling.SDP) error {
	return t.send(ctx, signaling.MessageTypeAnswer, sdp, false)
}

func (t *relayTransport) SignalICECandidate(ctx context.Context, c signaling.Candidate) error {
	return t.send(ctx, signaling.MessageTypeICECandidate, c, true)
}

func (t *relayTransport) send(ctx context.Context, typ signaling.MessageType, payload any, queueUntilPeer bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := t.desc.Message(typ, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return ErrClosed
	case t.broken:
		return ErrNotReady
	}
	if queueUntilPeer && !t.peerPresent {
		t.pending = append(t.pending, msg)
		return nil
	}
	if err := t.write(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

func (t *relayTransport) write(msg signaling.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *relayTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.pending = nil
		if !t.broken {
			if msg, err := t.desc.Message(signaling.MessageTypeLeave, nil); err == nil {
				if err := t.write(msg); err != nil {
					t.log.Debug("send leave failed", "err", err)
				}
			}
			_ = t.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"), time.Now().Add(wsWriteWait))
		}
		t.mu.Unlock()

		t.inbox.close()
		_ = t.ws.Close()
	})
	return nil
}

var _ Transport = (*relayTransport)(nil)

// IsJoinRejected reports whether err is a refused join, returning the relay's
// error code when one was given.
func IsJoinRejected(err error) (code string, ok bool) {
	if !errors.Is(err, ErrJoinRejected) {
		return "", false
	}
	var pe *signaling.ProtocolError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", true
}
