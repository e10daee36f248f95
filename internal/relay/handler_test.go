package relay_test

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/relay"
	"github.com/peerlink/peerlink/internal/signaling"
)

type testServer struct {
	reg     *relay.Registry
	handler *relay.Handler
	metrics *metrics.Metrics
	url     string
}

func startServer(t *testing.T, cfg relay.HandlerConfig) *testServer {
	t.Helper()
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := relay.NewRegistry(relay.RegistryConfig{Logger: logger, Metrics: m})
	cfg.Logger = logger
	cfg.Metrics = m
	h := relay.NewHandler(reg, cfg)

	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})
	return &testServer{
		reg:     reg,
		handler: h,
		metrics: m,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg signaling.Message) {
	t.Helper()
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func build(t *testing.T, typ signaling.MessageType, sessionID, userID string, isHost bool, payload any) signaling.Message {
	t.Helper()
	msg, err := signaling.NewMessage(typ, sessionID, userID, isHost, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func recv(t *testing.T, c *websocket.Conn) signaling.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	msg, err := signaling.ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage(%s): %v", data, err)
	}
	return msg
}

func expectType(t *testing.T, c *websocket.Conn, want signaling.MessageType) signaling.Message {
	t.Helper()
	msg := recv(t, c)
	if msg.Type != want {
		t.Fatalf("got %q (%+v), want %q", msg.Type, msg, want)
	}
	return msg
}

func expectError(t *testing.T, c *websocket.Conn, code string) {
	t.Helper()
	msg := expectType(t, c, signaling.MessageTypeError)
	pe, ok := signaling.AsProtocolError(msg)
	if !ok || pe.Code != code {
		t.Fatalf("error=%+v, want code %q", pe, code)
	}
}

// expectSilence leaves c unusable for further reads.
func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected message %s", data)
	}
}

func join(t *testing.T, c *websocket.Conn, sessionID, userID string, isHost bool) signaling.SessionInfo {
	t.Helper()
	send(t, c, build(t, signaling.MessageTypeJoin, sessionID, userID, isHost, nil))
	info, err := expectType(t, c, signaling.MessageTypeSessionInfo).DecodeSessionInfo()
	if err != nil {
		t.Fatalf("DecodeSessionInfo: %v", err)
	}
	return info
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_HostAndGuestExchange(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	host := dial(t, srv.url)
	guest := dial(t, srv.url)

	if info := join(t, host, "S1", "H", true); len(info.Users) != 1 {
		t.Fatalf("host session-info=%+v", info)
	}
	info := join(t, guest, "S1", "G", false)
	if len(info.Users) != 2 || info.Users[0].UserID != "H" || info.Users[1].UserID != "G" {
		t.Fatalf("guest session-info=%+v", info)
	}
	if msg := expectType(t, host, signaling.MessageTypeUserJoined); msg.UserID != "G" {
		t.Fatalf("user-joined=%+v", msg)
	}

	send(t, host, build(t, signaling.MessageTypeOffer, "S1", "H", true, signaling.SDP{Type: "offer", SDP: "v=0 offer"}))
	offer, err := expectType(t, guest, signaling.MessageTypeOffer).DecodeSDP()
	if err != nil || offer.SDP != "v=0 offer" {
		t.Fatalf("offer=%+v err=%v", offer, err)
	}

	send(t, guest, build(t, signaling.MessageTypeAnswer, "S1", "G", false, signaling.SDP{Type: "answer", SDP: "v=0 answer"}))
	answer, err := expectType(t, host, signaling.MessageTypeAnswer).DecodeSDP()
	if err != nil || answer.SDP != "v=0 answer" {
		t.Fatalf("answer=%+v err=%v", answer, err)
	}

	for i, cand := range []string{"candidate:1", "candidate:2", "candidate:3"} {
		send(t, host, build(t, signaling.MessageTypeICECandidate, "S1", "H", true, signaling.Candidate{Candidate: cand}))
		got, err := expectType(t, guest, signaling.MessageTypeICECandidate).DecodeCandidate()
		if err != nil || got.Candidate != cand {
			t.Fatalf("candidate %d=%+v err=%v", i, got, err)
		}
	}

	// Nothing the host sent came back to it: its next frame is user-left.
	send(t, guest, build(t, signaling.MessageTypeLeave, "S1", "G", false, nil))
	if msg := expectType(t, host, signaling.MessageTypeUserLeft); msg.UserID != "G" {
		t.Fatalf("user-left=%+v", msg)
	}
	send(t, host, build(t, signaling.MessageTypeLeave, "S1", "H", true, nil))
	waitFor(t, func() bool { return !srv.reg.Has("S1") })
}

func TestHandler_ThirdJoinRejected(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	a, b, c := dial(t, srv.url), dial(t, srv.url), dial(t, srv.url)
	join(t, a, "S1", "a", true)
	join(t, b, "S1", "b", false)
	expectType(t, a, signaling.MessageTypeUserJoined)

	send(t, c, build(t, signaling.MessageTypeJoin, "S1", "c", false, nil))
	expectError(t, c, signaling.CodeSessionFull)
	expectSilence(t, a)
	if got := len(srv.reg.Members("S1")); got != 2 {
		t.Fatalf("members=%d, want 2", got)
	}
}

func TestHandler_DuplicateUserRejected(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	a, b := dial(t, srv.url), dial(t, srv.url)
	join(t, a, "S1", "u", true)

	send(t, b, build(t, signaling.MessageTypeJoin, "S1", "u", false, nil))
	expectError(t, b, signaling.CodeDuplicateJoin)
}

func TestHandler_SecondJoinOnSameConnection(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	c := dial(t, srv.url)
	join(t, c, "S1", "u", true)

	send(t, c, build(t, signaling.MessageTypeJoin, "S2", "u", true, nil))
	expectError(t, c, signaling.CodeAlreadyJoined)
	if srv.reg.Has("S2") {
		t.Fatalf("second join must not create a session")
	}
}

func TestHandler_LeaveForUnknownUserIsRejected(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	host, guest := dial(t, srv.url), dial(t, srv.url)
	join(t, host, "S1", "H", true)
	join(t, guest, "S1", "G", false)
	expectType(t, host, signaling.MessageTypeUserJoined)

	send(t, guest, build(t, signaling.MessageTypeLeave, "S1", "ghost", false, nil))
	expectError(t, guest, signaling.CodeNotMember)
	expectSilence(t, host)

	stranger := dial(t, srv.url)
	send(t, stranger, build(t, signaling.MessageTypeLeave, "S1", "ghost", false, nil))
	expectError(t, stranger, signaling.CodeNotJoined)
	send(t, stranger, build(t, signaling.MessageTypeLeave, "S9", "ghost", false, nil))
	expectError(t, stranger, signaling.CodeUnknownSession)

	snap := srv.reg.Snapshot()
	if len(snap) != 1 || snap["S1"].UserCount != 2 {
		t.Fatalf("snapshot=%v, want S1 with 2 users", snap)
	}
}

func TestHandler_AbruptDisconnectActsAsLeave(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	host, guest := dial(t, srv.url), dial(t, srv.url)
	join(t, host, "S1", "H", true)
	join(t, guest, "S1", "G", false)
	expectType(t, host, signaling.MessageTypeUserJoined)

	_ = guest.Close()
	if msg := expectType(t, host, signaling.MessageTypeUserLeft); msg.UserID != "G" {
		t.Fatalf("user-left=%+v", msg)
	}

	_ = host.Close()
	waitFor(t, func() bool { return srv.reg.Len() == 0 })
}

func TestHandler_BadMessageKeepsConnection(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	c := dial(t, srv.url)

	for _, raw := range []string{
		`not json`,
		`{"type":"offer","sessionId":"S1","userId":"u","isHost":true}`,
		`{"type":"user-joined","sessionId":"S1","userId":"u","isHost":false}`,
	} {
		if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		expectError(t, c, signaling.CodeBadMessage)
	}
	join(t, c, "S1", "u", true)
	if srv.metrics.Get(metrics.ProtocolErrors) != 3 {
		t.Fatalf("ProtocolErrors=%d, want 3", srv.metrics.Get(metrics.ProtocolErrors))
	}
}

func TestHandler_BadMessageReplyNamesSession(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	c := dial(t, srv.url)

	raw := `{"type":"offer","sessionId":"S7","userId":"u","isHost":true}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	msg := expectType(t, c, signaling.MessageTypeError)
	if pe, ok := signaling.AsProtocolError(msg); !ok || pe.Code != signaling.CodeBadMessage {
		t.Fatalf("error=%+v, want %s", pe, signaling.CodeBadMessage)
	}
	if msg.SessionID != "S7" {
		t.Fatalf("error sessionId=%q, want S7", msg.SessionID)
	}
}

func TestHandler_RateLimitClosesConnection(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{MaxMessagesPerSecond: 1})
	c := dial(t, srv.url)
	join(t, c, "S1", "u", true)

	send(t, c, build(t, signaling.MessageTypeJoin, "S1", "u", true, nil))
	expectError(t, c, signaling.CodeRateLimited)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
	waitFor(t, func() bool { return !srv.reg.Has("S1") })
}

func TestHandler_IdleTimeoutClosesWithoutPong(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{
		IdleTimeout:  300 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})
	c := dial(t, srv.url)
	c.SetPingHandler(func(string) error { return nil })

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v, want normal closure", err)
	}
}

func TestHandler_PongKeepsConnectionOpen(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{
		IdleTimeout:  300 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})
	c := dial(t, srv.url)

	// The default ping handler answers with a pong while ReadMessage runs.
	_ = c.SetReadDeadline(time.Now().Add(900 * time.Millisecond))
	_, _, err := c.ReadMessage()
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("err=%v, want client-side read timeout", err)
	}
}

func TestHandler_CloseDisconnectsClients(t *testing.T) {
	srv := startServer(t, relay.HandlerConfig{})
	c := dial(t, srv.url)
	join(t, c, "S1", "u", true)

	srv.handler.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v, want going away", err)
	}
	if srv.reg.Len() != 0 {
		t.Fatalf("sessions left after Close: %v", srv.reg.Snapshot())
	}
}
