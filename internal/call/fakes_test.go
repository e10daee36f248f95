package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/signaling"
	"github.com/peerlink/peerlink/internal/transport"
	"github.com/peerlink/peerlink/internal/webrtcpeer"
)

const waitTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeTransport records signaling sends and lets tests push remote values.
type fakeTransport struct {
	mu         sync.Mutex
	offerSubs  map[int]func(*signaling.SDP)
	answerSubs map[int]func(*signaling.SDP)
	iceSubs    map[int]func(signaling.Candidate)
	nextID     int
	offer      *signaling.SDP
	hasOffer   bool
	answer     *signaling.SDP
	hasAnswer  bool
	candidates []signaling.Candidate
	sent       []string
	closed     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		offerSubs:  map[int]func(*signaling.SDP){},
		answerSubs: map[int]func(*signaling.SDP){},
		iceSubs:    map[int]func(signaling.Candidate){},
	}
}

func (f *fakeTransport) SubscribeOffers(fn func(*signaling.SDP)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.offerSubs[id] = fn
	current, has := f.offer, f.hasOffer
	f.mu.Unlock()
	if has {
		fn(current)
	}
	return func() {
		f.mu.Lock()
		delete(f.offerSubs, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) SubscribeAnswers(fn func(*signaling.SDP)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.answerSubs[id] = fn
	current, has := f.answer, f.hasAnswer
	f.mu.Unlock()
	if has {
		fn(current)
	}
	return func() {
		f.mu.Lock()
		delete(f.answerSubs, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) SubscribeICECandidates(fn func(signaling.Candidate)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.iceSubs[id] = fn
	backlog := append([]signaling.Candidate(nil), f.candidates...)
	f.mu.Unlock()
	for _, c := range backlog {
		fn(c)
	}
	return func() {
		f.mu.Lock()
		delete(f.iceSubs, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) deliverOffer(sdp *signaling.SDP) {
	f.mu.Lock()
	f.offer, f.hasOffer = sdp, true
	subs := make([]func(*signaling.SDP), 0, len(f.offerSubs))
	for _, fn := range f.offerSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(sdp)
	}
}

func (f *fakeTransport) deliverAnswer(sdp *signaling.SDP) {
	f.mu.Lock()
	f.answer, f.hasAnswer = sdp, true
	subs := make([]func(*signaling.SDP), 0, len(f.answerSubs))
	for _, fn := range f.answerSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(sdp)
	}
}

func (f *fakeTransport) deliverCandidate(c signaling.Candidate) {
	f.mu.Lock()
	f.candidates = append(f.candidates, c)
	subs := make([]func(signaling.Candidate), 0, len(f.iceSubs))
	for _, fn := range f.iceSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (f *fakeTransport) record(ev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return transport.ErrClosed
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) SignalOffer(_ context.Context, sdp signaling.SDP) error {
	return f.record("offer:" + sdp.SDP)
}

func (f *fakeTransport) SignalAnswer(_ context.Context, sdp signaling.SDP) error {
	return f.record("answer:" + sdp.SDP)
}

func (f *fakeTransport) SignalICECandidate(_ context.Context, c signaling.Candidate) error {
	return f.record("ice:" + c.Candidate)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeOpener hands out a fresh fakeTransport per Open.
type fakeOpener struct {
	mu      sync.Mutex
	opened  []*fakeTransport
	calls   int
	err     error
	block   bool
	entered chan struct{}
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{entered: make(chan struct{}, 16)}
}

func (o *fakeOpener) Open(ctx context.Context, _ signaling.SessionDescriptor) (transport.Transport, error) {
	o.mu.Lock()
	o.calls++
	block, err := o.block, o.err
	o.mu.Unlock()
	if block {
		o.entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	tr := newFakeTransport()
	o.mu.Lock()
	o.opened = append(o.opened, tr)
	o.mu.Unlock()
	return tr, nil
}

func (o *fakeOpener) openCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *fakeOpener) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	var tr *fakeTransport
	waitFor(t, "transport to open", func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		if len(o.opened) > i {
			tr = o.opened[i]
			return true
		}
		return false
	})
	return tr
}

// fakePeer records every call the orchestrator makes on it.
type fakePeer struct {
	mu           sync.Mutex
	calls        []string
	onICE        func(signaling.Candidate)
	onState      func(webrtcpeer.PeerState)
	onDC         func(webrtcpeer.DataChannel)
	onTrack      func(string)
	dc           *fakeDataChannel
	closed       int
	setRemoteErr error
}

func (p *fakePeer) record(ev string) {
	p.mu.Lock()
	p.calls = append(p.calls, ev)
	p.mu.Unlock()
}

func (p *fakePeer) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) count(ev string) int {
	n := 0
	for _, c := range p.callLog() {
		if c == ev {
			n++
		}
	}
	return n
}

func (p *fakePeer) CreateOffer() (signaling.SDP, error) {
	p.record("createOffer")
	return signaling.SDP{Type: "offer", SDP: "offer-sdp"}, nil
}

func (p *fakePeer) CreateAnswer() (signaling.SDP, error) {
	p.record("createAnswer")
	return signaling.SDP{Type: "answer", SDP: "answer-sdp"}, nil
}

func (p *fakePeer) SetLocalDescription(sdp signaling.SDP) error {
	p.record("setLocal:" + sdp.Type)
	return nil
}

func (p *fakePeer) SetRemoteDescription(sdp signaling.SDP) error {
	p.record("setRemote:" + sdp.Type)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setRemoteErr
}

func (p *fakePeer) AddICECandidate(c signaling.Candidate) error {
	p.record("addICE:" + c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(track webrtcpeer.LocalTrack) error {
	p.record("addTrack:" + track.Kind())
	return nil
}

func (p *fakePeer) CreateDataChannel(label string) (webrtcpeer.DataChannel, error) {
	p.record("createDataChannel:" + label)
	dc := &fakeDataChannel{label: label}
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
	return dc, nil
}

func (p *fakePeer) OnICECandidate(f func(signaling.Candidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtcpeer.PeerState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) OnDataChannel(f func(webrtcpeer.DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(f func(string)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) fireState(s webrtcpeer.PeerState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(s)
}

func (p *fakePeer) fireICE(c signaling.Candidate) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	f(c)
}

func (p *fakePeer) fireTrack(kind string) {
	p.mu.Lock()
	f := p.onTrack
	p.mu.Unlock()
	f(kind)
}

func (p *fakePeer) fireDataChannel(dc webrtcpeer.DataChannel) {
	p.mu.Lock()
	f := p.onDC
	p.mu.Unlock()
	f(dc)
}

func (p *fakePeer) dataChannel() *fakeDataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

type fakeFactory struct {
	mu      sync.Mutex
	peers   []*fakePeer
	servers [][]webrtc.ICEServer
	// setRemoteErr is applied to every peer created.
	setRemoteErr error
}

func (f *fakeFactory) NewPeerConnection(servers []webrtc.ICEServer) (webrtcpeer.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{setRemoteErr: f.setRemoteErr}
	f.peers = append(f.peers, p)
	f.servers = append(f.servers, servers)
	return p, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) peer(t *testing.T, i int) *fakePeer {
	t.Helper()
	var p *fakePeer
	waitFor(t, "peer connection", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.peers) > i {
			p = f.peers[i]
			return true
		}
		return false
	})
	return p
}

type fakeDataChannel struct {
	mu        sync.Mutex
	label     string
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
	closed    bool
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("datachannel closed")
	}
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeDataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) OnMessage(f func([]byte)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDataChannel) wired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onOpen != nil && d.onMessage != nil
}

func (d *fakeDataChannel) fireOpen() {
	d.mu.Lock()
	f := d.onOpen
	d.mu.Unlock()
	f()
}

func (d *fakeDataChannel) fireMessage(data string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	f([]byte(data))
}

func (d *fakeDataChannel) sentMessages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type fakeTrack struct {
	kind    string
	enabled atomic.Bool
}

func newFakeTrack(kind string) *fakeTrack {
	t := &fakeTrack{kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) Kind() string                  { return t.kind }
func (t *fakeTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(on bool)            { t.enabled.Store(on) }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
	tracks   []*fakeTrack
}

func (m *fakeMedia) Acquire(_ context.Context, c webrtcpeer.MediaConstraints) (*webrtcpeer.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
	if m.err != nil {
		return nil, m.err
	}
	var tracks []webrtcpeer.LocalTrack
	m.tracks = nil
	if c.Audio {
		t := newFakeTrack(webrtcpeer.KindAudio)
		m.tracks = append(m.tracks, t)
		tracks = append(tracks, t)
	}
	if c.Video {
		t := newFakeTrack(webrtcpeer.KindVideo)
		m.tracks = append(m.tracks, t)
		tracks = append(tracks, t)
	}
	return webrtcpeer.NewLocalStream(tracks, func() {
		m.mu.Lock()
		m.released++
		m.mu.Unlock()
	}), nil
}

func (m *fakeMedia) counts() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

func (m *fakeMedia) track(kind string) *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// statusLog records every status the orchestrator publishes.
type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	l.seen = append(l.seen, s)
	l.mu.Unlock()
}

func (l *statusLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.seen))
	for _, s := range l.seen {
		if len(out) > 0 && out[len(out)-1] == s.State {
			continue
		}
		out = append(out, s.State)
	}
	return out
}

type harness struct {
	o       *Orchestrator
	opener  *fakeOpener
	factory *fakeFactory
	media   *fakeMedia
	status  *statusLog
}

func newHarness(t *testing.T, isHost bool, mutate func(*Config, *harness)) *harness {
	t.Helper()
	h := &harness{
		opener:  newFakeOpener(),
		factory: &fakeFactory{},
		media:   &fakeMedia{},
		status:  &statusLog{},
	}
	userID := "guest"
	if isHost {
		userID = "host"
	}
	cfg := Config{
		Session:     signaling.SessionDescriptor{SessionID: "S1", LocalUserID: userID, IsHost: isHost},
		Transports:  h.opener,
		Peers:       h.factory,
		Media:       h.media,
		Constraints: webrtcpeer.MediaConstraints{Audio: true, Video: true},
		Reconnect:   ReconnectPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
		Logger:      discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg, h)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.OnStatusChange(h.status.add)
	t.Cleanup(o.Close)
	h.o = o
	return h
}
