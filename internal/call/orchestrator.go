// Package call drives one two-party WebRTC call: it owns the peer connection,
// exchanges offer/answer/ICE over a signaling transport and reconnects with
// backoff when an attempt fails.
//
// All call state is owned by a single event-loop goroutine. Peer connection
// and transport callbacks post closures to that loop tagged with the attempt
// that produced them; closures from an attempt that is no longer current are
// dropped.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/signaling"
	"github.com/peerlink/peerlink/internal/transport"
	"github.com/peerlink/peerlink/internal/webrtcpeer"
)

const (
	DefaultNegotiationTimeout       = 15 * time.Second
	DefaultOfferTimeout             = 60 * time.Second
	DefaultReconnectInitialInterval = 500 * time.Millisecond
	DefaultReconnectMaxInterval     = 10 * time.Second
	DefaultMaxQueuedMessages        = 256

	iceFetchTimeout = 5 * time.Second
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is what a UI renders.
type Status struct {
	State          State
	DataConnected  bool
	MediaConnected bool
}

// ReconnectPolicy bounds automatic reconnection after a failed attempt.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts caps consecutive failed attempts. 0 means unlimited.
	MaxAttempts int
}

type Config struct {
	Session    signaling.SessionDescriptor
	Transports transport.Opener
	Peers      webrtcpeer.Factory

	// Media may be nil, in which case no local tracks are sent.
	Media       webrtcpeer.MediaSource
	Constraints webrtcpeer.MediaConstraints

	// ICE is consulted at the start of every attempt. On failure, or when nil,
	// FallbackICEServers is used.
	ICE                webrtcpeer.ICEServerProvider
	FallbackICEServers []webrtc.ICEServer

	NegotiationTimeout time.Duration
	// OfferTimeout bounds how long a guest attempt waits for the host's
	// offer before starting over on a fresh transport.
	OfferTimeout time.Duration
	Reconnect    ReconnectPolicy
	// MaxQueuedMessages bounds SendData payloads held while the data channel
	// is not open.
	MaxQueuedMessages int

	Logger *slog.Logger
}

type Orchestrator struct {
	cfg Config
	log *slog.Logger

	events    *mailbox
	notes     *mailbox
	quit      chan struct{}
	loopDone  chan struct{}
	notesDone chan struct{}
	closeOnce sync.Once

	// Owned by the event loop.
	gen      uint64
	cur      *attempt
	active   bool
	state    State
	failures int
	backoff  *backoff.ExponentialBackOff
	retry    *time.Timer
	outbound outboundQueue

	mu            sync.Mutex
	status        Status
	lastErr       error
	stream        *webrtcpeer.LocalStream
	audioOn       bool
	videoOn       bool
	receiver      func(json.RawMessage)
	onStatus      func(Status)
	cancelAttempt context.CancelFunc
	// ending is set by EndCall before it reaches the loop so a queued retry
	// does not start another attempt ahead of it.
	ending bool
}

// attempt is one generation: a peer connection plus the transport it
// negotiates over.
type attempt struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	pc     webrtcpeer.PeerConnection
	tr     transport.Transport
	unsubs []func()

	dc     webrtcpeer.DataChannel
	dcOpen bool

	offerSent     bool
	answered      bool
	remoteDescSet bool
	pending       candidateQueue
	negotiation   *time.Timer
	remoteTracks  int
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transports == nil {
		return nil, errors.New("call: no transport opener")
	}
	if cfg.Peers == nil {
		return nil, errors.New("call: no peer connection factory")
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = DefaultReconnectInitialInterval
	}
	if cfg.Reconnect.MaxInterval < cfg.Reconnect.InitialInterval {
		cfg.Reconnect.MaxInterval = max(DefaultReconnectMaxInterval, cfg.Reconnect.InitialInterval)
	}
	if cfg.MaxQueuedMessages <= 0 {
		cfg.MaxQueuedMessages = DefaultMaxQueuedMessages
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:       cfg,
		log:       logger.With("session_id", cfg.Session.SessionID, "user_id", cfg.Session.LocalUserID, "is_host", cfg.Session.IsHost),
		events:    newMailbox(),
		notes:     newMailbox(),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		notesDone: make(chan struct{}),
		state:     StateDisconnected,
		backoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(cfg.Reconnect.InitialInterval),
			backoff.WithMaxInterval(cfg.Reconnect.MaxInterval),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0.2),
			backoff.WithMaxElapsedTime(0),
		),
		outbound: outboundQueue{limit: cfg.MaxQueuedMessages},
		status:   Status{State: StateDisconnected},
		audioOn:  true,
		videoOn:  true,
	}
	go o.events.run(o.quit, o.loopDone)
	go o.notes.run(o.quit, o.notesDone)
	return o, nil
}

// do runs fn on the event loop and waits for it.
func (o *Orchestrator) do(fn func()) error {
	done := make(chan struct{})
	o.events.post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-o.loopDone:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post schedules fn on the event loop if a is still the current attempt when
// it runs.
func (o *Orchestrator) post(a *attempt, fn func()) {
	o.events.post(func() {
		if o.cur == nil || o.cur.gen != a.gen {
			a.log.Debug("dropping callback from stale attempt")
			return
		}
		fn()
	})
}

// StartCall acquires local media if needed and begins the first attempt.
// Attempt failures after this point are handled by the reconnect policy and
// reported through Status and Err; only media acquisition failure and a call
// already in progress are returned here.
func (o *Orchestrator) StartCall(ctx context.Context) error {
	var err error
	if derr := o.do(func() { err = o.startCall(ctx) }); derr != nil {
		return derr
	}
	return err
}

func (o *Orchestrator) startCall(ctx context.Context) error {
	if o.active {
		return ErrCallInProgress
	}
	o.mu.Lock()
	o.ending = false
	o.mu.Unlock()
	if err := o.acquireMedia(ctx); err != nil {
		o.log.Error("cannot start call", "err", err)
		o.setErr(err)
		o.setState(StateDisconnected)
		return err
	}
	o.active = true
	o.failures = 0
	o.backoff.Reset()
	o.startAttempt()
	return nil
}

func (o *Orchestrator) acquireMedia(ctx context.Context) error {
	o.mu.Lock()
	have := o.stream != nil
	o.mu.Unlock()
	c := o.cfg.Constraints
	if have || o.cfg.Media == nil || (!c.Audio && !c.Video) {
		return nil
	}
	stream, err := o.cfg.Media.Acquire(ctx, c)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}
	o.mu.Lock()
	stream.SetEnabled(webrtcpeer.KindAudio, o.audioOn)
	stream.SetEnabled(webrtcpeer.KindVideo, o.videoOn)
	o.stream = stream
	o.mu.Unlock()
	o.log.Debug("local media acquired", "tracks", len(stream.Tracks()))
	return nil
}

func (o *Orchestrator) releaseMedia() {
	o.mu.Lock()
	stream := o.stream
	o.stream = nil
	o.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

func (o *Orchestrator) startAttempt() {
	o.gen++
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{
		gen:    o.gen,
		ctx:    ctx,
		cancel: cancel,
		log:    o.log.With("generation", o.gen),
	}
	o.cur = a
	o.mu.Lock()
	o.cancelAttempt = cancel
	o.mu.Unlock()
	o.setState(StateConnecting)
	a.log.Info("starting call attempt")

	pc, err := o.cfg.Peers.NewPeerConnection(o.iceServers(ctx, a))
	if err != nil {
		o.fail(a, fmt.Errorf("create peer connection: %w", err))
		return
	}
	a.pc = pc
	o.wirePeer(a)

	o.mu.Lock()
	var tracks []webrtcpeer.LocalTrack
	if o.stream != nil {
		tracks = o.stream.Tracks()
	}
	o.mu.Unlock()
	for _, t := range tracks {
		if err := pc.AddTrack(t); err != nil {
			o.fail(a, fmt.Errorf("add %s track: %w", t.Kind(), err))
			return
		}
	}

	if o.cfg.Session.IsHost {
		dc, err := pc.CreateDataChannel(webrtcpeer.DataChannelLabel)
		if err != nil {
			o.fail(a, fmt.Errorf("create data channel: %w", err))
			return
		}
		a.dc = dc
		o.wireDataChannel(a, dc)
	}

	tr, err := o.cfg.Transports.Open(ctx, o.cfg.Session)
	if err != nil {
		o.fail(a, fmt.Errorf("open signaling transport: %w", err))
		return
	}
	a.tr = tr

	// Candidates first, so a replayed backlog is queued ahead of a replayed
	// description.
	a.unsubs = append(a.unsubs, tr.SubscribeICECandidates(func(c signaling.Candidate) {
		o.post(a, func() { o.onRemoteCandidate(a, c) })
	}))
	if o.cfg.Session.IsHost {
		a.unsubs = append(a.unsubs, tr.SubscribeAnswers(func(sdp *signaling.SDP) {
			o.post(a, func() { o.onRemoteAnswer(a, sdp) })
		}))
	} else {
		a.unsubs = append(a.unsubs, tr.SubscribeOffers(func(sdp *signaling.SDP) {
			o.post(a, func() { o.onRemoteOffer(a, sdp) })
		}))
	}

	if o.cfg.Session.IsHost {
		o.sendOffer(a)
		return
	}
	a.negotiation = time.AfterFunc(o.cfg.OfferTimeout, func() {
		o.post(a, func() {
			if !a.remoteDescSet {
				o.fail(a, ErrOfferTimeout)
			}
		})
	})
}

func (o *Orchestrator) iceServers(ctx context.Context, a *attempt) []webrtc.ICEServer {
	if o.cfg.ICE == nil {
		return o.cfg.FallbackICEServers
	}
	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	servers, err := o.cfg.ICE.ICEServers(ctx)
	if err != nil {
		a.log.Warn("ice server fetch failed; using fallback servers", "err", err, "fallback", len(o.cfg.FallbackICEServers))
		return o.cfg.FallbackICEServers
	}
	return servers
}

func (o *Orchestrator) wirePeer(a *attempt) {
	a.pc.OnICECandidate(func(c signaling.Candidate) {
		o.post(a, func() { o.sendCandidate(a, c) })
	})
	a.pc.OnConnectionStateChange(func(s webrtcpeer.PeerState) {
		o.post(a, func() { o.onPeerState(a, s) })
	})
	a.pc.OnTrack(func(kind string) {
		o.post(a, func() {
			a.remoteTracks++
			a.log.Info("remote track added", "kind", kind)
			o.publishStatus()
		})
	})
	if !o.cfg.Session.IsHost {
		a.pc.OnDataChannel(func(dc webrtcpeer.DataChannel) {
			// Handlers go on before anything is posted so no message is missed.
			o.post(a, func() {
				if a.dc != nil && a.dc != dc {
					a.log.Warn("ignoring extra data channel", "label", dc.Label())
					_ = dc.Close()
					return
				}
				a.dc = dc
			})
			o.wireDataChannel(a, dc)
		})
	}
}

func (o *Orchestrator) wireDataChannel(a *attempt, dc webrtcpeer.DataChannel) {
	dc.OnOpen(func() {
		o.post(a, func() { o.onDataOpen(a, dc) })
	})
	dc.OnClose(func() {
		o.post(a, func() {
			if a.dc != dc {
				return
			}
			a.dcOpen = false
			a.log.Info("data channel closed")
			o.publishStatus()
		})
	})
	dc.OnMessage(func(data []byte) {
		data = append([]byte(nil), data...)
		o.post(a, func() {
			if a.dc == dc {
				o.onDataMessage(a, data)
			}
		})
	})
}

func (o *Orchestrator) sendOffer(a *attempt) {
	offer, err := a.pc.CreateOffer()
	if err != nil {
		o.fail(a, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		o.fail(a, fmt.Errorf("set local offer: %w", err))
		return
	}
	if err := a.tr.SignalOffer(a.ctx, offer); err != nil {
		o.fail(a, fmt.Errorf("send offer: %w", err))
		return
	}
	a.offerSent = true
	a.log.Debug("offer sent")
	a.negotiation = time.AfterFunc(o.cfg.NegotiationTimeout, func() {
		o.post(a, func() {
			if !a.answered {
				o.fail(a, ErrNegotiationTimeout)
			}
		})
	})
}

func (o *Orchestrator) onRemoteOffer(a *attempt, sdp *signaling.SDP) {
	if sdp == nil {
		o.fail(a, ErrPeerLeft)
		return
	}
	if a.remoteDescSet {
		a.log.Debug("ignoring repeated offer")
		return
	}
	if err := a.pc.SetRemoteDescription(*sdp); err != nil {
		o.fail(a, fmt.Errorf("set remote offer: %w", err))
		return
	}
	a.remoteDescSet = true
	if a.negotiation != nil {
		a.negotiation.Stop()
	}
	if !o.flushCandidates(a) {
		return
	}
	answer, err := a.pc.CreateAnswer()
	if err != nil {
		o.fail(a, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		o.fail(a, fmt.Errorf("set local answer: %w", err))
		return
	}
	if err := a.tr.SignalAnswer(a.ctx, answer); err != nil {
		o.fail(a, fmt.Errorf("send answer: %w", err))
		return
	}
	a.log.Debug("answer sent")
}

func (o *Orchestrator) onRemoteAnswer(a *attempt, sdp *signaling.SDP) {
	if sdp == nil {
		o.fail(a, ErrPeerLeft)
		return
	}
	if !a.offerSent || a.answered {
		a.log.Debug("ignoring unexpected answer", "offer_sent", a.offerSent, "answered", a.answered)
		return
	}
	if err := a.pc.SetRemoteDescription(*sdp); err != nil {
		o.fail(a, fmt.Errorf("set remote answer: %w", err))
		return
	}
	a.answered = true
	a.remoteDescSet = true
	if a.negotiation != nil {
		a.negotiation.Stop()
	}
	o.flushCandidates(a)
}

func (o *Orchestrator) onRemoteCandidate(a *attempt, c signaling.Candidate) {
	if !a.remoteDescSet {
		a.pending.push(c)
		return
	}
	if err := a.pc.AddICECandidate(c); err != nil {
		o.fail(a, fmt.Errorf("add remote candidate: %w", err))
	}
}

// flushCandidates applies queued remote candidates in arrival order and
// reports whether the attempt is still alive.
func (o *Orchestrator) flushCandidates(a *attempt) bool {
	queued := a.pending.drain()
	if len(queued) > 0 {
		a.log.Debug("applying queued remote candidates", "count", len(queued))
	}
	for _, c := range queued {
		if err := a.pc.AddICECandidate(c); err != nil {
			o.fail(a, fmt.Errorf("add queued candidate: %w", err))
			return false
		}
	}
	return true
}

func (o *Orchestrator) sendCandidate(a *attempt, c signaling.Candidate) {
	if a.tr == nil {
		return
	}
	if err := a.tr.SignalICECandidate(a.ctx, c); err != nil {
		a.log.Warn("send local candidate failed", "err", err)
	}
}

func (o *Orchestrator) onPeerState(a *attempt, s webrtcpeer.PeerState) {
	a.log.Debug("peer connection state", "peer_state", s)
	switch s {
	case webrtcpeer.PeerStateNew, webrtcpeer.PeerStateConnecting:
		o.setState(StateConnecting)
	case webrtcpeer.PeerStateConnected:
		o.failures = 0
		o.backoff.Reset()
		o.setState(StateConnected)
	default:
		o.fail(a, fmt.Errorf("peer connection %s", s))
	}
}

func (o *Orchestrator) onDataOpen(a *attempt, dc webrtcpeer.DataChannel) {
	if a.dc != dc {
		return
	}
	a.dcOpen = true
	a.log.Info("data channel open", "queued", o.outbound.len())
	for {
		msg, ok := o.outbound.peek()
		if !ok {
			break
		}
		if err := dc.SendText(msg); err != nil {
			a.log.Warn("flushing queued data failed", "err", err, "remaining", o.outbound.len())
			break
		}
		o.outbound.pop()
	}
	o.publishStatus()
}

func (o *Orchestrator) onDataMessage(a *attempt, data []byte) {
	if !json.Valid(data) {
		a.log.Warn("dropping non-JSON data message", "bytes", len(data))
		return
	}
	o.mu.Lock()
	recv := o.receiver
	o.mu.Unlock()
	if recv == nil {
		a.log.Warn("dropping data message", "err", ErrNoDataReceiver)
		return
	}
	raw := json.RawMessage(data)
	o.notes.post(func() { recv(raw) })
}

// fail ends attempt a and, if the call is still wanted, schedules the next
// one.
func (o *Orchestrator) fail(a *attempt, err error) {
	if o.cur != a {
		return
	}
	a.log.Warn("call attempt failed", "err", err)
	o.cur = nil
	o.teardown(a)
	o.setErr(err)
	o.setState(StateDisconnected)
	if o.active {
		o.scheduleReconnect(err)
	}
}

func (o *Orchestrator) teardown(a *attempt) {
	a.cancel()
	if a.negotiation != nil {
		a.negotiation.Stop()
	}
	for _, unsubscribe := range a.unsubs {
		unsubscribe()
	}
	if a.tr != nil {
		if err := a.tr.Close(); err != nil {
			a.log.Debug("close transport", "err", err)
		}
	}
	if a.pc != nil {
		if err := a.pc.Close(); err != nil {
			a.log.Debug("close peer connection", "err", err)
		}
	}
}

func (o *Orchestrator) scheduleReconnect(cause error) {
	o.failures++
	limit := o.cfg.Reconnect.MaxAttempts
	delay := o.backoff.NextBackOff()
	if (limit > 0 && o.failures > limit) || delay == backoff.Stop {
		o.active = false
		o.setErr(fmt.Errorf("%w after %d consecutive failures: %w", ErrReconnectLimit, o.failures, cause))
		o.log.Error("giving up on call", "failures", o.failures, "err", cause)
		o.releaseMedia()
		return
	}
	gen := o.gen
	o.log.Info("reconnecting", "attempt", o.failures, "delay", delay)
	o.retry = time.AfterFunc(delay, func() {
		o.events.post(func() {
			o.mu.Lock()
			ending := o.ending
			o.mu.Unlock()
			if ending || !o.active || o.cur != nil || o.gen != gen {
				return
			}
			o.retry = nil
			o.startAttempt()
		})
	})
}

// EndCall tears the call down without reconnecting. Calling it again, or
// without an active call, does nothing.
func (o *Orchestrator) EndCall() {
	o.mu.Lock()
	o.ending = true
	if o.cancelAttempt != nil {
		o.cancelAttempt()
	}
	o.mu.Unlock()
	_ = o.do(o.endCall)
}

func (o *Orchestrator) endCall() {
	if !o.active && o.cur == nil && o.retry == nil {
		return
	}
	o.active = false
	if o.retry != nil {
		o.retry.Stop()
		o.retry = nil
	}
	if a := o.cur; a != nil {
		o.cur = nil
		o.teardown(a)
	}
	o.outbound.clear()
	o.releaseMedia()
	o.setState(StateDisconnected)
	o.log.Info("call ended")
}

// Close ends any call and stops the orchestrator. It must not be called from
// a status or data callback.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.EndCall()
		close(o.quit)
		<-o.loopDone
	})
}

// SendData JSON-encodes v and sends it on the data channel, or queues it
// until the channel opens.
func (o *Orchestrator) SendData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	select {
	case <-o.quit:
		return ErrClosed
	default:
	}
	msg := string(data)
	o.events.post(func() { o.sendData(msg) })
	return nil
}

func (o *Orchestrator) sendData(msg string) {
	if a := o.cur; a != nil && a.dcOpen && o.outbound.len() == 0 {
		err := a.dc.SendText(msg)
		if err == nil {
			return
		}
		a.log.Warn("data send failed; queued", "err", err)
	}
	if o.outbound.push(msg) {
		o.log.Warn("outbound data queue full; dropped oldest message", "limit", o.outbound.limit)
	}
}

// SetDataReceiver registers the single receiver for inbound payloads,
// replacing any previous one. Receivers run on a dedicated goroutine in
// arrival order.
func (o *Orchestrator) SetDataReceiver(f func(json.RawMessage)) {
	o.mu.Lock()
	o.receiver = f
	o.mu.Unlock()
}

// OnStatusChange registers the status observer, replacing any previous one.
func (o *Orchestrator) OnStatusChange(f func(Status)) {
	o.mu.Lock()
	o.onStatus = f
	o.mu.Unlock()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Err returns the most recent failure, or nil.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// SetAudioEnabled mutes or unmutes local audio without renegotiating.
func (o *Orchestrator) SetAudioEnabled(on bool) {
	o.setTrackEnabled(webrtcpeer.KindAudio, on)
}

// SetVideoEnabled pauses or resumes local video without renegotiating.
func (o *Orchestrator) SetVideoEnabled(on bool) {
	o.setTrackEnabled(webrtcpeer.KindVideo, on)
}

func (o *Orchestrator) setTrackEnabled(kind string, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if kind == webrtcpeer.KindAudio {
		o.audioOn = on
	} else {
		o.videoOn = on
	}
	if o.stream != nil {
		o.stream.SetEnabled(kind, on)
	}
}

func (o *Orchestrator) setErr(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	o.publishStatus()
}

func (o *Orchestrator) publishStatus() {
	st := Status{State: o.state}
	if a := o.cur; a != nil {
		st.DataConnected = a.dcOpen
		st.MediaConnected = o.state == StateConnected && a.remoteTracks > 0
	}
	o.mu.Lock()
	changed := st != o.status
	o.status = st
	cb := o.onStatus
	o.mu.Unlock()
	if !changed {
		return
	}
	o.log.Info("call status", "state", st.State, "data_connected", st.DataConnected, "media_connected", st.MediaConnected)
	if cb != nil {
		o.notes.post(func() { cb(st) })
	}
}
