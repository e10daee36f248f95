package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/signaling"
)

// PeerState is the aggregate connection state of a peer connection.
type PeerState string

const (
	PeerStateNew          PeerState = "new"
	PeerStateConnecting   PeerState = "connecting"
	PeerStateConnected    PeerState = "connected"
	PeerStateDisconnected PeerState = "disconnected"
	PeerStateFailed       PeerState = "failed"
	PeerStateClosed       PeerState = "closed"
)

func peerStateFromPion(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerStateFailed
	case webrtc.PeerConnectionStateClosed:
		return PeerStateClosed
	default:
		return PeerStateNew
	}
}

// PeerConnection is the subset of a native peer connection the orchestrator
// needs. Handlers may be invoked from pion goroutines and must not block.
type PeerConnection interface {
	CreateOffer() (signaling.SDP, error)
	CreateAnswer() (signaling.SDP, error)
	SetLocalDescription(sdp signaling.SDP) error
	SetRemoteDescription(sdp signaling.SDP) error
	AddICECandidate(c signaling.Candidate) error

	AddTrack(track LocalTrack) error
	CreateDataChannel(label string) (DataChannel, error)

	// OnICECandidate is called for each gathered local candidate. Gathering
	// completion is not reported.
	OnICECandidate(f func(signaling.Candidate))
	OnConnectionStateChange(f func(PeerState))
	OnDataChannel(f func(DataChannel))
	// OnTrack is called with the kind ("audio" or "video") of each remote
	// track.
	OnTrack(f func(kind string))

	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error)
}

// PionFactory builds pion-backed peer connections from a shared API.
type PionFactory struct {
	api *webrtc.API
	log *slog.Logger
}

func NewPionFactory(opts APIOptions) (*PionFactory, error) {
	api, err := NewAPI(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PionFactory{api: api, log: logger}, nil
}

func (f *PionFactory) NewPeerConnection(iceServers []webrtc.ICEServer) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionPeer{pc: pc, log: f.log}, nil
}

type pionPeer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger
}

func (p *pionPeer) CreateOffer() (signaling.SDP, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(offer), nil
}

func (p *pionPeer) CreateAnswer() (signaling.SDP, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(answer), nil
}

func (p *pionPeer) SetLocalDescription(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c signaling.Candidate) error {
	return p.pc.AddICECandidate(c.ToPion())
}

func (p *pionPeer) AddTrack(track LocalTrack) error {
	tl := track.TrackLocal()
	if tl == nil {
		return errors.New("track has no local source")
	}
	sender, err := p.pc.AddTrack(tl)
	if err != nil {
		return err
	}
	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateDataChannel creates an ordered, fully reliable channel.
func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeer) OnICECandidate(f func(signaling.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		f(signaling.CandidateFromPion(c.ToJSON()))
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f(peerStateFromPion(s))
	})
}

// OnDataChannel only surfaces channels that match the application channel's
// label and reliability; anything else is closed.
func (p *pionPeer) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateGameDataChannel(dc); err != nil {
			p.log.Warn("rejecting remote datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		f(&pionDataChannel{dc: dc})
	})
}

func (p *pionPeer) OnTrack(f func(kind string)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(tr.Kind().String())
		// Drain so the receive buffers never back up.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := tr.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

var _ Factory = (*PionFactory)(nil)
