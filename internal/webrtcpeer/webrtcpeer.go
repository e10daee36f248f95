// Package webrtcpeer wraps pion's PeerConnection behind the small surface the
// call orchestrator drives, and supplies local media and ICE server lists.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIOptions tunes the pion API every PeerConnection is built from.
type APIOptions struct {
	Logger *slog.Logger
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
	// ICEDisconnectedTimeout and ICEFailedTimeout override pion's defaults when
	// non-zero.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
	// IncludeLoopback gathers loopback candidates, which lets two peers on the
	// same host connect without any other interface.
	IncludeLoopback bool
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	ApplyNetworkSettings(&se, opts)
	if opts.Logger != nil {
		se.LoggerFactory = NewSlogLoggerFactory(opts.Logger)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts APIOptions) {
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.ICEDisconnectedTimeout > 0 || opts.ICEFailedTimeout > 0 || opts.ICEKeepaliveInterval > 0 {
		disconnected := opts.ICEDisconnectedTimeout
		if disconnected <= 0 {
			disconnected = 5 * time.Second
		}
		failed := opts.ICEFailedTimeout
		if failed <= 0 {
			failed = 25 * time.Second
		}
		keepalive := opts.ICEKeepaliveInterval
		if keepalive <= 0 {
			keepalive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepalive)
	}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
}
