// Command peerlink-peer is a headless call participant. With the relay
// backend it joins one side of a session through a running peerlink-relay.
// The store backend holds an exclusive lock on its badger directory, so in
// that mode the command runs the host and the guest side by side in one
// process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/peerlink/peerlink/internal/call"
	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/signaling"
	"github.com/peerlink/peerlink/internal/store"
	"github.com/peerlink/peerlink/internal/transport"
	"github.com/peerlink/peerlink/internal/webrtcpeer"
)

const pingInterval = 5 * time.Second

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.PeerConfig, logger *slog.Logger) error {
	peers, err := webrtcpeer.NewPionFactory(webrtcpeer.APIOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	pterm.Info.Printfln("peerlink-peer session=%s backend=%s", cfg.SessionID, cfg.Backend)

	switch cfg.Backend {
	case config.BackendStore:
		s, err := store.Open(store.Options{Dir: cfg.StorePath, Logger: logger})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		opener := &transport.StoreOpener{Store: s, ResyncInterval: cfg.StoreResyncInterval, Logger: logger}

		guestCfg := cfg
		guestCfg.IsHost = false
		guestCfg.UserID = cfg.UserID + "-guest"
		hostCfg := cfg
		hostCfg.IsHost = true

		guest, err := newParty(guestCfg, opener, peers, logger)
		if err != nil {
			return err
		}
		defer guest.o.Close()
		host, err := newParty(hostCfg, opener, peers, logger)
		if err != nil {
			return err
		}
		defer host.o.Close()
		return runParties(ctx, guest, host)

	default:
		opener := &transport.RelayDialer{URL: cfg.RelayURL, Logger: logger}
		p, err := newParty(cfg, opener, peers, logger)
		if err != nil {
			return err
		}
		defer p.o.Close()
		return runParties(ctx, p)
	}
}

// party is one orchestrator plus its console reporting.
type party struct {
	name string
	o    *call.Orchestrator
	seq  atomic.Int64
}

func newParty(cfg config.PeerConfig, opener transport.Opener, peers webrtcpeer.Factory, logger *slog.Logger) (*party, error) {
	role := "guest"
	if cfg.IsHost {
		role = "host"
	}
	p := &party{name: cfg.UserID + "/" + role}

	var ice webrtcpeer.ICEServerProvider
	if cfg.ICEURL != "" {
		ice = &webrtcpeer.HTTPICEProvider{URL: iceURLForSession(cfg.ICEURL, cfg.SessionID)}
	}

	o, err := call.New(call.Config{
		Session: signaling.SessionDescriptor{
			SessionID:   cfg.SessionID,
			LocalUserID: cfg.UserID,
			IsHost:      cfg.IsHost,
		},
		Transports:         opener,
		Peers:              peers,
		Media:              webrtcpeer.SyntheticSource{},
		Constraints:        webrtcpeer.MediaConstraints{Audio: cfg.Audio, Video: cfg.Video},
		ICE:                ice,
		FallbackICEServers: usableICEServers(cfg.ICEServers),
		NegotiationTimeout: cfg.NegotiationTimeout,
		OfferTimeout:       cfg.OfferTimeout,
		Reconnect: call.ReconnectPolicy{
			InitialInterval: cfg.ReconnectInitialInterval,
			MaxInterval:     cfg.ReconnectMaxInterval,
			MaxAttempts:     cfg.MaxReconnectAttempts,
		},
		Logger: logger.With("user_id", cfg.UserID, "role", role),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	p.o = o

	o.OnStatusChange(p.printStatus)
	o.SetDataReceiver(p.receive)
	return p, nil
}

func (p *party) printStatus(s call.Status) {
	line := fmt.Sprintf("[%s] %s data=%t media=%t", p.name, s.State, s.DataConnected, s.MediaConnected)
	switch {
	case s.State == call.StateConnected && s.DataConnected && s.MediaConnected:
		pterm.Success.Println(line)
	case s.State == call.StateDisconnected:
		if err := p.o.Err(); err != nil {
			line += " err=" + err.Error()
		}
		pterm.Warning.Println(line)
	default:
		pterm.Info.Println(line)
	}
}

type envelope struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
	From string `json:"from,omitempty"`
}

// receive prints every payload and answers pings.
func (p *party) receive(raw json.RawMessage) {
	pterm.Println(fmt.Sprintf("[%s] <- %s", p.name, raw))
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "ping" {
		return
	}
	if err := p.o.SendData(envelope{Type: "pong", Seq: msg.Seq, From: p.name}); err != nil {
		pterm.Warning.Println(fmt.Sprintf("[%s] pong: %v", p.name, err))
	}
}

func (p *party) ping() {
	if !p.o.Status().DataConnected {
		return
	}
	if err := p.o.SendData(envelope{Type: "ping", Seq: p.seq.Add(1), From: p.name}); err != nil {
		pterm.Warning.Println(fmt.Sprintf("[%s] ping: %v", p.name, err))
	}
}

// runParties starts every party in order, pings periodically and ends the
// calls when ctx is done.
func runParties(ctx context.Context, parties ...*party) error {
	for _, p := range parties {
		if err := p.o.StartCall(ctx); err != nil {
			return fmt.Errorf("%s: start call: %w", p.name, err)
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pterm.Info.Println("ending call")
			for _, p := range parties {
				p.o.EndCall()
			}
			return nil
		case <-ticker.C:
			for _, p := range parties {
				p.ping()
			}
		}
	}
}
