package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	envVarPeerBackend            = "PEERLINK_SIGNALING_BACKEND"
	envVarPeerRelayURL           = "PEERLINK_RELAY_URL"
	envVarPeerICEURL             = "PEERLINK_ICE_URL"
	envVarPeerStorePath          = "PEERLINK_STORE_PATH"
	envVarPeerSessionID          = "PEERLINK_SESSION_ID"
	envVarPeerUserID             = "PEERLINK_USER_ID"
	envVarPeerHost               = "PEERLINK_HOST"
	envVarPeerAudio              = "PEERLINK_AUDIO"
	envVarPeerVideo              = "PEERLINK_VIDEO"
	envVarPeerNegotiationTimeout = "PEERLINK_NEGOTIATION_TIMEOUT"
	envVarPeerOfferTimeout       = "PEERLINK_OFFER_TIMEOUT"
	envVarPeerReconnectInitial   = "PEERLINK_RECONNECT_INITIAL_INTERVAL"
	envVarPeerReconnectMax       = "PEERLINK_RECONNECT_MAX_INTERVAL"
	envVarPeerMaxReconnects      = "PEERLINK_MAX_RECONNECT_ATTEMPTS"
	envVarPeerStoreResync        = "PEERLINK_STORE_RESYNC_INTERVAL"

	DefaultRelayURL                 = "ws://127.0.0.1:8080/signaling"
	DefaultNegotiationTimeout       = 15 * time.Second
	DefaultOfferTimeout             = 60 * time.Second
	DefaultReconnectInitialInterval = 500 * time.Millisecond
	DefaultReconnectMaxInterval     = 10 * time.Second
	DefaultMaxReconnectAttempts     = 10
	DefaultStoreResyncInterval      = 2 * time.Second
)

type Backend string

const (
	BackendRelay Backend = "relay"
	BackendStore Backend = "store"
)

// PeerConfig configures the headless peer.
type PeerConfig struct {
	Logging Logging
	Mode    Mode

	Backend Backend
	// RelayURL is the relay's WebSocket signaling endpoint.
	RelayURL string
	// ICEURL is the relay's /webrtc/ice endpoint. Empty means use ICEServers.
	ICEURL string
	// StorePath is the badger directory for the store backend. Empty means
	// in-memory.
	StorePath string

	SessionID string
	UserID    string
	IsHost    bool
	Audio     bool
	Video     bool

	NegotiationTimeout       time.Duration
	OfferTimeout             time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	// MaxReconnectAttempts caps consecutive failed attempts. 0 means unlimited.
	MaxReconnectAttempts int
	StoreResyncInterval  time.Duration

	// ICEServers is the fallback list used when ICEURL is empty or fails.
	ICEServers []webrtc.ICEServer
}

func LoadPeer(args []string) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadPeer(lookup func(string) (string, bool), args []string) (PeerConfig, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	backendStr := envOrDefault(lookup, envVarPeerBackend, string(BackendRelay))
	relayURL := envOrDefault(lookup, envVarPeerRelayURL, DefaultRelayURL)
	iceURL := envOrDefault(lookup, envVarPeerICEURL, "")
	storePath := envOrDefault(lookup, envVarPeerStorePath, "")
	sessionID := envOrDefault(lookup, envVarPeerSessionID, "")
	userID := envOrDefault(lookup, envVarPeerUserID, "")
	ice := lookupICESource(lookup)

	isHost, err := envBoolOrDefault(lookup, envVarPeerHost, false)
	if err != nil {
		return PeerConfig{}, err
	}
	audio, err := envBoolOrDefault(lookup, envVarPeerAudio, true)
	if err != nil {
		return PeerConfig{}, err
	}
	video, err := envBoolOrDefault(lookup, envVarPeerVideo, true)
	if err != nil {
		return PeerConfig{}, err
	}
	negotiationTimeout, err := envDurationOrDefault(lookup, envVarPeerNegotiationTimeout, DefaultNegotiationTimeout)
	if err != nil {
		return PeerConfig{}, err
	}
	offerTimeout, err := envDurationOrDefault(lookup, envVarPeerOfferTimeout, DefaultOfferTimeout)
	if err != nil {
		return PeerConfig{}, err
	}
	reconnectInitial, err := envDurationOrDefault(lookup, envVarPeerReconnectInitial, DefaultReconnectInitialInterval)
	if err != nil {
		return PeerConfig{}, err
	}
	reconnectMax, err := envDurationOrDefault(lookup, envVarPeerReconnectMax, DefaultReconnectMaxInterval)
	if err != nil {
		return PeerConfig{}, err
	}
	maxReconnects, err := envIntOrDefault(lookup, envVarPeerMaxReconnects, DefaultMaxReconnectAttempts)
	if err != nil {
		return PeerConfig{}, err
	}
	storeResync, err := envDurationOrDefault(lookup, envVarPeerStoreResync, DefaultStoreResyncInterval)
	if err != nil {
		return PeerConfig{}, err
	}

	fs := flag.NewFlagSet("peerlink-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&backendStr, "backend", backendStr, "Signaling backend: relay or store (env "+envVarPeerBackend+")")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay WebSocket signaling URL (env "+envVarPeerRelayURL+")")
	fs.StringVar(&iceURL, "ice-url", iceURL, "Relay ICE server endpoint, e.g. http://127.0.0.1:8080/webrtc/ice (env "+envVarPeerICEURL+")")
	fs.StringVar(&storePath, "store-path", storePath, "Badger directory for the store backend; empty = in-memory (env "+envVarPeerStorePath+")")
	fs.StringVar(&sessionID, "session-id", sessionID, "Session id shared by both peers (env "+envVarPeerSessionID+")")
	fs.StringVar(&userID, "user-id", userID, "Local user id; defaults to a random UUID (env "+envVarPeerUserID+")")
	fs.BoolVar(&isHost, "host", isHost, "Act as the host (creates the offer) (env "+envVarPeerHost+")")
	fs.BoolVar(&audio, "audio", audio, "Send a local audio track (env "+envVarPeerAudio+")")
	fs.BoolVar(&video, "video", video, "Send a local video track (env "+envVarPeerVideo+")")
	fs.DurationVar(&negotiationTimeout, "negotiation-timeout", negotiationTimeout, "Give up on an offer that gets no answer after this long (env "+envVarPeerNegotiationTimeout+")")
	fs.DurationVar(&offerTimeout, "offer-timeout", offerTimeout, "Guest only: start over when no offer arrives within this long (env "+envVarPeerOfferTimeout+")")
	fs.DurationVar(&reconnectInitial, "reconnect-initial-interval", reconnectInitial, "First reconnect delay (env "+envVarPeerReconnectInitial+")")
	fs.DurationVar(&reconnectMax, "reconnect-max-interval", reconnectMax, "Upper bound on the reconnect delay (env "+envVarPeerReconnectMax+")")
	fs.IntVar(&maxReconnects, "max-reconnect-attempts", maxReconnects, "Stop after this many consecutive failed attempts, 0 = unlimited (env "+envVarPeerMaxReconnects+")")
	fs.DurationVar(&storeResync, "store-resync-interval", storeResync, "Periodic re-read of the session row for the store backend (env "+envVarPeerStoreResync+")")
	ice.registerFlags(fs)

	if err := fs.Parse(args); err != nil {
		return PeerConfig{}, err
	}
	logFormatStr, logLevelStr = modeDerivedLogging(lookup, fs, modeStr, logFormatStr, logLevelStr)

	mode, err := parseMode(modeStr)
	if err != nil {
		return PeerConfig{}, err
	}
	logging, err := parseLogging(logFormatStr, logLevelStr)
	if err != nil {
		return PeerConfig{}, err
	}

	var backend Backend
	switch strings.ToLower(strings.TrimSpace(backendStr)) {
	case string(BackendRelay):
		backend = BackendRelay
	case string(BackendStore):
		backend = BackendStore
	default:
		return PeerConfig{}, fmt.Errorf("invalid --backend %q (expected relay or store)", backendStr)
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return PeerConfig{}, fmt.Errorf("--session-id is required (env %s)", envVarPeerSessionID)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = uuid.NewString()
	}

	if negotiationTimeout <= 0 {
		return PeerConfig{}, fmt.Errorf("--negotiation-timeout must be > 0")
	}
	if offerTimeout <= 0 {
		return PeerConfig{}, fmt.Errorf("--offer-timeout must be > 0")
	}
	if reconnectInitial <= 0 || reconnectMax < reconnectInitial {
		return PeerConfig{}, fmt.Errorf("reconnect intervals must satisfy 0 < initial (%s) <= max (%s)", reconnectInitial, reconnectMax)
	}
	if maxReconnects < 0 {
		return PeerConfig{}, fmt.Errorf("--max-reconnect-attempts must be >= 0")
	}
	if storeResync <= 0 {
		return PeerConfig{}, fmt.Errorf("--store-resync-interval must be > 0")
	}

	// The peer may share its ICE environment with a relay that mints TURN
	// credentials; uncredentialed TURN entries are dropped by the caller.
	iceServers, err := ice.parse(true)
	if err != nil {
		return PeerConfig{}, err
	}

	return PeerConfig{
		Logging:                  logging,
		Mode:                     mode,
		Backend:                  backend,
		RelayURL:                 strings.TrimSpace(relayURL),
		ICEURL:                   strings.TrimSpace(iceURL),
		StorePath:                strings.TrimSpace(storePath),
		SessionID:                sessionID,
		UserID:                   userID,
		IsHost:                   isHost,
		Audio:                    audio,
		Video:                    video,
		NegotiationTimeout:       negotiationTimeout,
		OfferTimeout:             offerTimeout,
		ReconnectInitialInterval: reconnectInitial,
		ReconnectMaxInterval:     reconnectMax,
		MaxReconnectAttempts:     maxReconnects,
		StoreResyncInterval:      storeResync,
		ICEServers:               iceServers,
	}, nil
}
