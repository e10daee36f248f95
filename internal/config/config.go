package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "PEERLINK_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "PEERLINK_LOG_FORMAT"
	envVarLogLevel        = "PEERLINK_LOG_LEVEL"
	envVarShutdownTimeout = "PEERLINK_SHUTDOWN_TIMEOUT"
	envVarMode            = "PEERLINK_MODE"

	envVarMaxSessions                   = "MAX_SESSIONS"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "peerlink"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logging selects the slog handler shared by both binaries.
type Logging struct {
	Format LogFormat
	Level  slog.Level
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// Config is the session relay server configuration.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	Logging         Logging
	ShutdownTimeout time.Duration
	Mode            Mode

	// MaxSessions caps concurrently registered sessions. <= 0 means unlimited.
	MaxSessions int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is kept
// separate from Load errors so the relay can still serve signaling and report
// the problem on /readyz and /webrtc/ice.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	ice := lookupICESource(lookup)
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	fs := flag.NewFlagSet("peerlink-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent sessions (0 = unlimited)")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound signaling WS messages per second, 0 = unlimited (env "+envVarMaxSignalingMessagesPerSecond+")")
	ice.registerFlags(fs)
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "TURN REST credential lifetime ("+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	logFormatStr, logLevelStr = modeDerivedLogging(lookup, fs, modeStr, logFormatStr, logLevelStr)

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logging, err := parseLogging(logFormatStr, logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("--shutdown-timeout must be > 0")
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("--max-signaling-message-bytes must be > 0")
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("--max-signaling-messages-per-second must be >= 0")
	}
	if idleTimeout <= 0 || pingInterval <= 0 {
		return Config{}, fmt.Errorf("--signaling-ws-idle-timeout and --signaling-ws-ping-interval must be > 0")
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("--signaling-ws-ping-interval (%s) must be < --signaling-ws-idle-timeout (%s)", pingInterval, idleTimeout)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSharedSecret),
		TTL:            turnRESTTTL,
		UsernamePrefix: turnRESTUsernamePrefix,
	}
	if turnREST.Enabled() {
		if turnREST.TTL < time.Second {
			return Config{}, fmt.Errorf("--turn-rest-ttl must be at least 1s")
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("invalid --turn-rest-username-prefix %q (must be non-empty without ':')", turnREST.UsernamePrefix)
		}
	}

	cfg := Config{
		ListenAddr:                    listenAddr,
		AllowedOrigins:                allowedOrigins,
		Logging:                       logging,
		ShutdownTimeout:               shutdownTimeout,
		Mode:                          mode,
		MaxSessions:                   maxSessions,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		TURNREST:                      turnREST,
	}

	iceServers, err := ice.parse(turnREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func (s *iceSource) registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&s.JSON, "ice-servers-json", s.JSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&s.StunURLs, "stun-urls", s.StunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&s.TurnURLs, "turn-urls", s.TurnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&s.TurnUsername, "turn-username", s.TurnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&s.TurnCredential, "turn-credential", s.TurnCredential, "TURN credential ("+envTurnCredential+")")
}

// modeDerivedLogging re-derives the log format and level from the final mode
// when neither the environment nor a flag set them explicitly.
func modeDerivedLogging(lookup func(string) (string, bool), fs *flag.FlagSet, mode, format, level string) (string, string) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["log-format"] && envOrDefault(lookup, envVarLogFormat, "") == "" {
		format = defaultLogFormatForMode(mode)
	}
	if !set["log-level"] && envOrDefault(lookup, envVarLogLevel, "") == "" {
		level = defaultLogLevelForMode(mode)
	}
	return format, level
}

func NewLogger(l Logging) (*slog.Logger, error) {
	return NewLoggerTo(os.Stdout, l)
}

func NewLoggerTo(w io.Writer, l Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: l.Level,
	}

	var handler slog.Handler
	switch l.Format {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", l.Format)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogging(format, level string) (Logging, error) {
	f, err := parseLogFormat(format)
	if err != nil {
		return Logging{}, err
	}
	l, err := parseLogLevel(level)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Format: f, Level: l}, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitList(raw) {
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}
		normalized, ok := NormalizeOrigin(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// NormalizeOrigin canonicalizes a browser Origin value (scheme://host[:port])
// by lowercasing it and dropping default ports. It rejects values that carry
// credentials, a path, a query or a fragment.
func NormalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || u.Opaque != "" {
		return "", false
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, true
	}
	return scheme + "://" + host, true
}
