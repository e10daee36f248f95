package main

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/turnrest"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}
	if slices.Contains(cfg.AllowedOrigins, "null") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains 'null' (sandboxed and file:// pages may connect)",
			"warning_code", "allowed_origins_null",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}
	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: signaling rate limit disabled while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 && cfg.ICEConfigError() == nil {
		logger.Warn("startup warning: no ICE servers configured (peers behind NAT may fail to connect)",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTL > 24*time.Hour {
		logger.Warn("startup security warning: TURN REST TTL is longer than a day (leaked credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_long",
			"turn_rest_ttl", cfg.TURNREST.TTL,
			"mode", cfg.Mode,
		)
	}

	// Without TURN REST, TURN entries are served as configured; missing
	// credentials make them unusable by clients.
	if !cfg.TURNREST.Enabled() {
		for _, s := range cfg.ICEServers {
			if !turnrest.HasTURNURL(s) {
				continue
			}
			cred, _ := s.Credential.(string)
			if strings.TrimSpace(s.Username) == "" || strings.TrimSpace(cred) == "" {
				logger.Warn("startup warning: TURN server has no credentials and TURN REST is disabled",
					"warning_code", "turn_without_credentials",
					"urls", s.URLs,
					"mode", cfg.Mode,
				)
			}
		}
	}
}
