package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/httpserver"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/relay"
	"github.com/peerlink/peerlink/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
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

	logger.Info("starting peerlink-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_sessions", cfg.MaxSessions,
		"allowed_origins", cfg.AllowedOrigins,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /readyz will fail", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	var turn *turnrest.Issuer
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewIssuer(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	reg := relay.NewRegistry(relay.RegistryConfig{
		MaxSessions: cfg.MaxSessions,
		Logger:      logger,
		Metrics:     m,
	})
	sig := relay.NewHandler(reg, relay.HandlerConfig{
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		Logger:               logger,
		Metrics:              m,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Registry:  reg,
		Signaling: sig,
		Metrics:   m,
		TURN:      turn,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Hijacked signaling sockets are not tracked by http.Server.
	sig.Close()
	logger.Info("relay stopped", "sessions_remaining", reg.Len())

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags values win; VCS stamps cover `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
