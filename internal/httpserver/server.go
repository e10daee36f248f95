package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/relay"
	"github.com/peerlink/peerlink/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

const maxSubjectLen = 128

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the relay components served over HTTP. Signaling and Registry are
// required; TURN is nil when TURN REST credentials are disabled.
type Deps struct {
	Registry  *relay.Registry
	Signaling http.Handler
	Metrics   *metrics.Metrics
	TURN      *turnrest.Issuer
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	router chi.Router
	srv    *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		deps:   deps,
		router: chi.NewRouter(),
	}

	s.router.Use(
		middleware.RealIP,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Signaling sockets are long-lived; the relay enforces its own idle timeout.
	}

	return s
}

// Router returns the underlying router for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(s.deps.Metrics, metrics.Gauge{
			Name:  "peerlink_relay_sessions",
			Help:  "Sessions currently registered.",
			Value: func() int64 { return int64(s.deps.Registry.Len()) },
		}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.originMiddleware)
		r.Get("/webrtc/ice", s.handleICE)
		r.Options("/webrtc/ice", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		r.Handle("/signaling", s.deps.Signaling)
	})
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if s.deps.TURN != nil {
		// Credentials are bound to the session when the caller names one.
		subject := strings.TrimSpace(r.URL.Query().Get("sessionId"))
		if len(subject) > maxSubjectLen || strings.Contains(subject, ":") {
			subject = ""
		}
		minted, err := s.deps.TURN.ICEServers(servers, subject)
		if err != nil {
			s.log.Error("mint turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
			return
		}
		servers = minted
	}
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func recoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLoggerMiddleware wraps the writer with chi's WrapResponseWriter,
// which keeps http.Hijacker available for WebSocket upgrades.
func requestLoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
