package httpserver

import (
	"net/http"
	"slices"
	"strings"

	"github.com/peerlink/peerlink/internal/config"
)

// originMiddleware rejects browser requests from origins outside the policy.
// Requests without an Origin header (native peers, curl) pass through.
func (s *Server) originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		origin, ok := allowOrigin(header, r, s.cfg.AllowedOrigins)
		if !ok {
			s.log.Warn("origin rejected", "origin", header, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the normalized origin when header is permitted. With an
// empty allow list only same-host origins pass; "*" admits any well-formed
// origin and "null" must be listed explicitly.
func allowOrigin(header string, r *http.Request, allowed []string) (string, bool) {
	if header == "null" {
		return "null", slices.Contains(allowed, "null")
	}
	origin, ok := config.NormalizeOrigin(header)
	if !ok {
		return "", false
	}
	if len(allowed) > 0 {
		return origin, slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}

	scheme, _, _ := strings.Cut(origin, "://")
	self, ok := config.NormalizeOrigin(scheme + "://" + r.Host)
	return origin, ok && self == origin
}
