package main

import (
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/turnrest"
)

// usableICEServers drops TURN entries without complete credentials. Such
// entries are expected when the relay mints TURN REST credentials per
// request, but pion rejects them in a static configuration.
func usableICEServers(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if !turnrest.HasTURNURL(server) {
			out = append(out, server)
			continue
		}
		if strings.TrimSpace(server.Username) == "" {
			continue
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}
	return out
}

// iceURLForSession adds the session id so minted TURN credentials are bound
// to it. Malformed URLs are returned unchanged and fail on fetch.
func iceURLForSession(raw, sessionID string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("sessionId") == "" {
		q.Set("sessionId", sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
