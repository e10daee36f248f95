package webrtcpeer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pion/webrtc/v4"
)

const maxICEResponseBytes = 64 * 1024

// ICEServerProvider supplies the ICE servers for a new peer connection.
type ICEServerProvider interface {
	ICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// StaticICEServers is a fixed list.
type StaticICEServers []webrtc.ICEServer

func (s StaticICEServers) ICEServers(context.Context) ([]webrtc.ICEServer, error) {
	return append([]webrtc.ICEServer(nil), s...), nil
}

// HTTPICEProvider fetches servers from a relay's /webrtc/ice endpoint, which
// may mint short-lived TURN credentials per request.
type HTTPICEProvider struct {
	URL    string
	Header http.Header
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (p *HTTPICEProvider) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range p.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: unexpected status %s", resp.Status)
	}
	var body iceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}

var (
	_ ICEServerProvider = StaticICEServers(nil)
	_ ICEServerProvider = (*HTTPICEProvider)(nil)
)
