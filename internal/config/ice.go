package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "PEERLINK_ICE_SERVERS_JSON"

	envStunURLs       = "PEERLINK_STUN_URLS"
	envTurnURLs       = "PEERLINK_TURN_URLS"
	envTurnUsername   = "PEERLINK_TURN_USERNAME"
	envTurnCredential = "PEERLINK_TURN_CREDENTIAL"
)

// iceSource collects the raw ICE settings shared by the relay and the peer.
type iceSource struct {
	JSON           string
	StunURLs       string
	TurnURLs       string
	TurnUsername   string
	TurnCredential string
}

func lookupICESource(lookup func(string) (string, bool)) iceSource {
	return iceSource{
		JSON:           envOrDefault(lookup, envICEServersJSON, ""),
		StunURLs:       envOrDefault(lookup, envStunURLs, ""),
		TurnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		TurnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		TurnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
}

// parse prefers the JSON form and falls back to the convenience values.
func (s iceSource) parse(credentialsMinted bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, credentialsMinted)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(s.StunURLs, s.TurnURLs, s.TurnUsername, s.TurnCredential, credentialsMinted)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer-style JSON array. TURN entries
// may omit credentials only when credentialsMinted is set (TURN REST).
func ParseICEServersJSON(raw string, credentialsMinted bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitList(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := validateICEServer(server, credentialsMinted); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, credentialsMinted bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitList(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, credentialsMinted); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitList(turnURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(turnUsername)}
		if cred := strings.TrimSpace(turnCredential); cred != "" {
			server.Credential = cred
		}
		if !credentialsMinted && (server.Username == "" || server.Credential == nil) {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err := validateICEServer(server, credentialsMinted); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func validateICEServer(server webrtc.ICEServer, credentialsMinted bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	if !turn || credentialsMinted {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
