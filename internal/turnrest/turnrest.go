// Package turnrest mints short-lived TURN credentials using the shared-secret
// REST scheme understood by coturn:
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
	// NewSubject supplies the subject when the caller has none.
	NewSubject func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Issuer attaches fresh credentials to TURN entries of an ICE server list.
type Issuer struct {
	secret     []byte
	ttl        time.Duration
	prefix     string
	now        func() time.Time
	newSubject func() string
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("ttl must be at least 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("username prefix must be non-empty and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSubject == nil {
		cfg.NewSubject = func() string { return uuid.NewString() }
	}
	return &Issuer{
		secret:     []byte(cfg.SharedSecret),
		ttl:        cfg.TTL,
		prefix:     cfg.UsernamePrefix,
		now:        cfg.Now,
		newSubject: cfg.NewSubject,
	}, nil
}

// Credentials mints credentials bound to subject (typically a session id). An
// empty subject gets a random one.
func (i *Issuer) Credentials(subject string) (Credentials, error) {
	if subject == "" {
		subject = i.newSubject()
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, errors.New("subject must not contain ':'")
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}, nil
}

// ICEServers returns a copy of servers where every entry with a TURN URL
// carries the same freshly minted credentials. STUN-only entries are kept as-is.
func (i *Issuer) ICEServers(servers []webrtc.ICEServer, subject string) ([]webrtc.ICEServer, error) {
	creds, err := i.Credentials(subject)
	if err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if HasTURNURL(s) {
			s.Username = creds.Username
			s.Credential = creds.Credential
		}
		out = append(out, s)
	}
	return out, nil
}

func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
