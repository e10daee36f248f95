package relay

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"

	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/signaling"
)

// MaxMembers is the number of peers a session can hold at once.
const MaxMembers = 2

// Client is the registry's handle on one connected peer. Send must not block
// indefinitely; a client whose Send fails is removed from its session.
type Client interface {
	Send(msg signaling.Message) error
}

type RegistryConfig struct {
	// MaxSessions caps concurrently registered sessions. <= 0 means unlimited.
	MaxSessions int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Registry maps sessionId to the set of connected members. Every mutation of a
// session happens under that session's lock; sessions are removed from the map
// as soon as their last member leaves.
type Registry struct {
	sessions    *hashmap.Map[string, *session]
	createMu    sync.Mutex
	maxSessions int
	log         *slog.Logger
	metrics     *metrics.Metrics
}

type session struct {
	id string

	mu      sync.Mutex
	members map[string]*member
	nextSeq uint64
	// dead is set once the session has been removed from the map; a goroutine
	// that still holds a pointer to it must look the session up again.
	dead bool
}

type member struct {
	userID string
	isHost bool
	seq    uint64
	client Client
}

// SessionSummary is the introspection view of one session.
type SessionSummary struct {
	UserCount int      `json:"userCount"`
	Users     []string `json:"users"`
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    hashmap.New[string, *session](),
		maxSessions: cfg.MaxSessions,
		log:         logger,
		metrics:     cfg.Metrics,
	}
}

// Join registers c as userID in sessionID, creating the session if needed. On
// success the joiner receives session-info with the full membership and every
// other member receives user-joined.
func (r *Registry) Join(sessionID, userID string, isHost bool, c Client) error {
	s, err := r.lockOrCreate(sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, dup := s.members[userID]; dup {
		r.metrics.Inc(metrics.JoinRejectedDuplicate)
		return ErrDuplicateUser
	}
	if len(s.members) >= MaxMembers {
		r.metrics.Inc(metrics.JoinRejectedFull)
		return ErrSessionFull
	}

	m := &member{userID: userID, isHost: isHost, seq: s.nextSeq, client: c}
	s.nextSeq++
	s.members[userID] = m
	r.metrics.Inc(metrics.Joins)
	r.log.Info("session member joined", "session_id", s.id, "user_id", userID, "is_host", isHost, "members", len(s.members))

	var failed []*member
	info, err := signaling.NewMessage(signaling.MessageTypeSessionInfo, s.id, userID, isHost,
		signaling.SessionInfo{Users: s.participantsLocked()})
	if err != nil {
		return err
	}
	if err := c.Send(info); err != nil {
		r.metrics.Inc(metrics.SendFailures)
		failed = append(failed, m)
	}

	joined, err := signaling.NewMessage(signaling.MessageTypeUserJoined, s.id, userID, isHost, nil)
	if err != nil {
		return err
	}
	failed = append(failed, r.broadcastLocked(s, joined, userID)...)

	r.evictLocked(s, failed)
	r.reapIfEmptyLocked(s)
	return nil
}

// Relay forwards msg verbatim to every member of msg.SessionID except the
// sender. The sender must be the member msg.UserID and be connected as from.
func (r *Registry) Relay(msg signaling.Message, from Client) error {
	s, err := r.lockExisting(msg.SessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if m, ok := s.members[msg.UserID]; !ok || m.client != from {
		return ErrNotMember
	}

	failed := r.broadcastLocked(s, msg, msg.UserID)
	r.metrics.Inc(metrics.MessagesRelayed)

	r.evictLocked(s, failed)
	r.reapIfEmptyLocked(s)
	return nil
}

// Leave removes userID from sessionID and notifies the remaining members. It
// leaves the registry untouched when the session or the member is unknown, or
// when userID has since rejoined through a client other than c.
func (r *Registry) Leave(sessionID, userID string, c Client) error {
	s, err := r.lockExisting(sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	m, ok := s.members[userID]
	if !ok || m.client != c {
		return ErrNotMember
	}
	r.metrics.Inc(metrics.Leaves)
	r.evictLocked(s, []*member{m})
	r.reapIfEmptyLocked(s)
	return nil
}

// Has reports whether sessionID currently has members.
func (r *Registry) Has(sessionID string) bool {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// Members returns the current participants of sessionID in join order.
func (r *Registry) Members(sessionID string) []signaling.Participant {
	s, err := r.lockExisting(sessionID)
	if err != nil {
		return nil
	}
	defer s.mu.Unlock()
	return s.participantsLocked()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

func (r *Registry) Snapshot() map[string]SessionSummary {
	out := make(map[string]SessionSummary)
	r.sessions.Range(func(id string, s *session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.dead {
			return true
		}
		users := make([]string, 0, len(s.members))
		for _, p := range s.participantsLocked() {
			users = append(users, p.UserID)
		}
		out[id] = SessionSummary{UserCount: len(users), Users: users}
		return true
	})
	return out
}

// lockOrCreate returns the live session for id with its lock held.
func (r *Registry) lockOrCreate(id string) (*session, error) {
	for {
		s, ok := r.sessions.Get(id)
		if !ok {
			var err error
			if s, err = r.create(id); err != nil {
				return nil, err
			}
		}
		s.mu.Lock()
		if !s.dead {
			return s, nil
		}
		s.mu.Unlock()
	}
}

func (r *Registry) create(id string) (*session, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if s, ok := r.sessions.Get(id); ok {
		return s, nil
	}
	if r.maxSessions > 0 && r.sessions.Len() >= r.maxSessions {
		r.metrics.Inc(metrics.TooManySessions)
		return nil, ErrTooManySessions
	}
	s := &session{id: id, members: make(map[string]*member)}
	r.sessions.Insert(id, s)
	r.metrics.Inc(metrics.SessionsCreated)
	r.log.Debug("session created", "session_id", id)
	return s, nil
}

// lockExisting returns the live session for id with its lock held.
func (r *Registry) lockExisting(id string) (*session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	return s, nil
}

// broadcastLocked sends msg to every member except the one named except and
// returns the members whose send failed. Delivery to the others continues.
func (r *Registry) broadcastLocked(s *session, msg signaling.Message, except string) []*member {
	var failed []*member
	for _, m := range s.membersLocked() {
		if m.userID == except {
			continue
		}
		if err := m.client.Send(msg); err != nil {
			r.metrics.Inc(metrics.SendFailures)
			r.log.Warn("relay send failed", "session_id", s.id, "user_id", m.userID, "type", msg.Type, "err", err)
			failed = append(failed, m)
		}
	}
	return failed
}

// evictLocked removes members and tells the rest with user-left. Members that
// fail to receive that notice are removed in turn.
func (r *Registry) evictLocked(s *session, members []*member) {
	for len(members) > 0 {
		var next []*member
		for _, m := range members {
			if s.members[m.userID] != m {
				continue
			}
			delete(s.members, m.userID)
			r.log.Info("session member left", "session_id", s.id, "user_id", m.userID, "members", len(s.members))

			left, err := signaling.NewMessage(signaling.MessageTypeUserLeft, s.id, m.userID, m.isHost, nil)
			if err != nil {
				continue
			}
			next = append(next, r.broadcastLocked(s, left, m.userID)...)
		}
		if len(next) > 0 {
			r.metrics.Add(metrics.MembersEvicted, uint64(len(next)))
		}
		members = next
	}
}

func (r *Registry) reapIfEmptyLocked(s *session) {
	if len(s.members) > 0 || s.dead {
		return
	}
	s.dead = true
	r.sessions.Del(s.id)
	r.metrics.Inc(metrics.SessionsDeleted)
	r.log.Debug("session deleted", "session_id", s.id)
}

func (s *session) membersLocked() []*member {
	out := make([]*member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *session) participantsLocked() []signaling.Participant {
	members := s.membersLocked()
	out := make([]signaling.Participant, 0, len(members))
	for _, m := range members {
		out = append(out, signaling.Participant{UserID: m.userID, IsHost: m.isHost})
	}
	return out
}
