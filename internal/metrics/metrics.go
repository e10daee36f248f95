package metrics

import "sync"

// Relay event names.
const (
	SessionsCreated       = "sessions_created"
	SessionsDeleted       = "sessions_deleted"
	Joins                 = "joins"
	JoinRejectedDuplicate = "join_rejected_duplicate"
	JoinRejectedFull      = "join_rejected_full"
	TooManySessions       = "too_many_sessions"
	Leaves                = "leaves"
	MessagesRelayed       = "messages_relayed"
	ProtocolErrors        = "protocol_errors"
	SendFailures          = "send_failures"
	MembersEvicted        = "members_evicted"
	RateLimited           = "rate_limited"
	ConnectionsOpened     = "connections_opened"
	ConnectionsClosed     = "connections_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil registry so callers can leave metrics unset.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
