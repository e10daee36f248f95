package call

import (
	"sync"

	"github.com/peerlink/peerlink/internal/signaling"
)

// candidateQueue holds remote ICE candidates that arrived before the remote
// description was set. drain returns them in arrival order.
type candidateQueue struct {
	items []signaling.Candidate
}

func (q *candidateQueue) push(c signaling.Candidate) {
	q.items = append(q.items, c)
}

func (q *candidateQueue) drain() []signaling.Candidate {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) len() int { return len(q.items) }

// outboundQueue holds encoded data-channel messages until the channel opens.
// When full, the oldest message is dropped.
type outboundQueue struct {
	items []string
	limit int
}

// push reports whether an older message had to be dropped.
func (q *outboundQueue) push(msg string) (dropped bool) {
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	return dropped
}

func (q *outboundQueue) peek() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0], true
}

func (q *outboundQueue) pop() {
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *outboundQueue) clear() { q.items = nil }

func (q *outboundQueue) len() int { return len(q.items) }

// mailbox is an unbounded FIFO of closures drained by a single goroutine.
// post never blocks, so it is safe to call from pion and transport
// callbacks.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// run drains the mailbox until quit is closed.
func (m *mailbox) run(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case <-m.signal:
		}
		for _, fn := range m.take() {
			fn()
		}
	}
}
