package transport

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/peerlink/peerlink/internal/signaling"
)

// feed is an observer registry that remembers what it has published so a late
// subscriber can be brought up to date. A latest feed keeps only the most
// recent value; a history feed keeps every value in order.
type feed[T any] struct {
	history bool

	// deliverMu serializes deliveries so every subscriber sees values in
	// publish order, including the catch-up delivered on subscribe.
	deliverMu sync.Mutex

	mu     sync.Mutex
	subs   []*subscriber[T]
	values []T
	closed bool
}

type subscriber[T any] struct {
	fn     func(T)
	active atomic.Bool
}

func newLatestFeed[T any]() *feed[T]  { return &feed[T]{} }
func newHistoryFeed[T any]() *feed[T] { return &feed[T]{history: true} }

func (f *feed[T]) subscribe(fn func(T)) func() {
	s := &subscriber[T]{fn: fn}
	s.active.Store(true)

	f.deliverMu.Lock()
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.deliverMu.Unlock()
		return func() {}
	}
	f.subs = append(f.subs, s)
	backlog := slices.Clone(f.values)
	f.mu.Unlock()
	for _, v := range backlog {
		s.fn(v)
	}
	f.deliverMu.Unlock()

	return func() {
		if !s.active.Swap(false) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs = slices.DeleteFunc(f.subs, func(o *subscriber[T]) bool { return o == s })
	}
}

func (f *feed[T]) publish(v T) {
	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if f.history {
		f.values = append(f.values, v)
	} else {
		f.values = []T{v}
	}
	subs := slices.Clone(f.subs)
	f.mu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			s.fn(v)
		}
	}
}

// reset forgets published values without notifying anyone.
func (f *feed[T]) reset() {
	f.mu.Lock()
	f.values = nil
	f.mu.Unlock()
}

// close drops every subscription. Later publishes are ignored.
func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, s := range f.subs {
		s.active.Store(false)
	}
	f.subs = nil
	f.values = nil
}

// inbox holds the three inbound feeds every transport exposes.
type inbox struct {
	offers     *feed[*signaling.SDP]
	answers    *feed[*signaling.SDP]
	candidates *feed[signaling.Candidate]
}

func newInbox() inbox {
	return inbox{
		offers:     newLatestFeed[*signaling.SDP](),
		answers:    newLatestFeed[*signaling.SDP](),
		candidates: newHistoryFeed[signaling.Candidate](),
	}
}

func (in inbox) SubscribeOffers(fn func(*signaling.SDP)) func() {
	return in.offers.subscribe(fn)
}

func (in inbox) SubscribeAnswers(fn func(*signaling.SDP)) func() {
	return in.answers.subscribe(fn)
}

func (in inbox) SubscribeICECandidates(fn func(signaling.Candidate)) func() {
	return in.candidates.subscribe(fn)
}

// peerLeft tells subscribers the other peer is gone. Candidates from that
// peer are stale from here on.
func (in inbox) peerLeft() {
	in.candidates.reset()
	in.offers.publish(nil)
	in.answers.publish(nil)
}

func (in inbox) close() {
	in.offers.close()
	in.answers.close()
	in.candidates.close()
}
