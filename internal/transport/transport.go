// Package transport carries negotiation metadata between the two peers of a
// session. Two backends satisfy the same contract: one talks to the session
// relay over a WebSocket, the other shares a persisted session row.
package transport

import (
	"context"
	"errors"

	"github.com/peerlink/peerlink/internal/signaling"
)

var (
	// ErrClosed is returned by sends after Close.
	ErrClosed = errors.New("signaling transport closed")
	// ErrNotReady is returned when the underlying channel cannot carry a send,
	// e.g. the relay socket dropped.
	ErrNotReady = errors.New("signaling transport not ready")
	// ErrJoinRejected wraps the relay's refusal of a join.
	ErrJoinRejected = errors.New("join rejected")
)

// Transport exchanges offers, answers and ICE candidates with the other peer.
//
// Every Subscribe call synchronously delivers the value the transport already
// knows before returning: the latest offer or answer, or every remote ICE
// candidate received so far in arrival order. A nil offer or answer means the
// other peer left. Subscribe returns a function that removes the
// subscription; it is safe to call more than once. Callbacks run on a
// transport goroutine, one at a time, and must not block.
//
// Sends fail with ErrClosed after Close and ErrNotReady when the channel is
// down. Close is idempotent and tells the other peer, best effort, that this
// peer left.
type Transport interface {
	SubscribeOffers(fn func(*signaling.SDP)) (unsubscribe func())
	SubscribeAnswers(fn func(*signaling.SDP)) (unsubscribe func())
	SubscribeICECandidates(fn func(signaling.Candidate)) (unsubscribe func())

	SignalOffer(ctx context.Context, sdp signaling.SDP) error
	SignalAnswer(ctx context.Context, sdp signaling.SDP) error
	SignalICECandidate(ctx context.Context, c signaling.Candidate) error

	Close() error
}

// Opener creates a fresh transport for one call attempt.
type Opener interface {
	Open(ctx context.Context, desc signaling.SessionDescriptor) (Transport, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, desc signaling.SessionDescriptor) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, desc signaling.SessionDescriptor) (Transport, error) {
	return f(ctx, desc)
}
