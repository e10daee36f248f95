package call

import "errors"

var (
	// ErrMediaAcquisition wraps a failure to acquire local media. It ends the
	// call and is never retried automatically.
	ErrMediaAcquisition = errors.New("local media acquisition failed")
	// ErrCallInProgress is returned by StartCall while a call is active.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNegotiationTimeout fails an attempt whose offer got no answer in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out waiting for answer")
	// ErrOfferTimeout fails a guest attempt that got no offer in time.
	ErrOfferTimeout = errors.New("negotiation timed out waiting for offer")
	// ErrPeerLeft fails an attempt when the transport reports the other party
	// gone.
	ErrPeerLeft = errors.New("peer left the session")
	// ErrNoDataReceiver is logged when an inbound payload arrives with no
	// receiver registered.
	ErrNoDataReceiver = errors.New("no data receiver registered")
	// ErrReconnectLimit is reported once consecutive failed attempts exceed the
	// configured maximum.
	ErrReconnectLimit = errors.New("reconnect attempts exhausted")
	ErrClosed         = errors.New("orchestrator closed")
)
