package relay

import (
	"errors"

	"github.com/peerlink/peerlink/internal/signaling"
)

var (
	ErrDuplicateUser   = errors.New("user already joined this session")
	ErrSessionFull     = errors.New("session is full")
	ErrTooManySessions = errors.New("too many sessions")
	ErrUnknownSession  = errors.New("unknown session")
	ErrNotMember       = errors.New("sender is not a member of this session")

	errNotJoined = errors.New("connection has not joined a session")
)

// protocolCode maps registry errors to wire error codes.
func protocolCode(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateUser):
		return signaling.CodeDuplicateJoin
	case errors.Is(err, ErrSessionFull):
		return signaling.CodeSessionFull
	case errors.Is(err, ErrTooManySessions):
		return signaling.CodeTooManySessions
	case errors.Is(err, ErrUnknownSession):
		return signaling.CodeUnknownSession
	case errors.Is(err, ErrNotMember):
		return signaling.CodeNotMember
	case errors.Is(err, errNotJoined):
		return signaling.CodeNotJoined
	default:
		return signaling.CodeInternalError
	}
}
