package signaling

import "errors"

// Wire error codes carried in ErrorPayload.Code.
const (
	CodeBadMessage      = "bad_message"
	CodeDuplicateJoin   = "duplicate_join"
	CodeSessionFull     = "session_full"
	CodeTooManySessions = "too_many_sessions"
	CodeUnknownSession  = "unknown_session"
	CodeNotMember       = "not_member"
	CodeAlreadyJoined   = "already_joined"
	CodeNotJoined       = "not_joined"
	CodeRateLimited     = "rate_limited"
	CodeInternalError   = "internal_error"
)

// ProtocolError is a rejection reported by the relay to one client.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// AsProtocolError extracts the ProtocolError carried by an error frame.
func AsProtocolError(msg Message) (*ProtocolError, bool) {
	if msg.Type != MessageTypeError {
		return nil, false
	}
	p, err := msg.DecodeError()
	if err != nil {
		return nil, false
	}
	return &ProtocolError{Code: p.Code, Message: p.Message}, true
}

// IsCode reports whether err wraps a ProtocolError with the given code.
func IsCode(err error, code string) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == code
}
