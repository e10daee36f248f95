package signaling

import "errors"

// SessionDescriptor identifies one negotiation attempt. The host always
// creates the offer.
type SessionDescriptor struct {
	SessionID   string `json:"sessionId"`
	IsHost      bool   `json:"isHost"`
	LocalUserID string `json:"localUserId"`
}

func (d SessionDescriptor) Validate() error {
	if d.SessionID == "" {
		return errors.New("session descriptor missing sessionId")
	}
	if d.LocalUserID == "" {
		return errors.New("session descriptor missing localUserId")
	}
	return nil
}

// Message builds an envelope of type t stamped with this peer's identity.
func (d SessionDescriptor) Message(t MessageType, payload any) (Message, error) {
	return NewMessage(t, d.SessionID, d.LocalUserID, d.IsHost, payload)
}
