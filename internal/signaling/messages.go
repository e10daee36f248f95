package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type MessageType string

const (
	MessageTypeJoin         MessageType = "join"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
	MessageTypeLeave        MessageType = "leave"

	// Server-emitted.
	MessageTypeUserJoined  MessageType = "user-joined"
	MessageTypeUserLeft    MessageType = "user-left"
	MessageTypeSessionInfo MessageType = "session-info"
	MessageTypeError       MessageType = "error"
)

// Message is the envelope carried in every signaling frame.
//
// Payload holds the type-specific body: an SDP for offer/answer, a Candidate
// for ice-candidate, a SessionInfo for session-info and an ErrorPayload for
// error. Other types carry no payload.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	IsHost    bool            `json:"isHost"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Participant is one present member of a session.
type Participant struct {
	UserID string `json:"userId"`
	IsHost bool   `json:"isHost"`
}

type SessionInfo struct {
	Users []Participant `json:"users"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage builds a message, encoding payload when it is non-nil.
func NewMessage(t MessageType, sessionID, userID string, isHost bool, payload any) (Message, error) {
	msg := Message{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		IsHost:    isHost,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = b
	}
	return msg, nil
}

// NewErrorMessage builds the error frame the relay sends to an offending client.
func NewErrorMessage(sessionID, code, message string) Message {
	b, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Message{Type: MessageTypeError, SessionID: sessionID, Payload: b}
}

// ParseMessage decodes and validates a single signaling frame. Unknown fields,
// trailing data and payloads that do not match the message type are rejected.
// A rejected frame still yields whatever envelope fields could be read, without
// payload, so the error reply can name the session.
func ParseMessage(data []byte) (Message, error) {
	msg, err := parseMessage(data)
	if err != nil {
		return envelopeOf(data), err
	}
	return msg, nil
}

func parseMessage(data []byte) (Message, error) {
	var msg Message
	if err := decodeStrict(data, &msg); err != nil {
		return Message{}, err
	}
	if len(msg.Payload) > 0 {
		// Re-encode so the stored payload matches what Marshal emits.
		b, err := json.Marshal(msg.Payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = b
		if bytes.Equal(msg.Payload, []byte("null")) {
			msg.Payload = nil
		}
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// envelopeOf reads the envelope fields of data leniently. Fields that are
// missing or of the wrong type stay empty.
func envelopeOf(data []byte) Message {
	var env struct {
		Type      MessageType `json:"type"`
		SessionID string      `json:"sessionId"`
		UserID    string      `json:"userId"`
	}
	_ = json.Unmarshal(data, &env)
	return Message{Type: env.Type, SessionID: env.SessionID, UserID: env.UserID}
}

// Marshal encodes m as a JSON text frame.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func (m Message) DecodeSDP() (SDP, error) {
	var s SDP
	if err := m.decodePayload(&s); err != nil {
		return SDP{}, err
	}
	return s, nil
}

func (m Message) DecodeCandidate() (Candidate, error) {
	var c Candidate
	if err := m.decodePayload(&c); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

func (m Message) DecodeSessionInfo() (SessionInfo, error) {
	var info SessionInfo
	if err := m.decodePayload(&info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

func (m Message) DecodeError() (ErrorPayload, error) {
	var e ErrorPayload
	if err := m.decodePayload(&e); err != nil {
		return ErrorPayload{}, err
	}
	return e, nil
}

func (m Message) decodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message missing payload", m.Type)
	}
	if err := decodeStrict(m.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", m.Type, err)
	}
	return nil
}

// Validate checks the envelope and payload shape for m.Type.
func (m Message) Validate() error {
	if m.Type != MessageTypeError && m.SessionID == "" {
		return fmt.Errorf("%s message missing sessionId", m.Type)
	}

	switch m.Type {
	case MessageTypeJoin, MessageTypeLeave, MessageTypeUserJoined, MessageTypeUserLeft:
		if m.UserID == "" {
			return fmt.Errorf("%s message missing userId", m.Type)
		}
		if len(m.Payload) > 0 {
			return fmt.Errorf("%s message has unexpected payload", m.Type)
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if m.UserID == "" {
			return fmt.Errorf("%s message missing userId", m.Type)
		}
		s, err := m.DecodeSDP()
		if err != nil {
			return err
		}
		if s.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, s.Type)
		}
		if s.SDP == "" {
			return fmt.Errorf("%s message has empty sdp", m.Type)
		}
	case MessageTypeICECandidate:
		if m.UserID == "" {
			return fmt.Errorf("%s message missing userId", m.Type)
		}
		if _, err := m.DecodeCandidate(); err != nil {
			return err
		}
	case MessageTypeSessionInfo:
		info, err := m.DecodeSessionInfo()
		if err != nil {
			return err
		}
		for i, u := range info.Users {
			if u.UserID == "" {
				return fmt.Errorf("session-info users[%d] missing userId", i)
			}
		}
	case MessageTypeError:
		e, err := m.DecodeError()
		if err != nil {
			return err
		}
		if e.Code == "" || e.Message == "" {
			return errors.New("error message missing code/message")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
