package models

import (
	"encoding/json"
	"pairchat/backend/internal/apperr"
)

// SignalType is the discriminator of a signaling envelope.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallEnded    SignalType = "call-ended"
	SignalUserJoined   SignalType = "user-joined"
	SignalUserLeft     SignalType = "user-left"
)

// FromClient reports whether a participant may send this type. Presence
// notices are produced by the relay only.
func (t SignalType) FromClient() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalCallEnded:
		return true
	}
	return false
}

// SignalMessage is a small envelope exchanged over a room connection. Raw keeps
// the bytes exactly as received so forwarding is verbatim.
type SignalMessage struct {
	Type   SignalType      `json:"type"`
	UserID string          `json:"user_id,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// ParseSignal decodes only the discriminator and keeps the original bytes.
func ParseSignal(data []byte) (SignalMessage, error) {
	var head struct {
		Type SignalType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return SignalMessage{}, apperr.Validation("malformed signal: %v", err)
	}
	if head.Type == "" {
		return SignalMessage{}, apperr.Validation("signal has no type")
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return SignalMessage{Type: head.Type, Raw: raw}, nil
}

// NewNotice builds a relay-generated presence message about userID.
func NewNotice(t SignalType, userID string) SignalMessage {
	return SignalMessage{Type: t, UserID: userID}
}

// Bytes returns the wire form: the original bytes when present.
func (m SignalMessage) Bytes() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	return json.Marshal(m)
}
