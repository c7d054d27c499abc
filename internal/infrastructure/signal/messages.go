package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"pairline/internal/core/domain"
	apperrors "pairline/pkg/errors"
)

type MessageType string

const (
	TypeOpen   MessageType = "open"
	TypeOffer  MessageType = "offer"
	TypeAnswer MessageType = "answer"
	TypeLeave  MessageType = "leave"
	TypeError  MessageType = "error"
)

// Message is the relay envelope. Src is always set by the relay.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     domain.PeerID   `json:"src,omitempty"`
	Dst     domain.PeerID   `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OpenPayload struct {
	ID domain.PeerID `json:"id"`
}

// DescriptionPayload carries an offer or answer for one connection.
type DescriptionPayload struct {
	ConnectionID string          `json:"connection_id"`
	Kind         domain.ConnKind `json:"kind"`
	SDP          string          `json:"sdp"`
}

type LeavePayload struct {
	ConnectionID string `json:"connection_id"`
}

type ErrorPayload struct {
	Code         apperrors.ErrorCode `json:"code"`
	Message      string              `json:"message"`
	ConnectionID string              `json:"connection_id,omitempty"`
}

func NewMessage(t MessageType, dst domain.PeerID, payload interface{}) (Message, error) {
	msg := Message{Type: t, Dst: dst}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return apperrors.NewInvalidMessageError(fmt.Sprintf("%s message has no payload", m.Type))
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidMessage, fmt.Sprintf("invalid %s payload", m.Type), http.StatusBadRequest)
	}
	return nil
}

// CodeFor maps an error to the code carried in relay error messages.
func CodeFor(err error) apperrors.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrPeerUnavailable), errors.Is(err, domain.ErrPeerNotFound):
		return apperrors.ErrCodePeerUnavailable
	case errors.Is(err, domain.ErrNetwork), errors.Is(err, domain.ErrRelayClosed):
		return apperrors.ErrCodeNetwork
	case errors.Is(err, domain.ErrNoAnswer):
		return apperrors.ErrCodeNoAnswer
	case errors.Is(err, domain.ErrMediaUnavailable):
		return apperrors.ErrCodeMediaUnavailable
	}
	return apperrors.CodeOf(err)
}

// ErrorFor turns a relay error code back into an error that matches the
// domain sentinels with errors.Is.
func ErrorFor(code apperrors.ErrorCode, message string) error {
	var sentinel error
	switch code {
	case apperrors.ErrCodePeerUnavailable:
		sentinel = domain.ErrPeerUnavailable
	case apperrors.ErrCodeNetwork:
		sentinel = domain.ErrNetwork
	case apperrors.ErrCodeNoAnswer:
		sentinel = domain.ErrNoAnswer
	case apperrors.ErrCodeMediaUnavailable:
		sentinel = domain.ErrMediaUnavailable
	default:
		return &apperrors.AppError{Code: code, Message: message}
	}
	if message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
