package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatMessage   MessageType = "chat.message"
	TypeSummaryGet    MessageType = "summary.get"
	TypePing          MessageType = "ping"
	TypeChatReply     MessageType = "chat.reply"
	TypeTriageSummary MessageType = "triage.summary"
	TypePong          MessageType = "pong"
	TypeError         MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatMessage is one user message sent over the socket. ConversationID and
// PhoneNumber are both accepted; which one wins depends on the identity policy.
type ChatMessage struct {
	Type           MessageType    `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	PhoneNumber    string         `json:"phone_number,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type SummaryGet struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

type ChatReply struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	Reply          string      `json:"reply"`
	TriageSaved    bool        `json:"triage_saved"`
}

type TriageSummary struct {
	Type           MessageType    `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Summary        map[string]any `json:"triage_summary"`
	FinalizedAt    time.Time      `json:"finalized_at"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

func NewErrorEvent(requestID, code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{
		Type:      TypeError,
		RequestID: requestID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, errors.New("invalid chat.message: message is required")
		}
		return msg, nil
	case TypeSummaryGet:
		var msg SummaryGet
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.ConversationID) == "" {
			return nil, errors.New("invalid summary.get: conversation_id is required")
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
