package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserTurn           MessageType = "user_turn"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client control actions.
const (
	ActionCancel = "cancel"
)

// Turn end reasons.
const (
	ReasonCompleted = "completed"
	ReasonCancelled = "cancelled"
	ReasonError     = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserTurn asks for a streamed assistant reply. Omitted fields fall back to
// the server defaults; Params is decoded over them by the server.
type UserTurn struct {
	Type       MessageType     `json:"type"`
	Text       string          `json:"text"`
	UseContext *bool           `json:"use_context,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	TurnID string      `json:"turn_id,omitempty"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	TurnID    string      `json:"turn_id"`
	Seq       int         `json:"seq"`
	TextDelta string      `json:"text_delta"`
}

type AssistantTurnEnd struct {
	Type           MessageType `json:"type"`
	UserID         string      `json:"user_id"`
	TurnID         string      `json:"turn_id"`
	Reason         string      `json:"reason"`
	Output         string      `json:"output,omitempty"`
	PromptMismatch bool        `json:"prompt_mismatch,omitempty"`
	Persisted      bool        `json:"persisted"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserTurn:
		var msg UserTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid user_turn: empty text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action != ActionCancel {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
