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
	TypeClientMessage MessageType = "message"
	TypeTyping        MessageType = "typing"
	TypeResponse      MessageType = "response"
	TypeError         MessageType = "error"
	TypeSessionEvent  MessageType = "session_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is the only inbound frame: one user turn.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Content   string      `json:"content"`
}

type Typing struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	IsTyping  bool        `json:"is_typing"`
}

type Reference struct {
	Section string  `json:"section,omitempty"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	MessageID  string      `json:"message_id"`
	Content    string      `json:"content"`
	References []Reference `json:"references"`
	Usage      Usage       `json:"usage"`
	ModelID    string      `json:"model_id,omitempty"`
	LatencyMS  int64       `json:"latency_ms,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type SessionEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

// ParseClientMessage validates and decodes one inbound frame.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return ClientMessage{}, err
		}
		if strings.TrimSpace(msg.Content) == "" {
			return ClientMessage{}, errors.New("message content must not be empty")
		}
		return msg, nil
	default:
		return ClientMessage{}, ErrUnsupportedType
	}
}
