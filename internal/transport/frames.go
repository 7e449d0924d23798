package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

// Frame types exchanged over the live session.
const (
	FrameMessage      = "message"
	FrameStatus       = "status"
	FrameTyping       = "typing"
	FrameAssistant    = "assistant"
	FrameConversation = "conversation"
	FrameAck          = "ack"
	FramePing         = "ping"
	FramePong         = "pong"
)

// Frame is the JSON envelope for every frame on the wire.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload is an outbound message frame. ClientMessageID ties
// the server ack back to the locally created message.
type MessagePayload struct {
	ConversationID  string             `json:"conversationId"`
	Content         string             `json:"content"`
	ContentType     models.ContentType `json:"contentType"`
	ClientMessageID string             `json:"clientMessageId"`
}

// AckPayload is the server acknowledgment of an outbound frame. It
// carries the server-assigned message id and the authoritative sentAt.
type AckPayload struct {
	ClientMessageID string    `json:"clientMessageId"`
	MessageID       string    `json:"messageId"`
	SentAt          time.Time `json:"sentAt"`
	Error           string    `json:"error,omitempty"`
}

// StatusPayload reports a delivery-status change for a message.
type StatusPayload struct {
	MessageID string               `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// TypingPayload is the ephemeral typing indicator for a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// AssistantPayload toggles the AI assistant for a conversation.
type AssistantPayload struct {
	ConversationID  string `json:"conversationId"`
	Enabled         bool   `json:"enabled"`
	ClientMessageID string `json:"clientMessageId"`
}

// ConversationPayload reports a conversation lifecycle change.
type ConversationPayload struct {
	ConversationID string                    `json:"conversationId"`
	Status         models.ConversationStatus `json:"status"`
}

// InboundMessagePayload is a new message pushed by the server.
type InboundMessagePayload struct {
	MessageID      string             `json:"messageId"`
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	ContentType    models.ContentType `json:"contentType"`
	FromCustomer   bool               `json:"fromCustomer"`
	FromAssistant  bool               `json:"fromAssistant"`
	ContactName    string             `json:"contactName,omitempty"`
	ContactPhone   string             `json:"contactPhone,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Event is one inbound server event. Events for the same conversation
// are delivered in arrival order.
type Event struct {
	Type         string
	Message      *InboundMessagePayload
	Status       *StatusPayload
	Typing       *TypingPayload
	Conversation *ConversationPayload
}

// Ack is the resolved outcome of a successful send.
type Ack struct {
	MessageID string
	SentAt    time.Time
}

func makeFrame(frameType string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}
