package models

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
	ConversationArchived ConversationStatus = "archived"
)

// MessageStatus is the delivery state of a message. Transitions are
// monotonic along pending -> sent -> delivered -> read; failed is
// reachable from pending or sent only.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// StatusRank returns the ordering rank of a delivery status, or -1 for
// failed and unknown statuses, which have no place in the ladder.
func StatusRank(s MessageStatus) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// ContentType identifies the kind of message content.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentDocument ContentType = "document"
	ContentAudio    ContentType = "audio"
)

// Message is a single unit of conversation content. ID holds a local
// temporary id until the server confirms delivery, then the stable
// server-assigned id.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	ContentType    ContentType       `json:"contentType"`
	Status         MessageStatus     `json:"status"`
	FromCustomer   bool              `json:"fromCustomer"`
	FromAssistant  bool              `json:"fromAssistant"`
	Queued         bool              `json:"queued"`
	QueueReason    string            `json:"queueReason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time        `json:"readAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Conversation is a unique thread with a remote counterpart. Owned by
// the chat service; mutated only through its operations.
type Conversation struct {
	ID               string             `json:"id"`
	ContactName      string             `json:"contactName"`
	ContactPhone     string             `json:"contactPhone"`
	Status           ConversationStatus `json:"status"`
	AssistantEnabled bool               `json:"assistantEnabled"`
	LastActivityAt   time.Time          `json:"lastActivityAt"`
	Messages         []Message          `json:"messages"`
}

// QueuedMessage is the durable record of a message awaiting delivery.
// It survives process restarts and is replayed in enqueue order.
type QueuedMessage struct {
	MessageID      string      `gorm:"primaryKey" json:"messageId"`
	ConversationID string      `gorm:"index" json:"conversationId"`
	Content        string      `gorm:"type:text" json:"content"`
	ContentType    ContentType `json:"contentType"`
	EnqueuedAt     time.Time   `gorm:"index" json:"enqueuedAt"`
	RetryCount     int         `gorm:"default:0" json:"retryCount"`
	Reason         string      `json:"reason,omitempty"`
	LastError      string      `gorm:"type:text" json:"lastError,omitempty"`
}

// DeliveryOutcome is published to downstream consumers (analytics,
// campaign tooling) when a message reaches a terminal delivery state.
type DeliveryOutcome struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	Status         MessageStatus `json:"status"`
	Attempts       int           `json:"attempts"`
	Timestamp      time.Time     `json:"timestamp"`
}
