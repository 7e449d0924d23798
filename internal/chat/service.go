// Package chat holds the authoritative in-memory view of conversations
// and messages. It applies optimistic local edits and reconciles them
// with server-confirmed state and inbound events, by replacement and
// never by duplication.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/events"
	"chatrelay/internal/models"
	"chatrelay/internal/queue"
	"chatrelay/internal/rate"
	"chatrelay/internal/transport"
)

var ErrUnknownMessage = errors.New("chat: unknown message")

const (
	typingTTL       = 5 * time.Second
	deliveryTimeout = 15 * time.Second
)

// Queue reasons shown to the UI alongside the queued indicator.
const (
	ReasonRateLimited = "rate_limited"
	ReasonOffline     = "offline"
	ReasonSendFailed  = "send_failed"
	ReasonManualRetry = "manual_retry"
)

// Delivery is the live-session send surface.
type Delivery interface {
	SendMessage(ctx context.Context, p transport.MessagePayload) (*transport.Ack, error)
	SetAssistant(ctx context.Context, conversationID string, enabled bool) error
	SendTyping(conversationID string, isTyping bool) error
	Connected() bool
}

// Fallback is the synchronous REST send path used when the live
// session repeatedly fails to acknowledge.
type Fallback interface {
	SendMessage(ctx context.Context, p transport.MessagePayload) (*transport.Ack, error)
}

// Service is the reconciler. View components read its snapshots and
// never mutate state directly.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	msgIndex      map[string]string // message id -> conversation id

	delivery  Delivery
	fallback  Fallback
	queue     *queue.Queue
	governor  *rate.Governor
	publisher *events.Publisher
	typing    *cache.Cache

	fallbackAfter int
	now           func() time.Time
}

func NewService(delivery Delivery, fallback Fallback, q *queue.Queue, governor *rate.Governor, publisher *events.Publisher, fallbackAfter int) *Service {
	return &Service{
		conversations: make(map[string]*models.Conversation),
		msgIndex:      make(map[string]string),
		delivery:      delivery,
		fallback:      fallback,
		queue:         q,
		governor:      governor,
		publisher:     publisher,
		typing:        cache.New(typingTTL, time.Minute),
		fallbackAfter: fallbackAfter,
		now:           time.Now,
	}
}

// Run consumes inbound transport events until the context is done.
func (s *Service) Run(ctx context.Context, eventCh <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eventCh:
			s.MergeInbound(ev)
		}
	}
}

// SendMessage creates an optimistic pending message with a temporary id
// at the end of the conversation and attempts delivery asynchronously.
// On success the temporary message is replaced in place by the
// authoritative one; on failure it stays visible with a queued marker.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string, contentType models.ContentType) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, fmt.Errorf("conversation id cannot be empty")
	}
	if contentType == "" {
		contentType = models.ContentText
	}

	msg := models.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		ContentType:    contentType,
		Status:         models.MessagePending,
		CreatedAt:      s.now(),
	}

	s.mu.Lock()
	conv := s.ensureConversationLocked(conversationID)
	conv.Messages = append(conv.Messages, msg)
	conv.LastActivityAt = msg.CreatedAt
	s.msgIndex[msg.ID] = conversationID
	s.mu.Unlock()

	if !s.governor.Allow(conversationID) {
		log.Debug().
			Str("conversationID", conversationID).
			Str("messageID", msg.ID).
			Msg("Rate governor denied send, queueing message")
		s.enqueue(msg, ReasonRateLimited)
		return s.messageSnapshot(msg.ID), nil
	}

	go s.deliver(msg)
	return msg, nil
}

func (s *Service) deliver(msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	ack, err := s.delivery.SendMessage(ctx, transport.MessagePayload{
		ConversationID:  msg.ConversationID,
		Content:         msg.Content,
		ContentType:     msg.ContentType,
		ClientMessageID: msg.ID,
	})
	if err != nil {
		reason := ReasonSendFailed
		if errors.Is(err, transport.ErrNotConnected) {
			reason = ReasonOffline
		}
		log.Warn().
			Err(err).
			Str("messageID", msg.ID).
			Str("conversationID", msg.ConversationID).
			Str("reason", reason).
			Msg("Delivery attempt failed, queueing message")
		s.enqueue(msg, reason)
		return
	}

	s.confirmDelivery(msg.ID, ack, 1)
}

func (s *Service) enqueue(msg models.Message, reason string) {
	entry := models.QueuedMessage{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		EnqueuedAt:     s.now(),
		Reason:         reason,
	}
	if err := s.queue.Enqueue(entry); err != nil {
		log.Error().Err(err).Str("messageID", msg.ID).Msg("Failed to enqueue message, marking failed")
		s.markFailed(entry)
		return
	}

	s.mu.Lock()
	if m := s.findMessageLocked(msg.ID); m != nil {
		m.Queued = true
		m.QueueReason = reason
	}
	s.mu.Unlock()
}

// confirmDelivery replaces the local message with the authoritative
// one, preserving its position in the sequence. If the server copy was
// already merged through an inbound event, the optimistic entry is
// removed instead, so exactly one representation remains.
func (s *Service) confirmDelivery(localID string, ack *transport.Ack, attempts int) {
	sentAt := ack.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}

	s.mu.Lock()
	convID, ok := s.msgIndex[localID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conv := s.conversations[convID]

	if _, dup := s.msgIndex[ack.MessageID]; dup && ack.MessageID != localID {
		s.removeMessageLocked(conv, localID)
		delete(s.msgIndex, localID)
		s.mu.Unlock()
		log.Debug().
			Str("localID", localID).
			Str("messageID", ack.MessageID).
			Msg("Authoritative message already present, dropped optimistic copy")
		return
	}

	for i := range conv.Messages {
		if conv.Messages[i].ID != localID {
			continue
		}
		m := &conv.Messages[i]
		m.ID = ack.MessageID
		m.Status = models.MessageSent
		m.SentAt = &sentAt
		m.Queued = false
		m.QueueReason = ""
		break
	}
	delete(s.msgIndex, localID)
	s.msgIndex[ack.MessageID] = convID
	s.mu.Unlock()

	log.Info().
		Str("localID", localID).
		Str("messageID", ack.MessageID).
		Str("conversationID", convID).
		Msg("Message delivery confirmed")

	s.publisher.PublishOutcome(models.DeliveryOutcome{
		MessageID:      ack.MessageID,
		ConversationID: convID,
		Status:         models.MessageSent,
		Attempts:       attempts,
		Timestamp:      sentAt,
	})
}

// DrainQueue delivers queued entries through the transport, in enqueue
// order. A no-op while disconnected: queued messages wait for the
// reconnect-triggered drain instead of burning retry attempts.
func (s *Service) DrainQueue(ctx context.Context) error {
	if !s.delivery.Connected() {
		log.Debug().Msg("Skipping queue drain while disconnected")
		return nil
	}

	res, err := s.queue.Drain(ctx, s.deliverQueued)
	if err != nil {
		return err
	}

	for _, entry := range res.Dropped {
		s.markFailed(entry)
	}

	if res.Delivered > 0 || res.Deferred > 0 || len(res.Dropped) > 0 {
		log.Info().
			Int("delivered", res.Delivered).
			Int("deferred", res.Deferred).
			Int("failed", len(res.Dropped)).
			Int("remaining", res.Remaining).
			Msg("Queue drain completed")
	}
	return nil
}

func (s *Service) deliverQueued(ctx context.Context, entry models.QueuedMessage) error {
	// Retries pace like fresh sends. A denial is not a delivery
	// failure: the entry stays queued with its retry count untouched.
	if !s.governor.Allow(entry.ConversationID) {
		log.Debug().
			Str("conversationID", entry.ConversationID).
			Str("messageID", entry.MessageID).
			Msg("Rate governor denied retry, deferring entry")
		return queue.ErrDeferred
	}

	p := transport.MessagePayload{
		ConversationID:  entry.ConversationID,
		Content:         entry.Content,
		ContentType:     entry.ContentType,
		ClientMessageID: entry.MessageID,
	}

	var (
		ack *transport.Ack
		err error
	)
	if entry.RetryCount >= s.fallbackAfter && s.fallback != nil {
		log.Info().
			Str("messageID", entry.MessageID).
			Int("retryCount", entry.RetryCount).
			Msg("Live session keeps failing to ack, using REST fallback")
		ack, err = s.fallback.SendMessage(ctx, p)
	} else {
		ack, err = s.delivery.SendMessage(ctx, p)
	}
	if err != nil {
		return err
	}

	s.confirmDelivery(entry.MessageID, ack, entry.RetryCount+1)
	return nil
}

// markFailed records a terminal delivery failure for the message and
// surfaces it for manual retry.
func (s *Service) markFailed(entry models.QueuedMessage) {
	s.mu.Lock()
	if m := s.findMessageLocked(entry.MessageID); m != nil {
		if m.Status == models.MessagePending || m.Status == models.MessageSent {
			m.Status = models.MessageFailed
		}
		m.Queued = false
		m.QueueReason = ""
	}
	s.mu.Unlock()

	log.Error().
		Str("messageID", entry.MessageID).
		Str("conversationID", entry.ConversationID).
		Int("retryCount", entry.RetryCount).
		Msg("Message marked failed after exhausting retries")

	s.publisher.PublishOutcome(models.DeliveryOutcome{
		MessageID:      entry.MessageID,
		ConversationID: entry.ConversationID,
		Status:         models.MessageFailed,
		Attempts:       entry.RetryCount,
		Timestamp:      s.now(),
	})
}

// RetryMessage re-queues a failed message on explicit user action,
// starting a fresh retry cycle.
func (s *Service) RetryMessage(messageID string) error {
	s.mu.Lock()
	m := s.findMessageLocked(messageID)
	if m == nil {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if m.Status != models.MessageFailed {
		s.mu.Unlock()
		return fmt.Errorf("message %s is not in a failed state", messageID)
	}
	m.Status = models.MessagePending
	m.Queued = true
	m.QueueReason = ReasonManualRetry
	msg := *m
	s.mu.Unlock()

	if err := s.queue.Enqueue(models.QueuedMessage{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		EnqueuedAt:     s.now(),
		Reason:         ReasonManualRetry,
	}); err != nil {
		return err
	}
	// The fresh cycle starts with a clean counter even if a row from
	// the previous cycle survived the upsert.
	return s.queue.ResetRetry(msg.ID)
}

// RetryAllFailed re-queues every failed message across conversations
// and reports how many were queued.
func (s *Service) RetryAllFailed() (int, error) {
	s.mu.RLock()
	var ids []string
	for _, conv := range s.conversations {
		for i := range conv.Messages {
			if conv.Messages[i].Status == models.MessageFailed {
				ids = append(ids, conv.Messages[i].ID)
			}
		}
	}
	s.mu.RUnlock()

	retried := 0
	for _, id := range ids {
		if err := s.RetryMessage(id); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

// ToggleAssistant flips the assistant flag optimistically and reverts
// on confirmed failure.
func (s *Service) ToggleAssistant(conversationID string, enabled bool) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	s.mu.Lock()
	conv := s.ensureConversationLocked(conversationID)
	prev := conv.AssistantEnabled
	conv.AssistantEnabled = enabled
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		if err := s.delivery.SetAssistant(ctx, conversationID, enabled); err != nil {
			log.Warn().
				Err(err).
				Str("conversationID", conversationID).
				Bool("enabled", enabled).
				Msg("Assistant toggle rejected, reverting")
			s.mu.Lock()
			if c, ok := s.conversations[conversationID]; ok {
				c.AssistantEnabled = prev
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

// NotifyTyping forwards the operator's typing state. Best effort.
func (s *Service) NotifyTyping(conversationID string, isTyping bool) {
	if err := s.delivery.SendTyping(conversationID, isTyping); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		log.Debug().Err(err).Str("conversationID", conversationID).Msg("Failed to send typing indicator")
	}
}

// Typing reports whether the counterpart is currently typing.
func (s *Service) Typing(conversationID string) bool {
	_, ok := s.typing.Get(conversationID)
	return ok
}

// Conversations returns an immutable snapshot of all conversations,
// most recently active first.
func (s *Service) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Conversation returns an immutable snapshot of one conversation.
func (s *Service) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return copyConversation(c), true
}

func (s *Service) messageSnapshot(id string) models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.findMessageLocked(id); m != nil {
		return *m
	}
	return models.Message{}
}

func (s *Service) ensureConversationLocked(id string) *models.Conversation {
	conv, ok := s.conversations[id]
	if !ok {
		conv = &models.Conversation{
			ID:             id,
			Status:         models.ConversationActive,
			LastActivityAt: s.now(),
		}
		s.conversations[id] = conv
	}
	return conv
}

func (s *Service) findMessageLocked(id string) *models.Message {
	convID, ok := s.msgIndex[id]
	if !ok {
		return nil
	}
	conv := s.conversations[convID]
	for i := range conv.Messages {
		if conv.Messages[i].ID == id {
			return &conv.Messages[i]
		}
	}
	return nil
}

func (s *Service) removeMessageLocked(conv *models.Conversation, id string) {
	for i := range conv.Messages {
		if conv.Messages[i].ID == id {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
			return
		}
	}
}

func copyConversation(c *models.Conversation) models.Conversation {
	cp := *c
	cp.Messages = append([]models.Message(nil), c.Messages...)
	return cp
}
