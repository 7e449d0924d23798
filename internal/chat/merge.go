package chat

import (
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/models"
	"chatrelay/internal/transport"
)

// MergeInbound applies one inbound server event to the store. Message
// events append to the conversation sequence, status events advance
// delivery state monotonically, typing events touch ephemeral state
// only. Unknown events are logged and dropped.
func (s *Service) MergeInbound(ev transport.Event) {
	switch ev.Type {
	case transport.FrameMessage:
		s.mergeMessage(ev.Message)
	case transport.FrameStatus:
		s.mergeStatus(ev.Status)
	case transport.FrameTyping:
		s.mergeTyping(ev.Typing)
	case transport.FrameConversation:
		s.mergeConversation(ev.Conversation)
	default:
		log.Debug().Str("type", ev.Type).Msg("Dropping inbound event of unknown type")
	}
}

func (s *Service) mergeMessage(p *transport.InboundMessagePayload) {
	if p == nil || p.MessageID == "" || p.ConversationID == "" {
		log.Warn().Msg("Dropping inbound message event with missing ids")
		return
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The message may already be known, e.g. the server echoing a send
	// that was confirmed through an ack. Merging is idempotent.
	if _, known := s.msgIndex[p.MessageID]; known {
		return
	}

	conv := s.ensureConversationLocked(p.ConversationID)
	if p.ContactName != "" {
		conv.ContactName = p.ContactName
	}
	if p.ContactPhone != "" {
		conv.ContactPhone = p.ContactPhone
	}

	msg := models.Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		Content:        p.Content,
		ContentType:    p.ContentType,
		FromCustomer:   p.FromCustomer,
		FromAssistant:  p.FromAssistant,
		CreatedAt:      ts,
		SentAt:         &ts,
	}
	if p.FromCustomer {
		msg.Status = models.MessageDelivered
		msg.DeliveredAt = &ts
	} else {
		msg.Status = models.MessageSent
	}

	conv.Messages = append(conv.Messages, msg)
	conv.LastActivityAt = ts
	s.msgIndex[msg.ID] = conv.ID
}

func (s *Service) mergeStatus(p *transport.StatusPayload) {
	if p == nil || p.MessageID == "" {
		log.Warn().Msg("Dropping inbound status event with missing message id")
		return
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	m := s.findMessageLocked(p.MessageID)
	if m == nil {
		s.mu.Unlock()
		log.Debug().Str("messageID", p.MessageID).Msg("Status event for unknown message, dropping")
		return
	}
	advanced := applyStatus(m, p.Status, ts)
	s.mu.Unlock()

	if !advanced {
		log.Debug().
			Str("messageID", p.MessageID).
			Str("status", string(p.Status)).
			Msg("Ignoring non-monotonic status event")
	}
}

func (s *Service) mergeTyping(p *transport.TypingPayload) {
	if p == nil || p.ConversationID == "" {
		return
	}
	if p.IsTyping {
		s.typing.Set(p.ConversationID, true, cache.DefaultExpiration)
	} else {
		s.typing.Delete(p.ConversationID)
	}
}

func (s *Service) mergeConversation(p *transport.ConversationPayload) {
	if p == nil || p.ConversationID == "" {
		return
	}

	s.mu.Lock()
	conv := s.ensureConversationLocked(p.ConversationID)
	conv.Status = p.Status
	s.mu.Unlock()

	log.Debug().
		Str("conversationID", p.ConversationID).
		Str("status", string(p.Status)).
		Msg("Conversation status updated")
}

// applyStatus advances a message's delivery status. Regressions are
// rejected; failed is reachable from pending or sent only, and a
// failed message does not advance without a manual retry. Timestamps
// for every step up to the new status are filled in.
func applyStatus(m *models.Message, status models.MessageStatus, ts time.Time) bool {
	if status == models.MessageFailed {
		if m.Status != models.MessagePending && m.Status != models.MessageSent {
			return false
		}
		m.Status = models.MessageFailed
		m.Queued = false
		return true
	}

	if m.Status == models.MessageFailed {
		return false
	}
	if models.StatusRank(status) <= models.StatusRank(m.Status) {
		return false
	}

	switch status {
	case models.MessageSent:
		setIfNil(&m.SentAt, ts)
	case models.MessageDelivered:
		setIfNil(&m.SentAt, ts)
		setIfNil(&m.DeliveredAt, ts)
	case models.MessageRead:
		setIfNil(&m.SentAt, ts)
		setIfNil(&m.DeliveredAt, ts)
		setIfNil(&m.ReadAt, ts)
	default:
		return false
	}

	m.Status = status
	m.Queued = false
	return true
}

func setIfNil(field **time.Time, ts time.Time) {
	if *field == nil {
		t := ts
		*field = &t
	}
}
