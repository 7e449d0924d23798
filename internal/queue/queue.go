// Package queue implements the durable outbound message queue.
// Entries survive process restarts and are replayed in enqueue order,
// one at a time, until delivered or the retry ceiling is exceeded.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatrelay/internal/models"
)

// ErrDeferred is returned by a Sender when an entry may not be sent
// yet, e.g. the conversation's pacing budget is spent. The entry stays
// queued for a later cycle and its retry count is untouched.
var ErrDeferred = errors.New("queue: delivery deferred")

// Sender attempts delivery of a single queued entry. A nil return
// confirms delivery; ErrDeferred postpones the entry; any other error
// leaves it queued for retry.
type Sender func(ctx context.Context, entry models.QueuedMessage) error

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Delivered int
	Deferred  int
	Dropped   []models.QueuedMessage
	Remaining int
}

// Queue is the persistent FIFO of messages not yet acknowledged by the
// server. Enqueue is idempotent per message id: re-enqueueing the same
// id overwrites the existing record rather than duplicating it.
type Queue struct {
	db           *gorm.DB
	retryCeiling int
}

func New(db *gorm.DB, retryCeiling int) *Queue {
	return &Queue{db: db, retryCeiling: retryCeiling}
}

// Enqueue appends a durable record for the message, preserving FIFO
// order per conversation. Idempotent for the same message id.
func (q *Queue) Enqueue(entry models.QueuedMessage) error {
	if entry.MessageID == "" {
		return fmt.Errorf("queued message requires a message id")
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	err := q.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		UpdateAll: true,
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", entry.MessageID, err)
	}

	log.Debug().
		Str("messageID", entry.MessageID).
		Str("conversationID", entry.ConversationID).
		Str("reason", entry.Reason).
		Msg("Message enqueued for delivery")
	return nil
}

// Pending returns all queued entries in enqueue order.
func (q *Queue) Pending() ([]models.QueuedMessage, error) {
	var entries []models.QueuedMessage
	if err := q.db.Order("enqueued_at asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load queued messages: %w", err)
	}
	return entries, nil
}

// Count returns the number of queued entries.
func (q *Queue) Count() (int64, error) {
	var n int64
	if err := q.db.Model(&models.QueuedMessage{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count queued messages: %w", err)
	}
	return n, nil
}

// Remove deletes the entry for the given message id, if present.
func (q *Queue) Remove(messageID string) error {
	return q.db.Delete(&models.QueuedMessage{}, "message_id = ?", messageID).Error
}

// ResetRetry zeroes the retry counter of an entry so a manual retry
// starts a fresh attempt cycle.
func (q *Queue) ResetRetry(messageID string) error {
	res := q.db.Model(&models.QueuedMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]interface{}{"retry_count": 0, "last_error": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Drain iterates queued entries in enqueue order, attempting sender for
// each. Success removes the entry; ErrDeferred skips it for this cycle;
// failure increments the retry count and leaves it queued unless the
// ceiling is exceeded, in which case the entry is dropped and reported
// for failure handling.
func (q *Queue) Drain(ctx context.Context, sender Sender) (DrainResult, error) {
	var result DrainResult

	entries, err := q.Pending()
	if err != nil {
		return result, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if err := sender(ctx, entry); err != nil {
			if errors.Is(err, ErrDeferred) {
				result.Deferred++
				log.Debug().
					Str("messageID", entry.MessageID).
					Str("conversationID", entry.ConversationID).
					Msg("Delivery deferred, entry stays queued")
				continue
			}

			entry.RetryCount++
			entry.LastError = err.Error()

			if entry.RetryCount >= q.retryCeiling {
				if derr := q.Remove(entry.MessageID); derr != nil {
					log.Error().Err(derr).Str("messageID", entry.MessageID).Msg("Failed to drop exhausted queue entry")
				}
				result.Dropped = append(result.Dropped, entry)
				log.Error().
					Str("messageID", entry.MessageID).
					Int("retryCount", entry.RetryCount).
					Str("lastError", entry.LastError).
					Msg("Message delivery failed permanently, dropping from queue")
				continue
			}

			if uerr := q.db.Model(&models.QueuedMessage{}).
				Where("message_id = ?", entry.MessageID).
				Updates(map[string]interface{}{
					"retry_count": entry.RetryCount,
					"last_error":  entry.LastError,
				}).Error; uerr != nil {
				log.Error().Err(uerr).Str("messageID", entry.MessageID).Msg("Failed to record retry attempt")
			}

			log.Warn().
				Str("messageID", entry.MessageID).
				Int("retryCount", entry.RetryCount).
				Int("retryCeiling", q.retryCeiling).
				Msg("Message delivery failed, will retry")
			continue
		}

		if err := q.Remove(entry.MessageID); err != nil {
			log.Error().Err(err).Str("messageID", entry.MessageID).Msg("Failed to remove delivered queue entry")
		}
		result.Delivered++
	}

	remaining, err := q.Count()
	if err == nil {
		result.Remaining = int(remaining)
	}

	return result, nil
}
