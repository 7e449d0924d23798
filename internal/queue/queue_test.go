package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/models"
	"chatrelay/internal/store"
)

func newTestQueue(t *testing.T, dsn string) *Queue {
	t.Helper()
	db, err := store.Open(dsn)
	require.NoError(t, err)
	return New(db, 3)
}

func entry(id, conv string, at time.Time) models.QueuedMessage {
	return models.QueuedMessage{
		MessageID:      id,
		ConversationID: conv,
		Content:        "hello " + id,
		ContentType:    models.ContentText,
		EnqueuedAt:     at,
	}
}

func TestEnqueueIsIdempotentPerMessageID(t *testing.T) {
	q := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	at := time.Now()
	require.NoError(t, q.Enqueue(entry("m1", "c1", at)))
	require.NoError(t, q.Enqueue(entry("m1", "c1", at)))

	n, err := q.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "re-enqueue must overwrite, not duplicate")
}

func TestDrainDeliversInEnqueueOrder(t *testing.T) {
	q := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	base := time.Now()
	require.NoError(t, q.Enqueue(entry("m2", "c1", base.Add(time.Second))))
	require.NoError(t, q.Enqueue(entry("m1", "c1", base)))
	require.NoError(t, q.Enqueue(entry("m3", "c2", base.Add(2*time.Second))))

	var order []string
	res, err := q.Drain(context.Background(), func(ctx context.Context, e models.QueuedMessage) error {
		order = append(order, e.MessageID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2", "m3"}, order)
	assert.Equal(t, 3, res.Delivered)
	assert.Zero(t, res.Remaining)
}

func TestDrainLeavesFailedEntriesQueued(t *testing.T) {
	q := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, q.Enqueue(entry("m1", "c1", time.Now())))

	res, err := q.Drain(context.Background(), func(ctx context.Context, e models.QueuedMessage) error {
		return errors.New("send timeout")
	})
	require.NoError(t, err)

	assert.Zero(t, res.Delivered)
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 1, res.Remaining)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "send timeout", pending[0].LastError)
}

func TestDrainDefersWithoutBurningRetries(t *testing.T) {
	q := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	base := time.Now()
	require.NoError(t, q.Enqueue(entry("m1", "c1", base)))
	require.NoError(t, q.Enqueue(entry("m2", "c1", base.Add(time.Second))))

	res, err := q.Drain(context.Background(), func(ctx context.Context, e models.QueuedMessage) error {
		if e.MessageID == "m2" {
			return ErrDeferred
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Deferred)
	assert.Empty(t, res.Dropped)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m2", pending[0].MessageID)
	assert.Zero(t, pending[0].RetryCount, "a deferral is not a delivery failure")
	assert.Empty(t, pending[0].LastError)
}

func TestDrainDropsAfterRetryCeiling(t *testing.T) {
	q := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, q.Enqueue(entry("m1", "c1", time.Now())))

	attempts := 0
	sender := func(ctx context.Context, e models.QueuedMessage) error {
		attempts++
		return errors.New("still failing")
	}

	var dropped []models.QueuedMessage
	for i := 0; i < 5; i++ {
		res, err := q.Drain(context.Background(), sender)
		require.NoError(t, err)
		dropped = append(dropped, res.Dropped...)
	}

	assert.Equal(t, 3, attempts, "retried exactly the ceiling, never again")
	require.Len(t, dropped, 1)
	assert.Equal(t, "m1", dropped[0].MessageID)
	assert.Equal(t, 3, dropped[0].RetryCount)

	n, err := q.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueSurvivesRestart(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "queue.db")

	q := newTestQueue(t, dsn)
	require.NoError(t, q.Enqueue(entry("m1", "c1", time.Now())))

	// A new queue over the same file simulates a process restart.
	reopened := newTestQueue(t, dsn)

	var delivered []string
	res, err := reopened.Drain(context.Background(), func(ctx context.Context, e models.QueuedMessage) error {
		delivered = append(delivered, e.MessageID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"m1"}, delivered, "delivered exactly once after restart")
	assert.Equal(t, 1, res.Delivered)

	n, err := reopened.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetRetry(t *testing.T) {
	q := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, q.Enqueue(entry("m1", "c1", time.Now())))

	_, err := q.Drain(context.Background(), func(ctx context.Context, e models.QueuedMessage) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	require.NoError(t, q.ResetRetry("m1"))
	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)
	assert.Empty(t, pending[0].LastError)

	assert.Error(t, q.ResetRetry("missing"))
}
