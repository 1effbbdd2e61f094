package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/techtrend/support-agent/internal/models"
	"github.com/techtrend/support-agent/internal/storage"
	"go.uber.org/zap"
)

// Queue is the pending human-review collection: FIFO for reviewer
// display, addressable by (user, thread) for resolution. Items are
// persisted through the storage layer so pending reviews survive
// restarts. The queue is the only mutator of escalation items.
type Queue struct {
	mu     sync.Mutex
	store  storage.EscalationStorage
	logger *zap.Logger
}

func NewQueue(store storage.EscalationStorage, logger *zap.Logger) *Queue {
	return &Queue{
		store:  store,
		logger: logger,
	}
}

// Enqueue creates a review item for the triggering message and returns it.
func (q *Queue) Enqueue(ctx context.Context, userID, threadID, query, intent, reason string, metadata map[string]any) (*models.EscalationItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &models.EscalationItem{
		ID:        uuid.New().String(),
		UserID:    userID,
		ThreadID:  threadID,
		Query:     query,
		Intent:    intent,
		Reason:    reason,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	if err := q.store.SaveEscalation(ctx, item); err != nil {
		return nil, err
	}

	q.logger.Info("Escalation enqueued",
		zap.String("escalation_id", item.ID),
		zap.String("user_id", userID),
		zap.String("thread_id", threadID),
		zap.String("reason", reason))
	return item, nil
}

// DequeueByKey removes and returns the pending item for the session
// key, or (nil, nil) when none exists.
func (q *Queue) DequeueByKey(ctx context.Context, userID, threadID string) (*models.EscalationItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.store.DeleteEscalation(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if item != nil {
		q.logger.Info("Escalation dequeued",
			zap.String("escalation_id", item.ID),
			zap.String("user_id", userID),
			zap.String("thread_id", threadID))
	}
	return item, nil
}

// ListPending returns all pending items ordered by creation time.
func (q *Queue) ListPending(ctx context.Context) ([]*models.EscalationItem, error) {
	return q.store.ListEscalations(ctx)
}
