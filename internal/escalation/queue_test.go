package escalation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techtrend/support-agent/internal/storage"
	"go.uber.org/zap"
)

func TestQueueEnqueueAndList(t *testing.T) {
	q := NewQueue(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "user-1", "thread-1", "I need a refund", "escalation", "matched indicator: refund", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "user-1", item.UserID)
	assert.False(t, item.CreatedAt.IsZero())

	_, err = q.Enqueue(ctx, "user-2", "thread-2", "legal question", "escalation", "matched indicator: legal", nil)
	require.NoError(t, err)

	items, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "user-1", items[0].UserID)
	assert.Equal(t, "user-2", items[1].UserID)
}

func TestQueueDequeueByKey(t *testing.T) {
	q := NewQueue(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	queued, err := q.Enqueue(ctx, "user-1", "thread-1", "I need a refund", "escalation", "matched indicator: refund", nil)
	require.NoError(t, err)

	item, err := q.DequeueByKey(ctx, "user-1", "thread-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, queued.ID, item.ID)

	// Already dequeued.
	item, err = q.DequeueByKey(ctx, "user-1", "thread-1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestQueueDequeueUnknownKey(t *testing.T) {
	q := NewQueue(storage.NewMemoryStorage(), zap.NewNop())

	item, err := q.DequeueByKey(context.Background(), "user-x", "thread-x")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	q := NewQueue(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := "user-" + string(rune('a'+n))
			_, err := q.Enqueue(ctx, userID, "thread-1", "query", "escalation", "test", nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	items, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 10)
}
