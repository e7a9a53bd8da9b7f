package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicegateway/internal/model"
)

func msgWithPriority(t *testing.T, priority model.Priority, ordinal uint64) *model.Message {
	t.Helper()
	return &model.Message{ClientID: "c", Priority: priority, Ordinal: ordinal, Type: model.TypeData,
		Payload: model.Payload{Format: "urn:format:test"}}
}

func TestQueueDequeuesHighestPriorityFirst(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Enqueue(msgWithPriority(t, model.PriorityLow, 1)))
	require.NoError(t, q.Enqueue(msgWithPriority(t, model.PriorityHighest, 2)))
	require.NoError(t, q.Enqueue(msgWithPriority(t, model.PriorityMedium, 3)))

	ctx := context.Background()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHighest, first.Priority)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityMedium, second.Priority)
}

func TestQueueBreaksTiesByOrdinal(t *testing.T) {
	q := NewQueue(10)
	require.NoError(t, q.Enqueue(msgWithPriority(t, model.PriorityMedium, 5)))
	require.NoError(t, q.Enqueue(msgWithPriority(t, model.PriorityMedium, 2)))

	first, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), first.Ordinal)
}

func TestQueueReturnsErrQueueFullAtCapacity(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(msgWithPriority(t, model.PriorityMedium, 1)))
	err := q.Enqueue(msgWithPriority(t, model.PriorityMedium, 2))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueDequeueUnblocksOnContextCancel(t *testing.T) {
	q := NewQueue(10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.Error(t, err)
}
