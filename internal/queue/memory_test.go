package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/queue"
)

func TestDecode(t *testing.T) {
	job := queue.Job{ServiceID: "svc-1", Trigger: queue.TriggerScheduled, ScheduledAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	data, err := job.Encode()
	require.NoError(t, err)

	got, err := queue.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	_, err = queue.Decode([]byte("{"))
	assert.ErrorIs(t, err, queue.ErrMalformed)

	_, err = queue.Decode([]byte(`{"trigger":"scheduled"}`))
	assert.ErrorIs(t, err, queue.ErrMalformed)
}

func TestDelivery_SettlesOnce(t *testing.T) {
	acks, retries := 0, 0
	d := queue.NewDelivery("1", queue.Job{ServiceID: "svc"}, 1, func() { acks++ }, func() { retries++ })

	d.Ack()
	d.Retry()
	d.Ack()

	assert.Equal(t, 1, acks)
	assert.Zero(t, retries)
}

func newQueue(cfg queue.MemoryConfig) *queue.MemoryQueue {
	cfg.Logger = zerolog.Nop()
	return queue.NewMemoryQueue(cfg)
}

func TestMemoryQueue_BatchesUpToSize(t *testing.T) {
	q := newQueue(queue.MemoryConfig{BatchSize: 2, BatchWait: 10 * time.Millisecond})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: id}))
	}
	require.NoError(t, q.Close())

	var sizes []int
	var ids []string
	err := q.Receive(ctx, func(_ context.Context, batch []*queue.Delivery) {
		sizes = append(sizes, len(batch))
		for _, d := range batch {
			ids = append(ids, d.Job.ServiceID)
			d.Ack()
		}
	})

	assert.ErrorIs(t, err, queue.ErrQueueClosed)
	assert.Equal(t, []int{2, 1}, sizes)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestMemoryQueue_PartialBatchAfterWait(t *testing.T) {
	q := newQueue(queue.MemoryConfig{BatchSize: 10, BatchWait: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: "a"}))

	got := make(chan int, 1)
	go func() {
		_ = q.Receive(ctx, func(_ context.Context, batch []*queue.Delivery) {
			for _, d := range batch {
				d.Ack()
			}
			got <- len(batch)
			cancel()
		})
	}()

	select {
	case n := <-got:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("partial batch was not delivered")
	}
}

func TestMemoryQueue_RetryRedeliversUntilMaxAttempts(t *testing.T) {
	q := newQueue(queue.MemoryConfig{BatchSize: 1, BatchWait: time.Millisecond, MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: "svc"}))
	require.NoError(t, q.Close())

	var attempts []int
	err := q.Receive(ctx, func(_ context.Context, batch []*queue.Delivery) {
		for _, d := range batch {
			attempts = append(attempts, d.Attempt)
			d.Retry()
		}
	})

	assert.True(t, errors.Is(err, queue.ErrQueueClosed))
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, int64(1), q.DeadLetters())
}

func TestMemoryQueue_Full(t *testing.T) {
	q := newQueue(queue.MemoryConfig{Capacity: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: "a"}))
	assert.ErrorIs(t, q.Enqueue(ctx, queue.Job{ServiceID: "b"}), queue.ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_EnqueueAfterClose(t *testing.T) {
	q := newQueue(queue.MemoryConfig{})
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), queue.Job{ServiceID: "a"}), queue.ErrQueueClosed)
}

func TestMemoryQueue_ConcurrentProducers(t *testing.T) {
	q := newQueue(queue.MemoryConfig{BatchSize: 5, BatchWait: 5 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: "svc"}))
		}()
	}
	wg.Wait()
	require.NoError(t, q.Close())

	total := 0
	_ = q.Receive(ctx, func(_ context.Context, batch []*queue.Delivery) {
		assert.LessOrEqual(t, len(batch), 5)
		total += len(batch)
		for _, d := range batch {
			d.Ack()
		}
	})
	assert.Equal(t, 20, total)
}
