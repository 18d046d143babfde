package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/worker"
)

func TestConsumer_ProcessesQueuedJobs(t *testing.T) {
	f := newFixture(t, nil)

	q := queue.NewMemoryQueue(queue.MemoryConfig{
		BatchSize: 5,
		BatchWait: 10 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	consumer := worker.NewConsumer(worker.ConsumerConfig{
		Queue:     q,
		Processor: f.processor,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	require.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: "svc-1", Trigger: queue.TriggerScheduled}))
	require.NoError(t, q.Enqueue(ctx, queue.Job{ServiceID: "missing", Trigger: queue.TriggerManual}))

	require.Eventually(t, func() bool {
		m := f.processor.GetMetrics()
		return m.Executed == 1 && m.Skipped == 1
	}, 2*time.Second, 10*time.Millisecond)

	recent, err := f.repo.Recent(context.Background(), "svc-1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Equal(t, 0, q.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_StopsWhenQueueClosed(t *testing.T) {
	f := newFixture(t, nil)
	q := queue.NewMemoryQueue(queue.MemoryConfig{BatchWait: 10 * time.Millisecond, Logger: zerolog.Nop()})
	consumer := worker.NewConsumer(worker.ConsumerConfig{Queue: q, Processor: f.processor, Logger: zerolog.Nop()})

	require.NoError(t, q.Close())
	assert.NoError(t, consumer.Start(context.Background()))
}
