package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MemoryConfig holds configuration for the in-memory queue.
type MemoryConfig struct {
	// Capacity bounds the number of pending jobs.
	// Default: 1000
	Capacity int

	// BatchSize is the maximum deliveries per handler call.
	// Default: 10
	BatchSize int

	// BatchWait is how long a partial batch waits for more jobs.
	// Default: 1 second
	BatchWait time.Duration

	// MaxAttempts drops a job after this many failed deliveries.
	// Default: 3
	MaxAttempts int

	Logger zerolog.Logger
}

// DefaultMemoryConfig returns the default in-memory queue configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:    1000,
		BatchSize:   10,
		BatchWait:   time.Second,
		MaxAttempts: 3,
	}
}

type memoryItem struct {
	id      string
	job     Job
	attempt int
}

// MemoryQueue is a process-local Publisher and Consumer for local runs and tests.
type MemoryQueue struct {
	cfg    MemoryConfig
	logger zerolog.Logger

	mu     sync.Mutex
	items  []memoryItem
	closed bool
	signal chan struct{}

	seq         atomic.Int64
	deadLetters atomic.Int64
}

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
	_ Queue     = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	def := DefaultMemoryConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = def.BatchWait
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &MemoryQueue{
		cfg:    cfg,
		logger: cfg.Logger,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job. Returns ErrQueueFull when at capacity.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	id := strconv.FormatInt(q.seq.Add(1), 10)
	return q.push(memoryItem{id: id, job: job, attempt: 1}, false)
}

// push appends item. Retries are accepted after Close so a draining
// consumer can finish them.
func (q *MemoryQueue) push(item memoryItem, retry bool) error {
	q.mu.Lock()
	if q.closed && !retry {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) >= q.cfg.Capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive delivers batches to handler until ctx is done or the queue is
// closed and drained.
func (q *MemoryQueue) Receive(ctx context.Context, handler BatchHandler) error {
	for {
		batch, err := q.nextBatch(ctx)
		if err != nil {
			return err
		}
		handler(ctx, batch)
	}
}

func (q *MemoryQueue) nextBatch(ctx context.Context) ([]*Delivery, error) {
	var batch []*Delivery
	var timer *time.Timer
	var timeout <-chan time.Time

	for {
		q.mu.Lock()
		for len(q.items) > 0 && len(batch) < q.cfg.BatchSize {
			item := q.items[0]
			q.items = q.items[1:]
			batch = append(batch, q.delivery(item))
		}
		closed := q.closed
		q.mu.Unlock()

		if len(batch) >= q.cfg.BatchSize || (closed && len(batch) > 0) {
			if timer != nil {
				timer.Stop()
			}
			return batch, nil
		}
		if closed {
			return nil, ErrQueueClosed
		}
		if len(batch) > 0 && timer == nil {
			timer = time.NewTimer(q.cfg.BatchWait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			for _, d := range batch {
				d.Retry()
			}
			return nil, ctx.Err()
		case <-timeout:
			return batch, nil
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) delivery(item memoryItem) *Delivery {
	return NewDelivery(item.id, item.job, item.attempt,
		nil,
		func() { q.requeue(item) },
	)
}

func (q *MemoryQueue) requeue(item memoryItem) {
	if item.attempt >= q.cfg.MaxAttempts {
		q.deadLetters.Add(1)
		q.logger.Error().
			Str("job_id", item.id).
			Str("service_id", item.job.ServiceID).
			Int("attempts", item.attempt).
			Msg("job exceeded max attempts, dropping")
		return
	}

	item.attempt++
	if err := q.push(item, true); err != nil {
		q.deadLetters.Add(1)
		q.logger.Error().
			Err(err).
			Str("job_id", item.id).
			Str("service_id", item.job.ServiceID).
			Msg("requeue failed, dropping job")
	}
}

// Close stops accepting jobs. Pending jobs are still delivered.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters returns how many jobs were dropped after failed deliveries.
func (q *MemoryQueue) DeadLetters() int64 {
	return q.deadLetters.Load()
}
