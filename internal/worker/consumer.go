package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/queue"
)

// ConsumerConfig holds configuration for the job consumer.
type ConsumerConfig struct {
	Queue     queue.Consumer
	Processor *Processor
	Logger    zerolog.Logger
}

// Consumer feeds queued jobs to the processor.
type Consumer struct {
	queue     queue.Consumer
	processor *Processor
	logger    zerolog.Logger
}

// NewConsumer creates a job consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	return &Consumer{
		queue:     cfg.Queue,
		processor: cfg.Processor,
		logger:    cfg.Logger,
	}
}

// Start receives jobs until ctx is cancelled or the queue is closed.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("starting job consumer")

	err := c.queue.Receive(ctx, func(ctx context.Context, batch []*queue.Delivery) {
		c.logger.Debug().Int("batch_size", len(batch)).Msg("received batch")
		c.processor.HandleBatch(ctx, batch)
	})

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, queue.ErrQueueClosed):
		c.logger.Info().Msg("job consumer stopped")
		return nil
	default:
		return err
	}
}
