package queue

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PubSubConfig holds configuration for the Pub/Sub queue.
type PubSubConfig struct {
	ProjectID string

	// Topic receives enqueued jobs.
	Topic string

	// Subscription is consumed by Receive. Optional for publish-only use.
	Subscription string

	// MaxOutstandingMessages bounds concurrent deliveries.
	// Default: 10
	MaxOutstandingMessages int

	// MaxExtension bounds ack deadline extension for a slow job.
	// Default: 10 minutes
	MaxExtension time.Duration

	Logger zerolog.Logger
}

// PubSubQueue publishes and receives jobs through Google Cloud Pub/Sub.
// Nacked messages are redelivered by the service.
type PubSubQueue struct {
	client       *pubsub.Client
	publisher    *pubsub.Publisher
	subscriber   *pubsub.Subscriber
	subscription string
	logger       zerolog.Logger
}

var (
	_ Publisher = (*PubSubQueue)(nil)
	_ Consumer  = (*PubSubQueue)(nil)
	_ Queue     = (*PubSubQueue)(nil)
)

// NewPubSubQueue creates a Pub/Sub backed queue.
func NewPubSubQueue(ctx context.Context, cfg PubSubConfig) (*PubSubQueue, error) {
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 10
	}
	if cfg.MaxExtension <= 0 {
		cfg.MaxExtension = 10 * time.Minute
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	q := &PubSubQueue{
		client:       client,
		publisher:    client.Publisher(cfg.Topic),
		subscription: cfg.Subscription,
		logger:       cfg.Logger,
	}

	if cfg.Subscription != "" {
		q.subscriber = client.Subscriber(cfg.Subscription)
		q.subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
		q.subscriber.ReceiveSettings.MaxExtension = cfg.MaxExtension
	}

	return q, nil
}

// Enqueue publishes job and waits for the server acknowledgement.
func (q *PubSubQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	result := q.publisher.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"service_id": job.ServiceID,
			"trigger":    string(job.Trigger),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing job: %w", err)
	}
	return nil
}

// Receive delivers each message as a batch of one. Pub/Sub runs handlers
// concurrently up to MaxOutstandingMessages.
func (q *PubSubQueue) Receive(ctx context.Context, handler BatchHandler) error {
	if q.subscriber == nil {
		return ErrNoSubscription
	}

	q.logger.Info().
		Str("subscription", q.subscription).
		Msg("starting pubsub consumer")

	return q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		handler(ctx, []*Delivery{q.delivery(msg)})
	})
}

func (q *PubSubQueue) delivery(msg *pubsub.Message) *Delivery {
	attempt := 1
	if msg.DeliveryAttempt != nil {
		attempt = *msg.DeliveryAttempt
	}

	job, err := Decode(msg.Data)
	d := NewDelivery(msg.ID, job, attempt, msg.Ack, msg.Nack)
	if err != nil {
		q.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
			Msg("failed to parse message")
		d.Err = err
	}
	return d
}

// Close flushes pending publishes and closes the client.
func (q *PubSubQueue) Close() error {
	q.publisher.Stop()
	return q.client.Close()
}
