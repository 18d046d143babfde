// Package queue carries check jobs from the scheduler to the workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Errors returned by queue implementations.
var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
	ErrMalformed   = errors.New("malformed job")

	ErrNoSubscription = errors.New("queue has no subscription")
)

// Trigger records why a job was created.
type Trigger string

// Job triggers.
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Job asks a worker to check one service.
type Job struct {
	ServiceID   string    `json:"serviceId"`
	Trigger     Trigger   `json:"trigger"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Encode serializes the job for transport.
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Decode parses a job. Returns ErrMalformed if data is not a valid job.
func Decode(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if j.ServiceID == "" {
		return Job{}, fmt.Errorf("%w: missing serviceId", ErrMalformed)
	}
	return j, nil
}

// Publisher enqueues jobs.
type Publisher interface {
	Enqueue(ctx context.Context, job Job) error
}

// BatchHandler processes a batch of deliveries. It must Ack or Retry each.
type BatchHandler func(ctx context.Context, batch []*Delivery)

// Consumer receives jobs in batches until ctx is done.
type Consumer interface {
	Receive(ctx context.Context, handler BatchHandler) error
}

// Queue is a transport that both publishes and consumes jobs.
type Queue interface {
	Publisher
	Consumer
	Close() error
}

// Delivery is one received job.
type Delivery struct {
	ID      string
	Job     Job
	Attempt int

	// Err is set when the payload could not be decoded.
	Err error

	once  sync.Once
	ack   func()
	retry func()
}

// NewDelivery creates a delivery with settlement callbacks.
func NewDelivery(id string, job Job, attempt int, ack, retry func()) *Delivery {
	return &Delivery{ID: id, Job: job, Attempt: attempt, ack: ack, retry: retry}
}

// Ack marks the job done. Only the first of Ack or Retry takes effect.
func (d *Delivery) Ack() {
	d.once.Do(func() {
		if d.ack != nil {
			d.ack()
		}
	})
}

// Retry asks for redelivery. Only the first of Ack or Retry takes effect.
func (d *Delivery) Retry() {
	d.once.Do(func() {
		if d.retry != nil {
			d.retry()
		}
	})
}
