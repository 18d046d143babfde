// Package notify delivers incident notifications to chat and email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// Event is the incident transition a message announces.
type Event string

// Notification events.
const (
	EventOpened   Event = "opened"
	EventOngoing  Event = "ongoing"
	EventResolved Event = "resolved"
)

// Message is one incident notification.
type Message struct {
	Event          Event
	IncidentID     string
	IncidentKind   string
	Title          string
	Status         monitor.Status
	ErrorMessage   string
	ResponseTimeMs *int
	StartedAt      time.Time
	Timestamp      time.Time
}

// Subject returns a one-line summary suitable for an email subject.
func (m Message) Subject(svc *monitor.Service) string {
	switch m.Event {
	case EventResolved:
		return fmt.Sprintf("[Resolved] %s has recovered", svc.Name)
	case EventOngoing:
		return fmt.Sprintf("[Ongoing] %s", m.Title)
	default:
		return fmt.Sprintf("[%s] %s", kindLabel(m.IncidentKind), m.Title)
	}
}

func kindLabel(kind string) string {
	if kind == "degraded" {
		return "Degraded"
	}
	return "Down"
}

// Channel is a notification backend.
type Channel interface {
	// Type returns the channel name.
	Type() string

	// Accepts reports whether the service opted in and has a destination.
	Accepts(svc *monitor.Service) bool

	// Send delivers msg for svc.
	Send(ctx context.Context, svc *monitor.Service, msg Message) error
}

// Gate can suppress all notifications at runtime.
type Gate interface {
	NotificationsDisabled(ctx context.Context) bool
}

// SenderConfig holds configuration for the notification sender.
type SenderConfig struct {
	Channels []Channel
	Gate     Gate
	Logger   zerolog.Logger
}

// Sender fans a message out to every channel the service accepts.
type Sender struct {
	channels []Channel
	gate     Gate
	logger   zerolog.Logger
}

// NewSender creates a notification sender.
func NewSender(cfg SenderConfig) *Sender {
	return &Sender{channels: cfg.Channels, gate: cfg.Gate, logger: cfg.Logger}
}

// Notify sends msg on every accepting channel. Channel failures are joined
// into the returned error; a failure on one channel does not stop others.
func (s *Sender) Notify(ctx context.Context, svc *monitor.Service, msg Message) error {
	if s.gate != nil && s.gate.NotificationsDisabled(ctx) {
		s.logger.Debug().
			Str("service_id", svc.ID).
			Str("event", string(msg.Event)).
			Msg("notifications disabled by flag")
		return nil
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var errs []error
	for _, ch := range s.channels {
		if !ch.Accepts(svc) {
			continue
		}
		err := ch.Send(ctx, svc, msg)
		metrics.RecordNotification(ch.Type(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Type(), err))
		}
	}
	return errors.Join(errs...)
}

// Channels returns the configured channel names.
func (s *Sender) Channels() []string {
	names := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		names = append(names, ch.Type())
	}
	return names
}
