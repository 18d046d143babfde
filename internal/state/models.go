// Package state tracks per-service runtime state through one serialized
// actor per service: status history, flap detection and batched writes.
package state

import (
	"context"
	"errors"
	"sort"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// Errors returned by the state registry and stores.
var (
	ErrStateNotFound = errors.New("runtime state not found")
	ErrActorClosed   = errors.New("state actor closed")
)

// HistoryCap is the maximum number of samples kept per service.
const HistoryCap = 20

// Sample is one observed status.
type Sample struct {
	Timestamp int64          `json:"timestamp"`
	Status    monitor.Status `json:"status"`
}

// RuntimeState is the durable per-service record owned by its actor.
type RuntimeState struct {
	ServiceID      string         `json:"serviceId"`
	CurrentStatus  monitor.Status `json:"currentStatus"`
	History        []Sample       `json:"history"`
	OpenIncidentID *string        `json:"openIncidentId,omitempty"`
	LastCheckAt    int64          `json:"lastCheckAt"`
}

// Clone returns a deep copy.
func (s *RuntimeState) Clone() *RuntimeState {
	cpy := *s
	cpy.History = append([]Sample(nil), s.History...)
	if s.OpenIncidentID != nil {
		id := *s.OpenIncidentID
		cpy.OpenIncidentID = &id
	}
	return &cpy
}

// apply appends samples in chronological order, evicting the oldest beyond
// HistoryCap, and sets the current status from the newest sample.
func (s *RuntimeState) apply(samples []Sample) {
	if len(samples) == 0 {
		return
	}

	sorted := append([]Sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	s.History = append(s.History, sorted...)
	sort.SliceStable(s.History, func(i, j int) bool { return s.History[i].Timestamp < s.History[j].Timestamp })
	if over := len(s.History) - HistoryCap; over > 0 {
		s.History = append([]Sample(nil), s.History[over:]...)
	}

	latest := s.History[len(s.History)-1]
	if latest.Timestamp >= s.LastCheckAt {
		s.CurrentStatus = latest.Status
		s.LastCheckAt = latest.Timestamp
	}
}

// flapping reports whether the samples at or after since alternate at
// least minChanges times across at least minSamples points.
func (s *RuntimeState) flapping(since int64, minSamples, minChanges int) bool {
	var recent []Sample
	for _, h := range s.History {
		if h.Timestamp >= since {
			recent = append(recent, h)
		}
	}
	if len(recent) < minSamples {
		return false
	}

	changes := 0
	for i := 1; i < len(recent); i++ {
		if recent[i].Status != recent[i-1].Status {
			changes++
		}
	}
	return changes >= minChanges
}

// Store persists runtime state.
type Store interface {
	// Load returns ErrStateNotFound when no record exists.
	Load(ctx context.Context, serviceID string) (*RuntimeState, error)

	// Save upserts the record.
	Save(ctx context.Context, state *RuntimeState) error

	// Modify loads the record (an empty one when none exists), passes it to
	// fn and saves the result, excluding concurrent writers for the same
	// service in between. It returns the saved record.
	Modify(ctx context.Context, serviceID string, fn func(*RuntimeState)) (*RuntimeState, error)

	// Delete removes the record if present.
	Delete(ctx context.Context, serviceID string) error
}
