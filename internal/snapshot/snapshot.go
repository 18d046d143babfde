// Package snapshot maintains a cached, write-throttled projection of each
// service's last known status.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// Snapshot is the last known status of a service.
type Snapshot struct {
	Status         monitor.Status `json:"status"`
	ResponseTimeMs *int           `json:"responseTime"`
	StatusCode     *int           `json:"statusCode,omitempty"`
	LastCheck      int64          `json:"lastCheck"`
	ErrorMessage   *string        `json:"errorMessage,omitempty"`
	WrittenAt      int64          `json:"writtenAt"`
}

// FromResult builds a snapshot from a persisted check result.
func FromResult(r *monitor.CheckResult) Snapshot {
	return Snapshot{
		Status:         r.Status,
		ResponseTimeMs: r.ResponseTimeMs,
		StatusCode:     r.StatusCode,
		LastCheck:      r.CheckedAt,
		ErrorMessage:   r.ErrorMessage,
	}
}

// Key returns the cache key for a service snapshot.
func Key(serviceID string) string {
	return "snapshot:" + serviceID
}

// Config holds configuration for the snapshot cache.
type Config struct {
	Store cache.Store

	// RefreshInterval forces a write of an unchanged snapshot.
	// Default: 5 minutes
	RefreshInterval time.Duration

	// TTL is the expiry of a snapshot entry.
	// Default: 24 hours
	TTL time.Duration

	Logger zerolog.Logger

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Cache writes and reads snapshots.
type Cache struct {
	store           cache.Store
	refreshInterval time.Duration
	ttl             time.Duration
	logger          zerolog.Logger
	now             func() time.Time
}

// New creates a snapshot cache.
func New(cfg Config) *Cache {
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		store:           cfg.Store,
		refreshInterval: cfg.RefreshInterval,
		ttl:             cfg.TTL,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
}

// Write stores snap unless nothing meaningful changed since the last write.
// It reports whether a write happened.
func (c *Cache) Write(ctx context.Context, serviceID string, snap Snapshot) (bool, error) {
	now := c.now()

	prev, err := c.Read(ctx, serviceID)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		// An unreadable entry is overwritten.
		c.logger.Warn().Err(err).Str("service_id", serviceID).Msg("reading previous snapshot")
		prev = nil
	}

	if !c.shouldWrite(prev, snap, now) {
		return false, nil
	}

	snap.WrittenAt = now.Unix()
	if err := cache.SetJSON(ctx, c.store, Key(serviceID), snap, c.ttl); err != nil {
		return false, fmt.Errorf("writing snapshot: %w", err)
	}
	return true, nil
}

func (c *Cache) shouldWrite(prev *Snapshot, next Snapshot, now time.Time) bool {
	switch {
	case prev == nil:
		return true
	case next.Status.Failing():
		return true
	case prev.Status != next.Status:
		return true
	case !sameInt(prev.ResponseTimeMs, next.ResponseTimeMs):
		return true
	case now.Sub(time.Unix(prev.WrittenAt, 0)) > c.refreshInterval:
		return true
	}
	return false
}

// Read returns the cached snapshot, or cache.ErrNotFound.
func (c *Cache) Read(ctx context.Context, serviceID string) (*Snapshot, error) {
	var snap Snapshot
	if err := cache.GetJSON(ctx, c.store, Key(serviceID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Delete drops the snapshot for a service.
func (c *Cache) Delete(ctx context.Context, serviceID string) error {
	return c.store.Delete(ctx, Key(serviceID))
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
