// Package uptime aggregates check results into availability percentages
// for status pages.
package uptime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// Window is an aggregation period.
type Window struct {
	Label    string
	Duration time.Duration
}

// Windows are the periods every summary covers.
var Windows = []Window{
	{Label: "24h", Duration: 24 * time.Hour},
	{Label: "7d", Duration: 7 * 24 * time.Hour},
	{Label: "30d", Duration: 30 * 24 * time.Hour},
}

// WindowSummary holds the counts of one window.
type WindowSummary struct {
	monitor.StatusCounts

	// Percent is nil when the window has no checks.
	Percent *float64 `json:"percent"`
}

// Summary is the uptime of one service across all windows.
type Summary struct {
	ServiceID  string                   `json:"serviceId"`
	Windows    map[string]WindowSummary `json:"windows"`
	ComputedAt time.Time                `json:"computedAt"`
}

// Percentage returns the share of available checks, rounded to two
// decimals. Degraded checks count as available.
func Percentage(c monitor.StatusCounts) *float64 {
	if c.Total == 0 {
		return nil
	}
	p := math.Round(float64(c.Up+c.Degraded)/float64(c.Total)*10000) / 100
	return &p
}

// Key returns the cache key of a service's uptime summary.
func Key(serviceID string) string {
	return "uptime:" + serviceID
}

// Config holds configuration for the aggregator.
type Config struct {
	Checks monitor.CheckRepository
	Store  cache.Store

	// TTL is the expiry of a cached summary.
	// Default: 10 minutes
	TTL time.Duration

	Logger zerolog.Logger

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Aggregator computes and caches uptime summaries.
type Aggregator struct {
	checks monitor.CheckRepository
	store  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewAggregator creates an uptime aggregator.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		checks: cfg.Checks,
		store:  cfg.Store,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// Compute builds the summary of one service.
func (a *Aggregator) Compute(ctx context.Context, serviceID string) (*Summary, error) {
	now := a.now().UTC()
	summary := &Summary{
		ServiceID:  serviceID,
		Windows:    make(map[string]WindowSummary, len(Windows)),
		ComputedAt: now,
	}

	for _, w := range Windows {
		counts, err := a.checks.CountsSince(ctx, serviceID, now.Add(-w.Duration))
		if err != nil {
			return nil, fmt.Errorf("counting %s checks: %w", w.Label, err)
		}
		summary.Windows[w.Label] = WindowSummary{
			StatusCounts: counts,
			Percent:      Percentage(counts),
		}
	}
	return summary, nil
}

// Aggregate computes and caches summaries for every service. A failing
// service does not stop the others; the joined errors are returned.
func (a *Aggregator) Aggregate(ctx context.Context, services []*monitor.Service) error {
	start := time.Now()
	var errs []error

	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		summary, err := a.Compute(ctx, svc.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", svc.ID, err))
			continue
		}
		if err := cache.SetJSON(ctx, a.store, Key(svc.ID), summary, a.ttl); err != nil {
			errs = append(errs, fmt.Errorf("caching service %s: %w", svc.ID, err))
		}
	}

	a.logger.Info().
		Int("services", len(services)).
		Int("failed", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("uptime aggregation completed")

	return errors.Join(errs...)
}

// Read returns the cached summary. Returns cache.ErrNotFound when absent.
func (a *Aggregator) Read(ctx context.Context, serviceID string) (*Summary, error) {
	var s Summary
	if err := cache.GetJSON(ctx, a.store, Key(serviceID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
