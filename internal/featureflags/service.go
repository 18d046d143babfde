package featureflags

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownFlag is returned when writing a key the monitor never reads.
	ErrUnknownFlag = errors.New("unknown feature flag")

	// ErrInvalidFlagValue is returned when a switch is given a non-boolean value.
	ErrInvalidFlagValue = errors.New("feature flag value must be a boolean")
)

// ServiceConfig holds configuration for the feature flag service.
type ServiceConfig struct {
	Repository Repository
	Logger     zerolog.Logger

	// CacheTTL is how long a snapshot is served before the repository is
	// read again. Default: 1 minute
	CacheTTL time.Duration

	// DefaultFlags are the values of keys without a stored override.
	DefaultFlags map[string]*Flag
}

// Service resolves the monitor's runtime switches. The scheduler, the
// processor, the notifier and the incident manager read a switch on every
// tick or check, so reads are served from an in-memory snapshot of all
// known flags that is reloaded once it is older than CacheTTL.
//
// When a reload fails the previous snapshot stays in force.
type Service struct {
	repo     Repository
	logger   zerolog.Logger
	cacheTTL time.Duration
	defaults map[string]*Flag

	mu       sync.RWMutex
	snapshot map[string]*Flag
	loadedAt time.Time
}

// NewService creates a new feature flag service.
func NewService(cfg ServiceConfig) *Service {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Minute
	}

	defaults := cfg.DefaultFlags
	if defaults == nil {
		defaults = DefaultFlags()
	}

	return &Service{
		repo:     cfg.Repository,
		logger:   cfg.Logger,
		cacheTTL: cacheTTL,
		defaults: defaults,
	}
}

// GetFlag returns the resolved flag for key, or nil for an unknown key.
func (s *Service) GetFlag(ctx context.Context, key string) *Flag {
	return s.current(ctx)[key]
}

// GetAllFlags returns every known flag with overrides applied.
func (s *Service) GetAllFlags(ctx context.Context) map[string]*Flag {
	snap := s.current(ctx)
	out := make(map[string]*Flag, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

// SetFlag stores an override for one switch.
func (s *Service) SetFlag(ctx context.Context, flag *Flag) error {
	return s.SetFlags(ctx, []*Flag{flag})
}

// SetFlags validates and stores overrides as one batch. Nothing is written
// when any entry is rejected.
func (s *Service) SetFlags(ctx context.Context, flags []*Flag) error {
	for _, f := range flags {
		if !IsKnown(f.Key) {
			return fmt.Errorf("%w: %s", ErrUnknownFlag, f.Key)
		}
		if _, ok := f.Value.(bool); !ok {
			return fmt.Errorf("%w: %s", ErrInvalidFlagValue, f.Key)
		}
	}

	now := time.Now()
	for _, f := range flags {
		f.UpdatedAt = now
	}
	if err := s.repo.SetFlags(ctx, flags); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil
	}
	next := s.cloneSnapshotLocked()
	for _, f := range flags {
		if prev := next[f.Key]; prev.BoolValue(false) != f.BoolValue(false) {
			s.logger.Info().Str("flag", f.Key).Interface("value", f.Value).Msg("monitor switch changed")
		}
		next[f.Key] = f
	}
	s.snapshot = next
	return nil
}

// ResetFlag removes the stored override for key so it reads its default
// again. A missing override is not an error.
func (s *Service) ResetFlag(ctx context.Context, key string) error {
	if !IsKnown(key) {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	if err := s.repo.DeleteFlag(ctx, key); err != nil && !errors.Is(err, ErrFlagNotFound) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil {
		next := s.cloneSnapshotLocked()
		if d, ok := s.defaults[key]; ok {
			next[key] = d
		} else {
			delete(next, key)
		}
		s.snapshot = next
	}
	return nil
}

// InvalidateCache makes the next read reload from the repository. The
// current snapshot is still used if that reload fails.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedAt = time.Time{}
}

// IsEnabled reports whether the switch key is on. A nil service has every
// switch off.
func (s *Service) IsEnabled(ctx context.Context, key string) bool {
	if s == nil {
		return false
	}
	return s.GetFlag(ctx, key).BoolValue(false)
}

func (s *Service) current(ctx context.Context) map[string]*Flag {
	s.mu.RLock()
	snap, fresh := s.snapshot, time.Since(s.loadedAt) < s.cacheTTL
	s.mu.RUnlock()
	if snap != nil && fresh {
		return snap
	}

	stored, err := s.repo.GetAllFlags(ctx)
	if err != nil {
		if snap == nil {
			s.logger.Warn().Err(err).Msg("loading feature flags failed, using defaults")
			return s.defaults
		}
		s.logger.Warn().Err(err).Msg("reloading feature flags failed, keeping last snapshot")
		return snap
	}

	next := make(map[string]*Flag, len(KnownFlags))
	for _, key := range KnownFlags {
		if f, ok := stored[key]; ok {
			next[key] = f
		} else if f, ok := s.defaults[key]; ok {
			next[key] = f
		}
	}

	s.mu.Lock()
	s.snapshot = next
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return next
}

func (s *Service) cloneSnapshotLocked() map[string]*Flag {
	next := make(map[string]*Flag, len(s.snapshot))
	for k, v := range s.snapshot {
		next[k] = v
	}
	return next
}

// NotificationsDisabled reports whether incident notifications are suppressed.
func (s *Service) NotificationsDisabled(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagDisableNotifications)
}

// AnomalyDetectionDisabled reports whether anomaly scoring is skipped.
func (s *Service) AnomalyDetectionDisabled(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagDisableAnomalyDetection)
}

// ForceInlineDispatch reports whether scheduled checks bypass the queue.
func (s *Service) ForceInlineDispatch(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagForceInlineDispatch)
}

// SummariesDisabled reports whether generated incident summaries are skipped.
func (s *Service) SummariesDisabled(ctx context.Context) bool {
	return s.IsEnabled(ctx, FlagDisableAISummaries)
}
