package featureflags

import (
	"context"
	"errors"
)

// ErrFlagNotFound is returned when no override is stored for a key.
var ErrFlagNotFound = errors.New("feature flag not found")

// Repository stores flag overrides. Keys without an override fall back to
// DefaultFlags in the Service.
type Repository interface {
	GetFlag(ctx context.Context, key string) (*Flag, error)
	GetAllFlags(ctx context.Context) (map[string]*Flag, error)
	SetFlag(ctx context.Context, flag *Flag) error

	// SetFlags writes all flags or none.
	SetFlags(ctx context.Context, flags []*Flag) error

	// DeleteFlag returns ErrFlagNotFound when nothing was stored.
	DeleteFlag(ctx context.Context, key string) error
}
