package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsewatch/pulsewatch/internal/cache"
	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// Config holds configuration for the state registry.
type Config struct {
	Store Store
	Cache cache.Store

	// BatchWindow delays persistence of up samples so bursts coalesce.
	// Default: 1 second
	BatchWindow time.Duration

	// CacheTTL is the expiry of the read-through cache entry.
	// Default: 60 seconds
	CacheTTL time.Duration

	// FlapWindow is how far back CheckFlapping looks.
	// Default: 5 minutes
	FlapWindow time.Duration

	// FlapMinSamples is the minimum number of samples in the window.
	// Default: 4
	FlapMinSamples int

	// FlapMinChanges is the number of status changes that counts as flapping.
	// Default: 3
	FlapMinChanges int

	// MailboxSize is the buffered capacity of each actor's inbox.
	// Default: 64
	MailboxSize int

	// StoreTimeout bounds each durable store operation.
	// Default: 5 seconds
	StoreTimeout time.Duration

	Logger zerolog.Logger

	// Now overrides the clock used for flap detection.
	Now func() time.Time
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		BatchWindow:    time.Second,
		CacheTTL:       60 * time.Second,
		FlapWindow:     5 * time.Minute,
		FlapMinSamples: 4,
		FlapMinChanges: 3,
		MailboxSize:    64,
		StoreTimeout:   5 * time.Second,
		Now:            time.Now,
	}
}

// Key returns the cache key for a service's runtime state.
func Key(serviceID string) string {
	return "state:" + serviceID
}

// Registry routes operations to one actor per service id, spawning actors
// lazily. Within a process an actor serializes a service's mutations;
// across processes the store's Modify does, so an API and a worker may
// each run a registry over the same store.
type Registry struct {
	cfg    Config
	store  Store
	cache  cache.Store
	logger zerolog.Logger

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates a state registry.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = def.BatchWindow
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.FlapWindow == 0 {
		cfg.FlapWindow = def.FlapWindow
	}
	if cfg.FlapMinSamples == 0 {
		cfg.FlapMinSamples = def.FlapMinSamples
	}
	if cfg.FlapMinChanges == 0 {
		cfg.FlapMinChanges = def.FlapMinChanges
	}
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemoryStore()
	}

	return &Registry{
		cfg:    cfg,
		store:  cfg.Store,
		cache:  cfg.Cache,
		logger: cfg.Logger,
		actors: make(map[string]*actor),
	}
}

// Update records a status sample. Up samples are buffered for the batch
// window; down and degraded samples are persisted before Update returns.
func (r *Registry) Update(ctx context.Context, serviceID string, status monitor.Status, timestamp int64) error {
	_, err := r.call(ctx, serviceID, message{op: opUpdate, samples: []Sample{{Timestamp: timestamp, Status: status}}})
	return err
}

// BatchUpdate applies samples in chronological order and persists them.
func (r *Registry) BatchUpdate(ctx context.Context, serviceID string, samples []Sample) (*RuntimeState, error) {
	rep, err := r.call(ctx, serviceID, message{op: opBatch, samples: samples})
	if err != nil {
		return nil, err
	}
	return rep.state, nil
}

// GetState returns the runtime state, serving from the cache when fresh.
func (r *Registry) GetState(ctx context.Context, serviceID string) (*RuntimeState, error) {
	var cached RuntimeState
	err := cache.GetJSON(ctx, r.cache, Key(serviceID), &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		r.logger.Warn().Err(err).Str("service_id", serviceID).Msg("reading state cache")
	}

	rep, err := r.call(ctx, serviceID, message{op: opGet})
	if err != nil {
		return nil, err
	}

	if err := cache.SetJSON(ctx, r.cache, Key(serviceID), rep.state, r.cfg.CacheTTL); err != nil {
		r.logger.Warn().Err(err).Str("service_id", serviceID).Msg("populating state cache")
	}
	return rep.state, nil
}

// CheckFlapping reports whether the service alternated status at least
// FlapMinChanges times within FlapWindow.
func (r *Registry) CheckFlapping(ctx context.Context, serviceID string) (bool, error) {
	rep, err := r.call(ctx, serviceID, message{op: opFlapping})
	if err != nil {
		return false, err
	}
	return rep.flapping, nil
}

// SetOpenIncident records the incident currently open for the service.
// A nil incidentID clears it.
func (r *Registry) SetOpenIncident(ctx context.Context, serviceID string, incidentID *string) error {
	_, err := r.call(ctx, serviceID, message{op: opSetIncident, incidentID: incidentID})
	return err
}

// Evict stops the service's actor without flushing and deletes its durable
// record and cache entry. Call it when a service is deleted.
func (r *Registry) Evict(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	a, ok := r.actors[serviceID]
	delete(r.actors, serviceID)
	r.mu.Unlock()

	if ok {
		if err := a.stop(ctx, true); err != nil {
			return err
		}
	}

	if err := r.store.Delete(ctx, serviceID); err != nil {
		return err
	}
	return r.cache.Delete(ctx, Key(serviceID))
}

// Close flushes every actor and stops them. Further calls fail with
// ErrActorClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	actors := make([]*actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*actor)
	r.mu.Unlock()

	var firstErr error
	for _, a := range actors {
		if err := a.stop(ctx, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return firstErr
}

// ActiveActors returns the number of live actors.
func (r *Registry) ActiveActors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

func (r *Registry) actor(serviceID string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrActorClosed
	}
	if a, ok := r.actors[serviceID]; ok {
		return a, nil
	}

	a := newActor(serviceID, r)
	r.actors[serviceID] = a
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		a.run()
	}()
	return a, nil
}

func (r *Registry) call(ctx context.Context, serviceID string, msg message) (reply, error) {
	a, err := r.actor(serviceID)
	if err != nil {
		return reply{}, err
	}
	return a.send(ctx, msg)
}

func (a *actor) send(ctx context.Context, msg message) (reply, error) {
	msg.reply = make(chan reply, 1)

	select {
	case a.inbox <- msg:
	case <-a.done:
		return reply{}, ErrActorClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case rep := <-msg.reply:
		return rep, rep.err
	case <-a.done:
		// The actor may have answered just before exiting.
		select {
		case rep := <-msg.reply:
			return rep, rep.err
		default:
			return reply{}, ErrActorClosed
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (a *actor) stop(ctx context.Context, discard bool) error {
	_, err := a.send(ctx, message{op: opStop, discard: discard})
	if errors.Is(err, ErrActorClosed) {
		return nil
	}
	return err
}
