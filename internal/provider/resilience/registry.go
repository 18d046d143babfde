package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCriticalDependencyDown is returned by Registry.Ping when a critical
// dependency's circuit is open.
var ErrCriticalDependencyDown = errors.New("critical dependency circuit open")

// ProviderHealth is the view of one outbound dependency served on the
// worker's /stats endpoint.
type ProviderHealth struct {
	Name                string           `json:"name"`
	Critical            bool             `json:"critical"`
	Circuit             string           `json:"circuit"`
	ConsecutiveFailures uint32           `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time       `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time       `json:"lastFailureAt,omitempty"`
	LastError           string           `json:"lastError,omitempty"`
	CircuitState        gobreaker.State  `json:"-"`
	Counts              gobreaker.Counts `json:"-"`
}

// IsHealthy reports a closed circuit.
func (h *ProviderHealth) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded reports a half-open circuit.
func (h *ProviderHealth) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy reports an open circuit.
func (h *ProviderHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry tracks the monitor's outbound clients. A client registered as
// critical makes Ping fail while its circuit is open: with the DoH
// resolver down every dns and domain check would read as an outage of the
// target.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*registeredProvider
}

type registeredProvider struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*registeredProvider)}
}

// Register adds client under its name, replacing any previous entry.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[client.Name()] = &registeredProvider{client: client}
}

// RecordSuccess stamps the last success time of name.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		now := time.Now()
		p.lastSuccessAt = &now
	}
}

// RecordFailure stamps the last failure time and error of name.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		now := time.Now()
		p.lastFailureAt = &now
		if err != nil {
			p.lastError = err.Error()
		}
	}
}

// GetHealth returns the health of name, or nil when it is not registered.
func (r *Registry) GetHealth(name string) *ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil
	}
	return p.health(name)
}

// GetAllHealth returns every provider sorted by name.
func (r *Registry) GetAllHealth() []*ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make([]*ProviderHealth, 0, len(r.providers))
	for name, p := range r.providers {
		health = append(health, p.health(name))
	}
	sort.Slice(health, func(i, j int) bool { return health[i].Name < health[j].Name })
	return health
}

// Unhealthy returns the sorted names of providers whose circuit is open.
func (r *Registry) Unhealthy() []string {
	var names []string
	for _, h := range r.GetAllHealth() {
		if h.IsUnhealthy() {
			names = append(names, h.Name)
		}
	}
	return names
}

// Ping fails while any critical provider's circuit is open. Open circuits
// on notification channels or the summarizer do not affect it.
func (r *Registry) Ping(_ context.Context) error {
	var down []string
	for _, h := range r.GetAllHealth() {
		if h.Critical && h.IsUnhealthy() {
			down = append(down, h.Name)
		}
	}
	if len(down) > 0 {
		return fmt.Errorf("%w: %s", ErrCriticalDependencyDown, strings.Join(down, ", "))
	}
	return nil
}

func (p *registeredProvider) health(name string) *ProviderHealth {
	state := p.client.CircuitBreakerState()
	counts := p.client.CircuitBreakerCounts()
	return &ProviderHealth{
		Name:                name,
		Critical:            p.client.config.Critical,
		Circuit:             state.String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		LastSuccessAt:       p.lastSuccessAt,
		LastFailureAt:       p.lastFailureAt,
		LastError:           p.lastError,
		CircuitState:        state,
		Counts:              counts,
	}
}
