// Package breaker implements the per-provider circuit breaker registry.
//
// Each provider gets a lazily created closed/open/half-open state machine.
// Half-open admits exactly one trial request at a time: the first caller to
// pass Allow after the recovery window is marked as the probe, and everyone
// else is denied until the probe resolves.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryWindow   = 60 * time.Second

	// probeTimeout bounds how long a half-open probe may stay unresolved
	// before another caller is allowed to probe. Covers holders that died
	// without reporting an outcome.
	probeTimeout = 90 * time.Second
)

// ConfigFunc resolves the breaker tuning for a provider. Implementations
// typically read a refreshable provider snapshot. On error the registry
// fails open for unknown providers and keeps the last known tuning.
type ConfigFunc func(providerID string) (threshold int, recovery time.Duration, err error)

// Registry holds one circuit per provider.
type Registry struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	configFn ConfigFunc
	logger   *slog.Logger
	now      func() time.Time
}

type circuit struct {
	mu sync.Mutex

	state         domain.BreakerState
	failureCount  int
	lastFailureAt time.Time
	openUntil     time.Time
	probeInFlight bool
	probeStarted  time.Time

	threshold int
	recovery  time.Duration
}

// Option configures the registry.
type Option func(*Registry)

// WithConfigFunc sets the per-provider tuning source.
func WithConfigFunc(fn ConfigFunc) Option {
	return func(r *Registry) { r.configFn = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. Cold start means every provider is
// eligible; state is cache-resident only and reconstructable from empty.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		circuits: make(map[string]*circuit),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(providerID string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[providerID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[providerID]; ok {
		return c
	}

	c = &circuit{
		state:     domain.BreakerClosed,
		threshold: defaultFailureThreshold,
		recovery:  defaultRecoveryWindow,
	}
	r.refreshConfig(providerID, c)
	r.circuits[providerID] = c
	return c
}

// refreshConfig pulls tuning from the config source. On read failure the
// registry keeps the current tuning and stays eligible (fail open).
func (r *Registry) refreshConfig(providerID string, c *circuit) {
	if r.configFn == nil {
		return
	}
	threshold, recovery, err := r.configFn(providerID)
	if err != nil {
		r.logger.Warn("breaker config read failed, failing open",
			"provider_id", providerID, "error", err)
		return
	}
	if threshold > 0 {
		c.threshold = threshold
	}
	if recovery > 0 {
		c.recovery = recovery
	}
}

// Refresh re-reads tuning for a provider. Called when provider configuration
// changes.
func (r *Registry) Refresh(providerID string) {
	c := r.get(providerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	r.refreshConfig(providerID, c)
}

// Eligible reports whether the provider could receive traffic now without
// claiming the half-open probe. Candidate filtering reads this; the probe
// itself is claimed by Allow at dispatch time.
func (r *Registry) Eligible(providerID string) bool {
	c := r.get(providerID)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		return !now.Before(c.openUntil)
	case domain.BreakerHalfOpen:
		return !c.probeInFlight || now.Sub(c.probeStarted) >= probeTimeout
	}
	return true
}

// Allow reports whether the provider may receive traffic now. In half-open
// state the first caller becomes the probe; callers denied here should try
// the next candidate.
func (r *Registry) Allow(providerID string) bool {
	c := r.get(providerID)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.BreakerClosed:
		return true

	case domain.BreakerOpen:
		if now.Before(c.openUntil) {
			return false
		}
		// Recovery window has passed: this caller is the half-open probe.
		c.state = domain.BreakerHalfOpen
		c.probeInFlight = true
		c.probeStarted = now
		return true

	case domain.BreakerHalfOpen:
		if c.probeInFlight && now.Sub(c.probeStarted) < probeTimeout {
			return false
		}
		c.probeInFlight = true
		c.probeStarted = now
		return true
	}
	return true
}

// RecordSuccess notes a live-traffic success. Any success in closed state
// resets the failure count; a probe success closes the circuit.
func (r *Registry) RecordSuccess(providerID string) {
	c := r.get(providerID)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.BreakerClosed:
		c.failureCount = 0
	case domain.BreakerHalfOpen:
		c.state = domain.BreakerClosed
		c.failureCount = 0
		c.probeInFlight = false
		r.logger.Info("circuit closed after probe success", "provider_id", providerID)
	}
}

// RecordFailure notes a live-traffic failure. Failures older than the
// recovery window do not accumulate toward the threshold.
func (r *Registry) RecordFailure(providerID string, reason string) {
	c := r.get(providerID)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.BreakerClosed:
		if !c.lastFailureAt.IsZero() && now.Sub(c.lastFailureAt) > c.recovery {
			c.failureCount = 0
		}
		c.failureCount++
		c.lastFailureAt = now
		if c.failureCount >= c.threshold {
			c.state = domain.BreakerOpen
			c.openUntil = now.Add(c.recovery)
			r.logger.Warn("circuit opened",
				"provider_id", providerID,
				"failures", c.failureCount,
				"reason", reason,
				"open_until", c.openUntil)
		}

	case domain.BreakerHalfOpen:
		c.state = domain.BreakerOpen
		c.lastFailureAt = now
		c.openUntil = now.Add(c.recovery)
		c.probeInFlight = false
		r.logger.Warn("circuit reopened after probe failure",
			"provider_id", providerID, "reason", reason, "open_until", c.openUntil)

	case domain.BreakerOpen:
		c.lastFailureAt = now
	}
}

// AbandonProbe releases the probe flag for a caller that was marked as the
// half-open probe but never dispatched (slot denied, caller canceled).
func (r *Registry) AbandonProbe(providerID string) {
	c := r.get(providerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.BreakerHalfOpen {
		c.probeInFlight = false
	}
}

// Snapshot returns dashboard-facing state for every tracked provider.
func (r *Registry) Snapshot() []domain.BreakerSnapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.circuits))
	for id := range r.circuits {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]domain.BreakerSnapshot, 0, len(ids))
	for _, id := range ids {
		c := r.get(id)
		c.mu.Lock()
		snap := domain.BreakerSnapshot{
			ProviderID:    id,
			State:         c.state,
			FailureCount:  c.failureCount,
			LastFailureAt: c.lastFailureAt,
			OpenUntil:     c.openUntil,
			ProbeInFlight: c.probeInFlight,
		}
		if c.state == domain.BreakerOpen && c.openUntil.After(now) {
			snap.RecoveryETASecs = int(c.openUntil.Sub(now).Seconds())
		}
		c.mu.Unlock()
		out = append(out, snap)
	}
	return out
}
