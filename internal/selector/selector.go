// Package selector orders eligible providers and drives failover across
// them. Candidates are filtered by group affinity, enabled flag, circuit
// state, and slot availability, then sorted by priority ascending, weight
// descending, with a pseudo-random jitter among equals to spread load.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// DefaultMaxAttempts bounds the failover loop.
const DefaultMaxAttempts = 3

// priorityPenalty is added to a provider's priority when the health probe
// reports it degraded. Larger numbers sort later.
const priorityPenalty = 1000

// degradedBelow is the health score under which a provider is demoted.
const degradedBelow = 0.5

// BreakerGate is the circuit breaker surface the selector consults.
// Eligible is a read-only filter; Allow claims the half-open probe and is
// only called for a candidate that is about to be attempted. AbandonProbe
// releases the claim when the attempt never reached the upstream.
type BreakerGate interface {
	Eligible(providerID string) bool
	Allow(providerID string) bool
	AbandonProbe(providerID string)
	RecordSuccess(providerID string)
	RecordFailure(providerID string, reason string)
}

// SlotCounter reports in-flight request counts per provider. The count is
// advisory for candidate filtering; the authoritative ceiling check happens
// at slot acquisition inside the attempt.
type SlotCounter interface {
	CountForProvider(ctx context.Context, providerID string) (int, error)
}

// HealthScores supplies the probe-derived score in [0,1] for a provider.
// Unknown providers score 1.
type HealthScores interface {
	Score(providerID string) float64
}

// AttemptFunc dispatches a request to one candidate. Errors are classified
// by domain.IsRetryable to decide whether the loop advances.
type AttemptFunc func(ctx context.Context, p *domain.Provider) error

// Selector computes candidate orderings and runs the failover loop.
type Selector struct {
	providers domain.ProviderRepository
	breakers  BreakerGate
	slots     SlotCounter
	health    HealthScores
	logger    *slog.Logger

	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithSlotCounter enables slot-availability prefiltering.
func WithSlotCounter(c SlotCounter) Option {
	return func(s *Selector) { s.slots = c }
}

// WithHealthScores enables probe-based priority demotion.
func WithHealthScores(h HealthScores) Option {
	return func(s *Selector) { s.health = h }
}

// WithMaxAttempts overrides the failover attempt bound.
func WithMaxAttempts(n int) Option {
	return func(s *Selector) { s.maxAttempts = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

// WithSeed makes candidate jitter deterministic for tests.
func WithSeed(seed int64) Option {
	return func(s *Selector) { s.rng = rand.New(rand.NewSource(seed)) }
}

// NewSelector creates a selector over the given provider repository.
func NewSelector(providers domain.ProviderRepository, breakers BreakerGate, opts ...Option) *Selector {
	s := &Selector{
		providers:   providers,
		breakers:    breakers,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Candidates returns the ordered providers eligible for a key's request.
func (s *Selector) Candidates(ctx context.Context, key *domain.Key) ([]*domain.Provider, error) {
	all, err := s.providers.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}

	group := ""
	if key != nil {
		group = key.ProviderGroup
	}

	type ranked struct {
		p        *domain.Provider
		priority int
		jitter   int
	}
	var candidates []ranked
	for _, p := range all {
		if !p.Enabled || !p.InGroup(group) {
			continue
		}
		if !s.breakers.Eligible(p.ID) {
			continue
		}
		if s.slots != nil && p.MaxConcurrency > 0 {
			used, err := s.slots.CountForProvider(ctx, p.ID)
			if err == nil && used >= p.MaxConcurrency {
				continue
			}
		}
		priority := p.Priority
		if s.health != nil && s.health.Score(p.ID) < degradedBelow {
			priority += priorityPenalty
		}
		candidates = append(candidates, ranked{p: p, priority: priority})
	}

	s.mu.Lock()
	for i := range candidates {
		candidates[i].jitter = s.rng.Int()
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.p.Weight != b.p.Weight {
			return a.p.Weight > b.p.Weight
		}
		return a.jitter < b.jitter
	})

	out := make([]*domain.Provider, len(candidates))
	for i, c := range candidates {
		out[i] = c.p
	}
	return out, nil
}

// Dispatch runs attempt against candidates in order until one succeeds, a
// terminal error occurs, or candidates are exhausted. Retryable failures
// advance to the next candidate and feed the circuit breaker; concurrency
// denials advance without a breaker mark. Exhaustion returns
// domain.ErrNoProviderAvailable wrapping the last failure.
func (s *Selector) Dispatch(ctx context.Context, key *domain.Key, attempt AttemptFunc) error {
	candidates, err := s.Candidates(ctx, key)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return domain.ErrNoProviderAvailable
	}
	if len(candidates) > s.maxAttempts {
		candidates = candidates[:s.maxAttempts]
	}

	var lastErr error
	for i, p := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Candidate filtering is read-only; the half-open probe is claimed
		// here, just before the attempt, so skipped candidates never hold it.
		if !s.breakers.Allow(p.ID) {
			continue
		}

		err := attempt(ctx, p)
		if err == nil {
			s.breakers.RecordSuccess(p.ID)
			return nil
		}

		if !domain.IsRetryable(err) {
			s.breakers.AbandonProbe(p.ID)
			return err
		}

		var cl *domain.ConcurrencyLimitError
		if errors.As(err, &cl) {
			// The request never reached the upstream; the probe outcome
			// is unknown, so release the claim instead of recording.
			s.breakers.AbandonProbe(p.ID)
		} else {
			s.breakers.RecordFailure(p.ID, err.Error())
		}
		s.logger.Warn("provider attempt failed, trying next candidate",
			"provider_id", p.ID,
			"attempt", i+1,
			"error", err,
		)
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("%w: last attempt: %v", domain.ErrNoProviderAvailable, lastErr)
	}
	return domain.ErrNoProviderAvailable
}
