package selector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/breaker"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

type providerRepo struct {
	providers []*domain.Provider
}

func (r *providerRepo) ListProviders(ctx context.Context) ([]*domain.Provider, error) {
	return r.providers, nil
}

func (r *providerRepo) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	for _, p := range r.providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("provider %s not found", id)
}

func prov(id string, priority, weight int) *domain.Provider {
	return &domain.Provider{
		ID: id, Name: id, Enabled: true,
		Priority: priority, Weight: weight,
		FailureThreshold: 3,
	}
}

func newSelector(t *testing.T, providers []*domain.Provider, opts ...Option) (*Selector, *breaker.Registry) {
	t.Helper()
	repo := &providerRepo{providers: providers}
	reg := breaker.NewRegistry(breaker.WithConfigFunc(func(id string) (int, time.Duration, error) {
		p, err := repo.GetProvider(context.Background(), id)
		if err != nil {
			return 0, 0, err
		}
		return p.FailureThreshold, p.RecoveryWindow, nil
	}))
	opts = append([]Option{WithSeed(1)}, opts...)
	return NewSelector(repo, reg, opts...), reg
}

func TestOrderPriorityThenWeight(t *testing.T) {
	s, _ := newSelector(t, []*domain.Provider{
		prov("low-prio", 5, 100),
		prov("heavy", 1, 20),
		prov("light", 1, 5),
	})

	got, err := s.Candidates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "heavy", got[0].ID)
	assert.Equal(t, "light", got[1].ID)
	assert.Equal(t, "low-prio", got[2].ID)
}

func TestDisabledAndGroupFiltering(t *testing.T) {
	off := prov("off", 1, 1)
	off.Enabled = false
	grouped := prov("eu-only", 1, 1)
	grouped.Groups = []string{"eu"}
	open := prov("open", 2, 1)

	s, _ := newSelector(t, []*domain.Provider{off, grouped, open})

	got, err := s.Candidates(context.Background(), &domain.Key{ID: "k", ProviderGroup: "eu"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "eu-only", got[0].ID)

	got, err = s.Candidates(context.Background(), &domain.Key{ID: "k"})
	require.NoError(t, err)
	assert.Len(t, got, 2, "no group restriction admits every enabled provider")
}

func TestOpenBreakerExcluded(t *testing.T) {
	s, reg := newSelector(t, []*domain.Provider{prov("a", 1, 1), prov("b", 2, 1)})
	for i := 0; i < 3; i++ {
		reg.RecordFailure("a", "boom")
	}

	got, err := s.Candidates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

type fixedCounts map[string]int

func (f fixedCounts) CountForProvider(ctx context.Context, id string) (int, error) {
	return f[id], nil
}

func TestFullProviderExcluded(t *testing.T) {
	full := prov("full", 1, 1)
	full.MaxConcurrency = 2
	free := prov("free", 2, 1)

	s, _ := newSelector(t, []*domain.Provider{full, free},
		WithSlotCounter(fixedCounts{"full": 2}))

	got, err := s.Candidates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "free", got[0].ID)
}

type fixedScores map[string]float64

func (f fixedScores) Score(id string) float64 {
	if s, ok := f[id]; ok {
		return s
	}
	return 1.0
}

func TestDegradedProviderDemoted(t *testing.T) {
	s, _ := newSelector(t, []*domain.Provider{prov("sick", 1, 1), prov("healthy", 2, 1)},
		WithHealthScores(fixedScores{"sick": 0.2}))

	got, err := s.Candidates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "healthy", got[0].ID, "degraded provider sorts last despite better priority")
	assert.Equal(t, "sick", got[1].ID)
}

func TestDispatchFailsOverOnRetryable(t *testing.T) {
	s, _ := newSelector(t, []*domain.Provider{prov("a", 1, 1), prov("b", 2, 1)})

	var tried []string
	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		tried = append(tried, p.ID)
		if p.ID == "a" {
			return &domain.UpstreamError{ProviderID: "a", StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tried)
}

func TestDispatchTerminalAborts(t *testing.T) {
	s, _ := newSelector(t, []*domain.Provider{prov("a", 1, 1), prov("b", 2, 1)})

	var tried []string
	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		tried = append(tried, p.ID)
		return &domain.UpstreamError{ProviderID: p.ID, StatusCode: 400, Body: "bad payload"}
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, tried, "a 4xx aborts without trying the next candidate")
}

func TestDispatchExhaustionReturnsNoProvider(t *testing.T) {
	s, _ := newSelector(t, []*domain.Provider{prov("a", 1, 1), prov("b", 2, 1)})

	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		return &domain.UpstreamError{ProviderID: p.ID, StatusCode: 502}
	})
	assert.ErrorIs(t, err, domain.ErrNoProviderAvailable)
}

func TestDispatchEmptyCandidates(t *testing.T) {
	s, _ := newSelector(t, nil)
	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		t.Fatal("attempt must not run with no candidates")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNoProviderAvailable)
}

func TestDispatchBoundedAttempts(t *testing.T) {
	s, _ := newSelector(t, []*domain.Provider{
		prov("a", 1, 1), prov("b", 2, 1), prov("c", 3, 1), prov("d", 4, 1),
	}, WithMaxAttempts(2))

	attempts := 0
	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		attempts++
		return &domain.UpstreamError{ProviderID: p.ID, StatusCode: 502}
	})
	assert.ErrorIs(t, err, domain.ErrNoProviderAvailable)
	assert.Equal(t, 2, attempts)
}

func TestThresholdFailuresOpenCircuitAndReroute(t *testing.T) {
	// Three consecutive upstream errors flip the primary open; the next
	// request goes straight to the secondary without touching the primary.
	s, _ := newSelector(t, []*domain.Provider{prov("primary", 1, 1), prov("secondary", 2, 1)},
		WithMaxAttempts(1))

	for i := 0; i < 3; i++ {
		err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
			require.Equal(t, "primary", p.ID)
			return &domain.UpstreamError{ProviderID: p.ID, StatusCode: 500}
		})
		require.Error(t, err)
	}

	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		assert.Equal(t, "secondary", p.ID, "open primary never sees the fourth request")
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrencyDenialDoesNotTripBreaker(t *testing.T) {
	s, reg := newSelector(t, []*domain.Provider{prov("busy", 1, 1), prov("spare", 2, 1)})

	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		if p.ID == "busy" {
			return &domain.ConcurrencyLimitError{Scope: "provider", ID: "busy"}
		}
		return nil
	})
	require.NoError(t, err)

	for _, snap := range reg.Snapshot() {
		if snap.ProviderID == "busy" {
			assert.Zero(t, snap.FailureCount, "slot denial is not provider unhealth")
		}
	}
}

func TestUntriedHalfOpenCandidateHoldsNoProbe(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &providerRepo{providers: []*domain.Provider{prov("fast", 1, 1), prov("slow", 2, 1)}}
	reg := breaker.NewRegistry(breaker.WithClock(func() time.Time { return now }))
	s := NewSelector(repo, reg, WithSeed(1))

	for i := 0; i < 5; i++ {
		reg.RecordFailure("slow", "boom")
	}
	now = now.Add(61 * time.Second)

	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		require.Equal(t, "fast", p.ID)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, reg.Allow("slow"),
		"a candidate that was never attempted must still admit the trial request")
}

func TestConcurrencyDenialReleasesProbe(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &providerRepo{providers: []*domain.Provider{prov("busy", 1, 1), prov("spare", 2, 1)}}
	reg := breaker.NewRegistry(breaker.WithClock(func() time.Time { return now }))
	s := NewSelector(repo, reg, WithSeed(1))

	for i := 0; i < 5; i++ {
		reg.RecordFailure("busy", "boom")
	}
	now = now.Add(61 * time.Second)

	err := s.Dispatch(context.Background(), nil, func(ctx context.Context, p *domain.Provider) error {
		if p.ID == "busy" {
			return &domain.ConcurrencyLimitError{Scope: "provider", ID: "busy"}
		}
		return nil
	})
	require.NoError(t, err)

	assert.True(t, reg.Allow("busy"),
		"a slot denial leaves the probe free for the next dispatcher")
}

func TestDispatchStopsOnCanceledContext(t *testing.T) {
	s, _ := newSelector(t, []*domain.Provider{prov("a", 1, 1)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Dispatch(ctx, nil, func(ctx context.Context, p *domain.Provider) error {
		t.Fatal("attempt must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
