package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/usage"
)

func record(repo *usage.MemoryRepository, keyID string, cost float64, at time.Time) {
	_ = repo.Record(context.Background(), &domain.UsageRecord{
		KeyID:     keyID,
		CostUSD:   cost,
		CreatedAt: at,
	})
}

func TestBoundedOverrun(t *testing.T) {
	// A key with a $10 five-hour ceiling and $9.50 already spent admits one
	// more request; after its $1.00 cost lands, the next request is denied.
	repo := usage.NewMemoryRepository()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record(repo, "k1", 9.50, now.Add(-time.Hour))

	e := NewEnforcer(repo, WithClock(func() time.Time { return now }))
	key := &domain.Key{ID: "k1", FiveHourLimit: 10}

	require.NoError(t, e.Check(context.Background(), key), "9.50 < 10.00 admits")

	record(repo, "k1", 1.00, now)
	e.Commit("k1", 1.00)

	err := e.Check(context.Background(), key)
	var qe *domain.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, domain.WindowFiveHour, qe.Window)
}

func TestRollingWindowExcludesOldSpend(t *testing.T) {
	repo := usage.NewMemoryRepository()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record(repo, "k1", 50, now.Add(-6*time.Hour)) // outside the 5h window
	record(repo, "k1", 2, now.Add(-time.Hour))

	e := NewEnforcer(repo, WithClock(func() time.Time { return now }))
	key := &domain.Key{ID: "k1", FiveHourLimit: 10}

	assert.NoError(t, e.Check(context.Background(), key))
}

func TestLifetimeWindowCountsEverything(t *testing.T) {
	repo := usage.NewMemoryRepository()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record(repo, "k1", 50, now.Add(-90*24*time.Hour))
	record(repo, "k1", 51, now.Add(-time.Hour))

	e := NewEnforcer(repo, WithClock(func() time.Time { return now }))
	key := &domain.Key{ID: "k1", TotalLimit: 100}

	err := e.Check(context.Background(), key)
	var qe *domain.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, domain.WindowTotal, qe.Window)
}

func TestFixedDailyResetBoundary(t *testing.T) {
	repo := usage.NewMemoryRepository()
	// Reset at 08:00; it is now 10:00, so spend from 07:00 (before the
	// reset) must not count, spend from 09:00 must.
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	record(repo, "k1", 8, now.Add(-3*time.Hour)) // 07:00
	record(repo, "k1", 3, now.Add(-time.Hour))   // 09:00

	e := NewEnforcer(repo,
		WithClock(func() time.Time { return now }),
		WithLocation(time.UTC),
	)
	key := &domain.Key{
		ID:             "k1",
		DailyLimit:     5,
		DailyResetMode: domain.DailyResetFixed,
		DailyResetAt:   "08:00",
	}

	assert.NoError(t, e.Check(context.Background(), key), "only 3.00 since the 08:00 reset")

	record(repo, "k1", 2.50, now)
	e.Commit("k1", 2.50)

	err := e.Check(context.Background(), key)
	var qe *domain.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, domain.WindowDaily, qe.Window)
}

func TestRollingDailyMode(t *testing.T) {
	repo := usage.NewMemoryRepository()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	record(repo, "k1", 6, now.Add(-25*time.Hour)) // outside trailing 24h

	e := NewEnforcer(repo, WithClock(func() time.Time { return now }))
	key := &domain.Key{ID: "k1", DailyLimit: 5, DailyResetMode: domain.DailyResetRolling}

	assert.NoError(t, e.Check(context.Background(), key))
}

func TestCommitUpdatesLiveAccumulator(t *testing.T) {
	// The accumulator must see committed cost before the store-backed cache
	// entry expires, so back-to-back requests cannot replay a stale total.
	repo := usage.NewMemoryRepository()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	e := NewEnforcer(repo, WithClock(func() time.Time { return now }))
	key := &domain.Key{ID: "k1", DailyLimit: 1}

	require.NoError(t, e.Check(context.Background(), key)) // primes the accumulator
	record(repo, "k1", 1.20, now)
	e.Commit("k1", 1.20)

	err := e.Check(context.Background(), key)
	var qe *domain.QuotaExceededError
	require.True(t, errors.As(err, &qe))
}

type failingRepo struct{}

func (failingRepo) Record(context.Context, *domain.UsageRecord) error { return errors.New("down") }
func (failingRepo) CostSince(context.Context, string, time.Time) (float64, error) {
	return 0, errors.New("down")
}
func (failingRepo) TotalsForKey(context.Context, string, time.Time, time.Time) (*domain.UsageTotals, error) {
	return nil, errors.New("down")
}
func (failingRepo) TotalsForProvider(context.Context, string, time.Time, time.Time) (*domain.UsageTotals, error) {
	return nil, errors.New("down")
}

func TestStoreFailureFailsOpen(t *testing.T) {
	e := NewEnforcer(failingRepo{})
	key := &domain.Key{ID: "k1", DailyLimit: 0.01}
	assert.NoError(t, e.Check(context.Background(), key))
}
