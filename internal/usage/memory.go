package usage

import (
	"context"
	"sync"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// MemoryRepository is the in-process usage store, used in tests and
// single-node deployments without Postgres.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []*domain.UsageRecord
	nextID  int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1}
}

// Record appends one immutable fact.
func (m *MemoryRepository) Record(ctx context.Context, rec *domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.ID = m.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.nextID++
	m.records = append(m.records, &cp)
	rec.ID = cp.ID
	return nil
}

// CostSince sums cost for a key over facts newer than since. Blocked
// attempts carry zero cost and do not contribute.
func (m *MemoryRepository) CostSince(ctx context.Context, keyID string, since time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, rec := range m.records {
		if rec.KeyID != keyID {
			continue
		}
		if !since.IsZero() && !rec.CreatedAt.After(since) {
			continue
		}
		total += rec.CostUSD
	}
	return total, nil
}

// TotalsForKey aggregates facts for one key inside [from, to].
func (m *MemoryRepository) TotalsForKey(ctx context.Context, keyID string, from, to time.Time) (*domain.UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals := &domain.UsageTotals{}
	for _, rec := range m.records {
		if rec.KeyID != keyID || !inRange(rec.CreatedAt, from, to) {
			continue
		}
		accumulate(totals, rec)
	}
	return totals, nil
}

// TotalsForProvider aggregates facts for one provider inside [from, to].
func (m *MemoryRepository) TotalsForProvider(ctx context.Context, providerID string, from, to time.Time) (*domain.UsageTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	totals := &domain.UsageTotals{}
	for _, rec := range m.records {
		if rec.ProviderID != providerID || !inRange(rec.CreatedAt, from, to) {
			continue
		}
		accumulate(totals, rec)
	}
	return totals, nil
}

// All returns a copy of every fact, oldest first. Test helper.
func (m *MemoryRepository) All() []*domain.UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.UsageRecord, len(m.records))
	copy(out, m.records)
	return out
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func accumulate(totals *domain.UsageTotals, rec *domain.UsageRecord) {
	totals.Requests++
	totals.InputTokens += rec.InputTokens
	totals.OutputTokens += rec.OutputTokens
	totals.CostUSD += rec.CostUSD
	if rec.BlockedBy != "" {
		totals.Blocked++
	}
}
