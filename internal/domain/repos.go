package domain

import (
	"context"
	"time"
)

// ProviderRepository supplies provider configuration. Implementations are
// cache-refreshable; a bounded staleness window is acceptable.
type ProviderRepository interface {
	ListProviders(ctx context.Context) ([]*Provider, error)
	GetProvider(ctx context.Context, id string) (*Provider, error)
}

// KeyRepository resolves API keys by hash for authentication.
type KeyRepository interface {
	GetKeyByHash(ctx context.Context, hash string) (*Key, error)
	GetKey(ctx context.Context, id string) (*Key, error)
}

// UsageRepository records and aggregates usage facts. Record must be safe to
// call exactly once per attempt and must never write two inconsistent copies
// of the same attempt.
type UsageRepository interface {
	Record(ctx context.Context, rec *UsageRecord) error
	// CostSince sums cost for a key over usage facts with
	// created_at > since. A zero since means the lifetime total.
	CostSince(ctx context.Context, keyID string, since time.Time) (float64, error)
	TotalsForKey(ctx context.Context, keyID string, from, to time.Time) (*UsageTotals, error)
	TotalsForProvider(ctx context.Context, providerID string, from, to time.Time) (*UsageTotals, error)
}

// FilterRuleRepository supplies the active filter rule set.
type FilterRuleRepository interface {
	ListFilterRules(ctx context.Context) ([]*FilterRule, error)
}

// WordListRepository supplies the sensitive word list.
type WordListRepository interface {
	ListSensitiveWords(ctx context.Context) ([]string, error)
}
