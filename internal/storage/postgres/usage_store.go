package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// UsageStore implements domain.UsageRepository over Postgres. Facts are
// append-only; nothing here issues UPDATE or DELETE.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Record appends one usage fact and fills in its assigned id and timestamp.
func (s *UsageStore) Record(ctx context.Context, rec *domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records
			(request_id, key_id, provider_id, model, input_tokens, output_tokens,
			 cost_usd, status_code, blocked_by, canceled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		rec.RequestID, rec.KeyID, rec.ProviderID, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.StatusCode,
		rec.BlockedBy, rec.Canceled,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// CostSince sums cost for a key over facts newer than since. A zero since
// returns the lifetime total.
func (s *UsageStore) CostSince(ctx context.Context, keyID string, since time.Time) (float64, error) {
	var total float64
	var err error
	if since.IsZero() {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE key_id = $1`,
			keyID,
		).Scan(&total)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE key_id = $1 AND created_at > $2`,
			keyID, since,
		).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("sum cost for key %s: %w", keyID, err)
	}
	return total, nil
}

const totalsQuery = `
	SELECT
		COUNT(*),
		COALESCE(SUM(input_tokens), 0),
		COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(cost_usd), 0),
		COUNT(*) FILTER (WHERE blocked_by <> '')
	FROM usage_records
	WHERE %s = $1 AND created_at >= $2 AND created_at < $3
`

// TotalsForKey aggregates usage facts for one key over [from, to).
func (s *UsageStore) TotalsForKey(ctx context.Context, keyID string, from, to time.Time) (*domain.UsageTotals, error) {
	return s.totals(ctx, fmt.Sprintf(totalsQuery, "key_id"), keyID, from, to)
}

// TotalsForProvider aggregates usage facts for one provider over [from, to).
func (s *UsageStore) TotalsForProvider(ctx context.Context, providerID string, from, to time.Time) (*domain.UsageTotals, error) {
	return s.totals(ctx, fmt.Sprintf(totalsQuery, "provider_id"), providerID, from, to)
}

func (s *UsageStore) totals(ctx context.Context, query, id string, from, to time.Time) (*domain.UsageTotals, error) {
	var t domain.UsageTotals
	err := s.db.QueryRowContext(ctx, query, id, from, to).Scan(
		&t.Requests, &t.InputTokens, &t.OutputTokens, &t.CostUSD, &t.Blocked,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage for %s: %w", id, err)
	}
	return &t, nil
}
