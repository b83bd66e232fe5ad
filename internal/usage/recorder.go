// Package usage records the outcome of every completed attempt as an
// immutable append-only fact and serves the aggregations dashboards read.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// Recorder appends usage facts. Call it exactly once per completed attempt;
// the underlying repository never partially writes two copies of the same
// attempt.
type Recorder struct {
	repo   domain.UsageRepository
	logger *slog.Logger
}

// NewRecorder wraps a repository.
func NewRecorder(repo domain.UsageRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record appends one fact. A write failure is logged, never propagated into
// the request path: the caller's response does not depend on accounting.
func (r *Recorder) Record(ctx context.Context, rec *domain.UsageRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := r.repo.Record(ctx, rec); err != nil {
		r.logger.Error("usage record write failed",
			"request_id", rec.RequestID,
			"key_id", rec.KeyID,
			"provider_id", rec.ProviderID,
			"error", err)
	}
}

// RecordBlocked appends the audit fact for a request intercepted before
// dispatch. Blocked requests consume no slot and no quota, so the fact
// carries zero tokens and zero cost.
func (r *Recorder) RecordBlocked(ctx context.Context, requestID, keyID, model, blockedBy string) {
	r.Record(ctx, &domain.UsageRecord{
		RequestID:  requestID,
		KeyID:      keyID,
		Model:      model,
		StatusCode: 403,
		BlockedBy:  blockedBy,
	})
}
