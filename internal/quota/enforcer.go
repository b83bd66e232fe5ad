// Package quota enforces per-key cost ceilings over rolling and fixed
// windows.
//
// The durable truth is the usage-fact table; the enforcer keeps a short-TTL
// live accumulator per key and window so the hot path rarely touches the
// store. Checks are pessimistic-optimistic: the pre-dispatch check uses the
// best currently-known total, and the post-dispatch commit reconciles with
// the real cost, so a window can overrun by at most one in-flight request.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

const (
	accumulatorTTL = 30 * time.Second
	cleanupPeriod  = 2 * time.Minute
)

// Enforcer checks and commits cost against a key's window ceilings.
type Enforcer struct {
	usage domain.UsageRepository
	cache *gocache.Cache
	loc   *time.Location

	logger *slog.Logger
	now    func() time.Time
}

// Option configures the enforcer.
type Option func(*Enforcer)

// WithLocation sets the wall-clock location for fixed daily resets.
func WithLocation(loc *time.Location) Option {
	return func(e *Enforcer) { e.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer creates an enforcer over the usage repository.
func NewEnforcer(usage domain.UsageRepository, opts ...Option) *Enforcer {
	e := &Enforcer{
		usage:  usage,
		cache:  gocache.New(accumulatorTTL, cleanupPeriod),
		loc:    time.Local,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check verifies every configured window for the key before dispatch.
// Returns *domain.QuotaExceededError for the first exhausted window. If the
// usage store is unreachable the enforcer fails open and logs the
// degradation.
func (e *Enforcer) Check(ctx context.Context, key *domain.Key) error {
	for _, w := range domain.Windows {
		limit := key.LimitFor(w)
		if limit <= 0 {
			continue
		}
		spent, err := e.windowCost(ctx, key, w)
		if err != nil {
			e.logger.Warn("quota store read failed, failing open",
				"key_id", key.ID, "window", w, "error", err)
			continue
		}
		if spent >= limit {
			return &domain.QuotaExceededError{KeyID: key.ID, Window: w}
		}
	}
	return nil
}

// Remaining reports spent/limit pairs for dashboards. Windows without a
// configured ceiling are omitted.
func (e *Enforcer) Remaining(ctx context.Context, key *domain.Key) (map[domain.Window][2]float64, error) {
	out := make(map[domain.Window][2]float64)
	for _, w := range domain.Windows {
		limit := key.LimitFor(w)
		if limit <= 0 {
			continue
		}
		spent, err := e.windowCost(ctx, key, w)
		if err != nil {
			return nil, err
		}
		out[w] = [2]float64{spent, limit}
	}
	return out, nil
}

// Commit folds the attempt's resolved cost into every live accumulator for
// the key. Called after the usage fact is recorded; accumulators that have
// expired recompute from the store on next check and already include the
// fact, so a missing entry here is not an error.
func (e *Enforcer) Commit(keyID string, cost float64) {
	if cost <= 0 {
		return
	}
	for _, w := range domain.Windows {
		ck := accumulatorKey(keyID, w)
		if _, found := e.cache.Get(ck); !found {
			continue
		}
		if _, err := e.cache.IncrementFloat64(ck, cost); err != nil {
			// Entry expired between Get and Increment; the store has the fact.
			continue
		}
	}
}

// windowCost returns the accumulated cost for one window, preferring the
// live accumulator.
func (e *Enforcer) windowCost(ctx context.Context, key *domain.Key, w domain.Window) (float64, error) {
	ck := accumulatorKey(key.ID, w)
	if v, found := e.cache.Get(ck); found {
		return v.(float64), nil
	}
	since := e.windowStart(key, w)
	spent, err := e.usage.CostSince(ctx, key.ID, since)
	if err != nil {
		return 0, err
	}
	e.cache.SetDefault(ck, spent)
	return spent, nil
}

// windowStart computes the inclusive lower bound of the window. The
// lifetime window uses the zero time; the daily window honors the key's
// reset mode.
func (e *Enforcer) windowStart(key *domain.Key, w domain.Window) time.Time {
	now := e.now()
	if w == domain.WindowTotal {
		return time.Time{}
	}
	if w == domain.WindowDaily && key.DailyResetMode == domain.DailyResetFixed {
		return lastFixedReset(now.In(e.loc), key.DailyResetAt)
	}
	return now.Add(-w.Span())
}

// lastFixedReset finds the most recent occurrence of the configured
// wall-clock reset time ("HH:MM", empty = midnight).
func lastFixedReset(now time.Time, resetAt string) time.Time {
	hour, minute := 0, 0
	if resetAt != "" {
		if h, m, err := parseClock(resetAt); err == nil {
			hour, minute = h, m
		}
	}
	reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if reset.After(now) {
		reset = reset.AddDate(0, 0, -1)
	}
	return reset
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	return hour, minute, nil
}

func accumulatorKey(keyID string, w domain.Window) string {
	return keyID + ":" + string(w)
}
