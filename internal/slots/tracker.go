// Package slots tracks in-flight request leases against per-provider and
// per-key concurrency ceilings.
//
// Acquisition is atomic: no two callers can both pass a full ceiling through
// a check-then-increment race. Every slot carries a lease; a holder that
// dies without releasing stops counting once the lease expires, so a leak
// can only undercount, never permanently overcount.
package slots

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// DefaultLease bounds how long an unreleased slot keeps counting.
const DefaultLease = 5 * time.Minute

// Slot is a lease for one in-flight request. Release it exactly once;
// releasing again is a no-op.
type Slot struct {
	ID         string
	ProviderID string
	KeyID      string
	SessionID  string
	AcquiredAt time.Time
}

// Store is the shared slot state. Implementations must make Acquire atomic
// per provider and per key (never a whole-system lock) and make Release
// idempotent.
type Store interface {
	// Acquire reserves a slot or returns *domain.ConcurrencyLimitError.
	// A limit of zero means unlimited for that scope.
	Acquire(ctx context.Context, slot *Slot, providerLimit, keyLimit int, lease time.Duration) error
	// Release frees the slot. Releasing an unknown or already-released
	// slot does nothing.
	Release(ctx context.Context, slot *Slot) error
	// Renew extends the lease of a live slot.
	Renew(ctx context.Context, slot *Slot, lease time.Duration) error
	CountForProvider(ctx context.Context, providerID string) (int, error)
	CountForKey(ctx context.Context, keyID string) (int, error)
}

// Tracker is the pipeline-facing API over a Store.
type Tracker struct {
	store Store
	lease time.Duration
}

// NewTracker wraps a store. A zero lease means DefaultLease.
func NewTracker(store Store, lease time.Duration) *Tracker {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Tracker{store: store, lease: lease}
}

// Acquire reserves a slot for one attempt against the provider's and key's
// ceilings.
func (t *Tracker) Acquire(ctx context.Context, provider *domain.Provider, key *domain.Key, sessionID string) (*Slot, error) {
	keyID := ""
	keyLimit := 0
	if key != nil {
		keyID = key.ID
		keyLimit = key.MaxConcurrency
	}
	slot := &Slot{
		ID:         uuid.New().String(),
		ProviderID: provider.ID,
		KeyID:      keyID,
		SessionID:  sessionID,
		AcquiredAt: time.Now(),
	}
	if err := t.store.Acquire(ctx, slot, provider.MaxConcurrency, keyLimit, t.lease); err != nil {
		return nil, err
	}
	return slot, nil
}

// Release frees a slot. Safe to call more than once.
func (t *Tracker) Release(ctx context.Context, slot *Slot) {
	if slot == nil {
		return
	}
	_ = t.store.Release(ctx, slot)
}

// Renew extends a long-running attempt's lease (streaming responses).
func (t *Tracker) Renew(ctx context.Context, slot *Slot) error {
	return t.store.Renew(ctx, slot, t.lease)
}

// KeepAlive renews the slot at half the lease interval until ctx is
// canceled. Run it in its own goroutine for attempts that may outlive the
// lease. Renewal failures are ignored; the lease then lapses on its own.
func (t *Tracker) KeepAlive(ctx context.Context, slot *Slot) {
	ticker := time.NewTicker(t.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.Renew(ctx, slot)
		}
	}
}

// CountForProvider returns the live slot count for a provider.
func (t *Tracker) CountForProvider(ctx context.Context, providerID string) (int, error) {
	return t.store.CountForProvider(ctx, providerID)
}

// CountForKey returns the live slot count for a key.
func (t *Tracker) CountForKey(ctx context.Context, keyID string) (int, error) {
	return t.store.CountForKey(ctx, keyID)
}

// ProviderSnapshot builds the dashboard view for a set of providers.
func (t *Tracker) ProviderSnapshot(ctx context.Context, providers []*domain.Provider) []domain.SlotSnapshot {
	out := make([]domain.SlotSnapshot, 0, len(providers))
	for _, p := range providers {
		used, err := t.store.CountForProvider(ctx, p.ID)
		if err != nil {
			continue
		}
		out = append(out, domain.SlotSnapshot{
			ProviderID: p.ID,
			UsedSlots:  used,
			TotalSlots: p.MaxConcurrency,
		})
	}
	return out
}
