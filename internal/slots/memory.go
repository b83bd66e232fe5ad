package slots

import (
	"context"
	"sync"
	"time"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// MemoryStore is the in-process slot store. Mutations are serialized per
// provider and per key, never across the whole system.
type MemoryStore struct {
	providers entitySet
	keys      entitySet
	now       func() time.Time
}

// entitySet maps an entity id to its live slot ledger.
type entitySet struct {
	mu      sync.Mutex
	entries map[string]*ledger
}

// ledger holds the live slots of one provider or one key.
type ledger struct {
	mu    sync.Mutex
	slots map[string]time.Time // slot id -> lease expiry
}

// NewMemoryStore creates an empty store. Cold start is valid state: zero
// slots used everywhere.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: entitySet{entries: make(map[string]*ledger)},
		keys:      entitySet{entries: make(map[string]*ledger)},
		now:       time.Now,
	}
}

func (s *entitySet) get(id string) *ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.entries[id]
	if !ok {
		l = &ledger{slots: make(map[string]time.Time)}
		s.entries[id] = l
	}
	return l
}

// prune drops expired leases. Caller holds l.mu.
func (l *ledger) prune(now time.Time) {
	for id, expiry := range l.slots {
		if now.After(expiry) {
			delete(l.slots, id)
		}
	}
}

// Acquire reserves the slot in both ledgers, or neither. The provider ledger
// is always locked before the key ledger; the namespaces are disjoint so the
// ordering cannot deadlock.
func (s *MemoryStore) Acquire(ctx context.Context, slot *Slot, providerLimit, keyLimit int, lease time.Duration) error {
	now := s.now()
	expiry := now.Add(lease)

	pl := s.providers.get(slot.ProviderID)
	kl := s.keys.get(slot.KeyID)

	pl.mu.Lock()
	defer pl.mu.Unlock()
	kl.mu.Lock()
	defer kl.mu.Unlock()

	pl.prune(now)
	kl.prune(now)

	if providerLimit > 0 && len(pl.slots) >= providerLimit {
		return &domain.ConcurrencyLimitError{Scope: "provider", ID: slot.ProviderID}
	}
	if keyLimit > 0 && len(kl.slots) >= keyLimit {
		return &domain.ConcurrencyLimitError{Scope: "key", ID: slot.KeyID}
	}

	pl.slots[slot.ID] = expiry
	kl.slots[slot.ID] = expiry
	return nil
}

// Release removes the slot from both ledgers. Unknown ids are ignored, so a
// double release cannot double-decrement.
func (s *MemoryStore) Release(ctx context.Context, slot *Slot) error {
	pl := s.providers.get(slot.ProviderID)
	pl.mu.Lock()
	delete(pl.slots, slot.ID)
	pl.mu.Unlock()

	kl := s.keys.get(slot.KeyID)
	kl.mu.Lock()
	delete(kl.slots, slot.ID)
	kl.mu.Unlock()
	return nil
}

// Renew extends the lease of a live slot; expired or released slots are not
// resurrected.
func (s *MemoryStore) Renew(ctx context.Context, slot *Slot, lease time.Duration) error {
	now := s.now()
	expiry := now.Add(lease)

	pl := s.providers.get(slot.ProviderID)
	pl.mu.Lock()
	if _, ok := pl.slots[slot.ID]; ok {
		pl.slots[slot.ID] = expiry
	}
	pl.mu.Unlock()

	kl := s.keys.get(slot.KeyID)
	kl.mu.Lock()
	if _, ok := kl.slots[slot.ID]; ok {
		kl.slots[slot.ID] = expiry
	}
	kl.mu.Unlock()
	return nil
}

// CountForProvider returns live slots for a provider.
func (s *MemoryStore) CountForProvider(ctx context.Context, providerID string) (int, error) {
	l := s.providers.get(providerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(s.now())
	return len(l.slots), nil
}

// CountForKey returns live slots for a key.
func (s *MemoryStore) CountForKey(ctx context.Context, keyID string) (int, error) {
	l := s.keys.get(keyID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(s.now())
	return len(l.slots), nil
}
