// Package storage provides the configuration-backed repositories the
// pipeline reads from.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// ConfigStore holds the active provider, key, filter, and word snapshots in
// memory. Snapshots are replaced wholesale on config reload; readers see
// either the old or the new set, never a mix.
type ConfigStore struct {
	mu         sync.RWMutex
	providers  []*domain.Provider
	byProvider map[string]*domain.Provider
	keys       []*domain.Key
	byKeyID    map[string]*domain.Key
	byKeyHash  map[string]*domain.Key
	filters    []*domain.FilterRule
	words      []string
}

// NewConfigStore creates an empty store.
func NewConfigStore() *ConfigStore {
	s := &ConfigStore{}
	s.ReplaceProviders(nil)
	s.ReplaceKeys(nil)
	return s
}

// ReplaceProviders swaps the provider snapshot.
func (s *ConfigStore) ReplaceProviders(providers []*domain.Provider) {
	byID := make(map[string]*domain.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = providers
	s.byProvider = byID
}

// ReplaceKeys swaps the key snapshot.
func (s *ConfigStore) ReplaceKeys(keys []*domain.Key) {
	byID := make(map[string]*domain.Key, len(keys))
	byHash := make(map[string]*domain.Key, len(keys))
	for _, k := range keys {
		byID[k.ID] = k
		byHash[k.Hash] = k
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
	s.byKeyID = byID
	s.byKeyHash = byHash
}

// ReplaceFilterRules swaps the filter rule snapshot.
func (s *ConfigStore) ReplaceFilterRules(rules []*domain.FilterRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = rules
}

// ReplaceWords swaps the sensitive word snapshot.
func (s *ConfigStore) ReplaceWords(words []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words = words
}

// ListProviders implements domain.ProviderRepository.
func (s *ConfigStore) ListProviders(ctx context.Context) ([]*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Provider, len(s.providers))
	copy(out, s.providers)
	return out, nil
}

// GetProvider implements domain.ProviderRepository.
func (s *ConfigStore) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byProvider[id]
	if !ok {
		return nil, fmt.Errorf("provider %s not found", id)
	}
	return p, nil
}

// GetKeyByHash implements domain.KeyRepository.
func (s *ConfigStore) GetKeyByHash(ctx context.Context, hash string) (*domain.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byKeyHash[hash]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return k, nil
}

// GetKey implements domain.KeyRepository.
func (s *ConfigStore) GetKey(ctx context.Context, id string) (*domain.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byKeyID[id]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return k, nil
}

// ListFilterRules implements domain.FilterRuleRepository.
func (s *ConfigStore) ListFilterRules(ctx context.Context) ([]*domain.FilterRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.FilterRule, len(s.filters))
	copy(out, s.filters)
	return out, nil
}

// ListSensitiveWords implements domain.WordListRepository.
func (s *ConfigStore) ListSensitiveWords(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.words))
	copy(out, s.words)
	return out, nil
}
