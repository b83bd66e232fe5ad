package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

func TestConfigStoreLookups(t *testing.T) {
	ctx := context.Background()
	store := NewConfigStore()

	store.ReplaceProviders([]*domain.Provider{
		{ID: "p1", Protocol: domain.ProtocolOpenAI},
		{ID: "p2", Protocol: domain.ProtocolAnthropic},
	})
	store.ReplaceKeys([]*domain.Key{
		{ID: "key-1", Hash: "hash-1", Enabled: true},
	})

	providers, err := store.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 2)

	p, err := store.GetProvider(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolAnthropic, p.Protocol)

	_, err = store.GetProvider(ctx, "absent")
	assert.Error(t, err)

	k, err := store.GetKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", k.ID)

	_, err = store.GetKeyByHash(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)

	_, err = store.GetKey(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestConfigStoreReplaceSwapsWholeSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewConfigStore()

	store.ReplaceKeys([]*domain.Key{{ID: "key-1", Hash: "old"}})
	store.ReplaceKeys([]*domain.Key{{ID: "key-2", Hash: "new"}})

	_, err := store.GetKeyByHash(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound, "stale entries removed")

	k, err := store.GetKeyByHash(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "key-2", k.ID)
}

func TestConfigStoreWordAndFilterSnapshots(t *testing.T) {
	ctx := context.Background()
	store := NewConfigStore()

	store.ReplaceWords([]string{"forbidden"})
	store.ReplaceFilterRules([]*domain.FilterRule{
		{ID: "r1", Scope: domain.FilterScopeRequest, Action: domain.FilterActionBlock, Pattern: "x"},
	})

	words, err := store.ListSensitiveWords(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"forbidden"}, words)

	rules, err := store.ListFilterRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
}
