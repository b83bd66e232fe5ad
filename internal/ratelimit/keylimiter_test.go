package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstThenDeny(t *testing.T) {
	kl := NewKeyLimiter(Config{DefaultRPM: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		require.True(t, kl.Allow("key-a", 0), "request %d within burst", i)
	}
	assert.False(t, kl.Allow("key-a", 0))
}

func TestKeysAreIndependent(t *testing.T) {
	kl := NewKeyLimiter(Config{DefaultRPM: 60, Burst: 1})

	require.True(t, kl.Allow("key-a", 0))
	assert.False(t, kl.Allow("key-a", 0))
	assert.True(t, kl.Allow("key-b", 0))
}

func TestNegativeRPMDisablesLimiting(t *testing.T) {
	kl := NewKeyLimiter(Config{DefaultRPM: 60, Burst: 1})

	for i := 0; i < 100; i++ {
		require.True(t, kl.Allow("key-a", -1))
	}
}

func TestPerKeyOverrideChangesRate(t *testing.T) {
	kl := NewKeyLimiter(Config{DefaultRPM: 60, Burst: 1})

	require.True(t, kl.Allow("key-a", 60))
	assert.False(t, kl.Allow("key-a", 60))

	// A changed override rebuilds the bucket with a fresh burst.
	assert.True(t, kl.Allow("key-a", 600))
}

func TestIdleKeysEvicted(t *testing.T) {
	kl := NewKeyLimiter(Config{DefaultRPM: 60, Burst: 1, CleanupTTL: time.Minute})

	base := time.Now()
	kl.now = func() time.Time { return base }
	require.True(t, kl.Allow("key-a", 0))

	kl.now = func() time.Time { return base.Add(2 * time.Minute) }
	kl.evictIdle()

	kl.mu.Lock()
	_, ok := kl.limiters["key-a"]
	kl.mu.Unlock()
	assert.False(t, ok)
}
