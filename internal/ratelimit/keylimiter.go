// Package ratelimit provides per-key request rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRPM        = 60
	defaultBurst      = 10
	defaultCleanupTTL = 10 * time.Minute
)

// KeyLimiter holds one token bucket per API key. Limiters for idle keys
// are evicted after a TTL.
type KeyLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time

	defaultRPM int
	burst      int
	cleanupTTL time.Duration
	now        func() time.Time
}

// Config tunes the limiter.
type Config struct {
	DefaultRPM int
	Burst      int
	CleanupTTL time.Duration
}

// NewKeyLimiter creates a limiter. A background goroutine evicts idle
// buckets until Stop-less process exit.
func NewKeyLimiter(cfg Config) *KeyLimiter {
	if cfg.DefaultRPM <= 0 {
		cfg.DefaultRPM = defaultRPM
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = defaultCleanupTTL
	}
	kl := &KeyLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		defaultRPM: cfg.DefaultRPM,
		burst:      cfg.Burst,
		cleanupTTL: cfg.CleanupTTL,
		now:        time.Now,
	}
	go kl.cleanupLoop()
	return kl
}

// Allow reports whether the key may make a request now. rpm overrides the
// default when positive; a negative rpm disables limiting for the key.
func (kl *KeyLimiter) Allow(keyID string, rpm int) bool {
	if rpm < 0 {
		return true
	}
	if rpm == 0 {
		rpm = kl.defaultRPM
	}

	kl.mu.Lock()
	limiter, ok := kl.limiters[keyID]
	wantRate := rate.Limit(float64(rpm) / 60.0)
	if !ok || limiter.Limit() != wantRate {
		limiter = rate.NewLimiter(wantRate, kl.burst)
		kl.limiters[keyID] = limiter
	}
	kl.lastAccess[keyID] = kl.now()
	kl.mu.Unlock()

	return limiter.Allow()
}

func (kl *KeyLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanupTTL)
	defer ticker.Stop()
	for range ticker.C {
		kl.evictIdle()
	}
}

func (kl *KeyLimiter) evictIdle() {
	cutoff := kl.now().Add(-kl.cleanupTTL)
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for key, last := range kl.lastAccess {
		if last.Before(cutoff) {
			delete(kl.lastAccess, key)
			delete(kl.limiters, key)
		}
	}
}
