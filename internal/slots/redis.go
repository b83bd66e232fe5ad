package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// RedisStore keeps slot state in Redis so multiple gateway instances share
// one ceiling. Lua scripts make the check-and-reserve step atomic; leases
// are ZSET scores holding the expiry, pruned before every decision.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time

	acquireScript *redis.Script
	renewScript   *redis.Script
	countScript   *redis.Script
}

const slotAcquireScript = `
local provider_key = KEYS[1]
local api_key_key = KEYS[2]
local slot_id = ARGV[1]
local provider_limit = tonumber(ARGV[2])
local key_limit = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local expiry = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', provider_key, '-inf', now)
redis.call('ZREMRANGEBYSCORE', api_key_key, '-inf', now)

if provider_limit > 0 and redis.call('ZCARD', provider_key) >= provider_limit then
    return 'provider'
end
if key_limit > 0 and redis.call('ZCARD', api_key_key) >= key_limit then
    return 'key'
end

redis.call('ZADD', provider_key, expiry, slot_id)
redis.call('ZADD', api_key_key, expiry, slot_id)
redis.call('EXPIRE', provider_key, 3600)
redis.call('EXPIRE', api_key_key, 3600)
return 'ok'
`

const slotRenewScript = `
local provider_key = KEYS[1]
local api_key_key = KEYS[2]
local slot_id = ARGV[1]
local expiry = tonumber(ARGV[2])

-- XX: only refresh leases that still exist, never resurrect released slots
redis.call('ZADD', provider_key, 'XX', expiry, slot_id)
redis.call('ZADD', api_key_key, 'XX', expiry, slot_id)
return 'ok'
`

const slotCountScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
return redis.call('ZCARD', key)
`

// NewRedisStore creates a Redis-backed slot store.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "gateway:slots"
	}
	return &RedisStore{
		client:        client,
		keyPrefix:     keyPrefix,
		now:           time.Now,
		acquireScript: redis.NewScript(slotAcquireScript),
		renewScript:   redis.NewScript(slotRenewScript),
		countScript:   redis.NewScript(slotCountScript),
	}
}

func (s *RedisStore) providerKey(id string) string {
	return fmt.Sprintf("%s:provider:%s", s.keyPrefix, id)
}

func (s *RedisStore) apiKeyKey(id string) string {
	return fmt.Sprintf("%s:key:%s", s.keyPrefix, id)
}

// Acquire reserves a slot atomically across both ceilings.
func (s *RedisStore) Acquire(ctx context.Context, slot *Slot, providerLimit, keyLimit int, lease time.Duration) error {
	now := s.now()
	keys := []string{s.providerKey(slot.ProviderID), s.apiKeyKey(slot.KeyID)}
	res, err := s.acquireScript.Run(ctx, s.client, keys,
		slot.ID, providerLimit, keyLimit, now.Unix(), now.Add(lease).Unix()).Result()
	if err != nil {
		return fmt.Errorf("slot acquire: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "provider":
		return &domain.ConcurrencyLimitError{Scope: "provider", ID: slot.ProviderID}
	case "key":
		return &domain.ConcurrencyLimitError{Scope: "key", ID: slot.KeyID}
	}
	return fmt.Errorf("slot acquire: unexpected result %v", res)
}

// Release removes the slot from both ZSETs; a second release is a no-op.
func (s *RedisStore) Release(ctx context.Context, slot *Slot) error {
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.providerKey(slot.ProviderID), slot.ID)
	pipe.ZRem(ctx, s.apiKeyKey(slot.KeyID), slot.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Renew pushes the lease expiry forward for a live slot.
func (s *RedisStore) Renew(ctx context.Context, slot *Slot, lease time.Duration) error {
	keys := []string{s.providerKey(slot.ProviderID), s.apiKeyKey(slot.KeyID)}
	_, err := s.renewScript.Run(ctx, s.client, keys,
		slot.ID, s.now().Add(lease).Unix()).Result()
	return err
}

// CountForProvider returns live slots for a provider.
func (s *RedisStore) CountForProvider(ctx context.Context, providerID string) (int, error) {
	return s.count(ctx, s.providerKey(providerID))
}

// CountForKey returns live slots for a key.
func (s *RedisStore) CountForKey(ctx context.Context, keyID string) (int, error) {
	return s.count(ctx, s.apiKeyKey(keyID))
}

func (s *RedisStore) count(ctx context.Context, key string) (int, error) {
	n, err := s.countScript.Run(ctx, s.client, []string{key}, s.now().Unix()).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}
