package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "idempotency:"
	inProgressMarker = "in_progress"
)

// beginScript returns the existing value, or claims the key and returns ""
var beginScript = goredis.NewScript(`
local v = redis.call('get', KEYS[1])
if v then
  return v
end
redis.call('set', KEYS[1], ARGV[1], 'px', ARGV[2])
return ''
`)

// completeScript replaces an in-progress marker with the response and keeps
// the remaining TTL. Returns 0 when the key is gone, -1 when it is not in
// progress, 1 on success.
var completeScript = goredis.NewScript(`
local v = redis.call('get', KEYS[1])
if not v then
  return 0
end
if v ~= ARGV[1] then
  return -1
end
local ttl = redis.call('pttl', KEYS[1])
if ttl < 1 then
  ttl = tonumber(ARGV[3])
end
redis.call('set', KEYS[1], ARGV[2], 'px', ttl)
return 1
`)

var abortScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
end
return 0
`)

// RedisBackend shares idempotency entries across instances. Expiry is left to
// redis, so entry, expiry and eviction counts are not tracked.
type RedisBackend struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a backend on an existing client
func NewRedisBackend(client goredis.UniversalClient, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) key(k string) string {
	return redisKeyPrefix + k
}

func (b *RedisBackend) Begin(ctx context.Context, key string) (Outcome, *Response, error) {
	ttlMs := int64(b.ttl / time.Millisecond)
	v, err := beginScript.Run(ctx, b.client, []string{b.key(key)}, inProgressMarker, ttlMs).Text()
	if err != nil {
		return Started, nil, fmt.Errorf("idempotency begin: %w", err)
	}

	switch v {
	case "":
		return Started, nil, nil
	case inProgressMarker:
		return InProgress, nil, nil
	}

	var resp Response
	if err := json.Unmarshal([]byte(v), &resp); err != nil {
		return Started, nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return Replay, &resp, nil
}

func (b *RedisBackend) Complete(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}

	ttlMs := int64(b.ttl / time.Millisecond)
	result, err := completeScript.Run(ctx, b.client, []string{b.key(key)}, inProgressMarker, string(data), ttlMs).Int64()
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	if result < 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (b *RedisBackend) Abort(ctx context.Context, key string) error {
	if err := abortScript.Run(ctx, b.client, []string{b.key(key)}, inProgressMarker).Err(); err != nil {
		return fmt.Errorf("idempotency abort: %w", err)
	}
	return nil
}

func (b *RedisBackend) Stats() BackendStats {
	return BackendStats{}
}
