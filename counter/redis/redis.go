// Package redis provides a Redis-backed CounterStore for genrouter.
//
// Counter state lives in plain Redis keys with Lua scripts for the
// compound operations, so quota admission, circuit transitions, and the
// round-robin cursor stay atomic across multi-instance deployments. The
// store also implements genrouter.Admitter: the whole admission check
// (cooldown, global counter, per-mode counter, increments, cooldown
// write) runs as a single server-side script.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mediaforge/genrouter"
)

// Store is a Redis-backed CounterStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ genrouter.CounterStore = (*Store)(nil)
	_ genrouter.Admitter     = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "genrouter:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed CounterStore. The client must be a
// connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "genrouter:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// incrScript increments a key and applies the TTL only when the key has
// none, so a counter created just before midnight keeps its original
// expiry.
// KEYS[1] = counter key
// ARGV[1] = delta
// ARGV[2] = ttl seconds (0 = none)
var incrScript = goredis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call("TTL", KEYS[1]) == -1 then
    redis.call("EXPIRE", KEYS[1], ttl)
end
return v
`)

// casScript compares-and-swaps a key, treating a missing key as zero.
// KEYS[1] = counter key
// ARGV[1] = expected, ARGV[2] = new, ARGV[3] = ttl seconds
//
// Returns 1 on swap, 0 on mismatch.
var casScript = goredis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur ~= tonumber(ARGV[1]) then
    return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "EX", ttl)
else
    redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
end
return 1
`)

// admitScript performs the full admission transaction.
// KEYS[1] = global usage key, KEYS[2] = per-mode usage key,
// KEYS[3] = cooldown key
// ARGV[1] = count, ARGV[2] = global limit, ARGV[3] = mode limit (0 =
// unlimited), ARGV[4] = now (unix seconds), ARGV[5] = cooldown seconds,
// ARGV[6] = counter ttl seconds
//
// Returns {allowed, reason, retry_after, used, limit}.
var admitScript = goredis.NewScript(`
local count = tonumber(ARGV[1])
local global_limit = tonumber(ARGV[2])
local mode_limit = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local cooldown = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local until_ts = tonumber(redis.call("GET", KEYS[3]) or "0")
if until_ts > now then
    return {0, "cooldown_active", until_ts - now, 0, 0}
end

local g = tonumber(redis.call("GET", KEYS[1]) or "0")
if g + count > global_limit then
    return {0, "quota_exceeded", 0, g, global_limit}
end

if mode_limit > 0 then
    local m = tonumber(redis.call("GET", KEYS[2]) or "0")
    if m + count > mode_limit then
        return {0, "quota_exceeded", 0, m, mode_limit}
    end
end

redis.call("INCRBY", KEYS[1], count)
if redis.call("TTL", KEYS[1]) == -1 then
    redis.call("EXPIRE", KEYS[1], ttl)
end
redis.call("INCRBY", KEYS[2], count)
if redis.call("TTL", KEYS[2]) == -1 then
    redis.call("EXPIRE", KEYS[2], ttl)
end

if cooldown > 0 then
    redis.call("SET", KEYS[3], now + cooldown, "EX", cooldown + 10)
end
return {1, "", 0, 0, 0}
`)

func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("genrouter/redis: get: %w", err)
	}
	return v, true, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, delta, ttlSeconds(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("genrouter/redis: incrby: %w", err)
	}
	return v, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	v, err := casScript.Run(ctx, s.client, []string{s.key(key)}, old, new, ttlSeconds(ttl)).Int64()
	if err != nil {
		return false, fmt.Errorf("genrouter/redis: cas: %w", err)
	}
	return v == 1, nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	set, err := s.client.SetNX(ctx, s.key(key), value, expiry).Result()
	if err != nil {
		return false, fmt.Errorf("genrouter/redis: setnx: %w", err)
	}
	return set, nil
}

func (s *Store) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl
	}
	if err := s.client.Set(ctx, s.key(key), value, expiry).Err(); err != nil {
		return fmt.Errorf("genrouter/redis: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("genrouter/redis: del: %w", err)
	}
	return nil
}

// Admit runs the whole admission check atomically server-side.
func (s *Store) Admit(ctx context.Context, check genrouter.AdmitCheck) (genrouter.AdmitOutcome, error) {
	res, err := admitScript.Run(ctx, s.client,
		[]string{s.key(check.GlobalKey), s.key(check.ModeKey), s.key(check.CooldownKey)},
		check.Count, check.GlobalLimit, check.ModeLimit,
		check.Now, check.CooldownSeconds, ttlSeconds(check.CounterTTL),
	).Slice()
	if err != nil {
		return genrouter.AdmitOutcome{}, fmt.Errorf("genrouter/redis: admit: %w", err)
	}
	if len(res) != 5 {
		return genrouter.AdmitOutcome{}, fmt.Errorf("genrouter/redis: admit: unexpected reply %v", res)
	}

	out := genrouter.AdmitOutcome{Allowed: asInt(res[0]) == 1}
	if !out.Allowed {
		out.Reason = genrouter.DenyReason(asString(res[1]))
		out.RetryAfterSecs = asInt(res[2])
		out.Used = asInt(res[3])
		out.Limit = asInt(res[4])
	}
	return out, nil
}

func asInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
