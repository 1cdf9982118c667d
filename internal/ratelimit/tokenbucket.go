// Package ratelimit gates inbound datagram frames with a token bucket, so a
// single noisy peer cannot starve the coordinator's per-frame goroutine
// pool. Adapted from rate-limiter/gateway/ratelimiter's HTTP middleware: the
// same bucket-size/refill-rate model and the same Redis Lua script, but
// keyed by UDP source address instead of a forwarded client IP, and wired
// to drop a frame instead of answering 429.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is the rate limiting decision for one key.
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	RetryAfter time.Duration
}

// Store is the backing state for the token bucket. RedisStore shares limits
// across coordinator instances; MemStore is the single-process default,
// since this coordinator runs as a single instance with no replication.
type Store interface {
	Allow(ctx context.Context, key string, bucketSize int64, refillRate float64) (*Result, error)
}

// tokenBucketScript mirrors rate-limiter/gateway/ratelimiter's script:
// refill by elapsed time, consume one token, atomically, server-side.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local bucket_size = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

if tokens == nil then
    tokens = bucket_size
    last_refill = now
end

local elapsed = now - last_refill
local tokens_to_add = elapsed * refill_rate
tokens = math.min(bucket_size, tokens + tokens_to_add)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

local retry_after = 0
if allowed == 0 then
    retry_after = math.ceil((1 - tokens) / refill_rate)
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, 3600)

return {allowed, math.floor(tokens), retry_after}
`)

// RedisStore backs the token bucket with Redis, for coordinator deployments
// that front several UDP listeners behind a shared limiter.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps an existing Redis client or cluster client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, key string, bucketSize int64, refillRate float64) (*Result, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)

	result, err := tokenBucketScript.Run(ctx, s.client, []string{key}, bucketSize, refillRate, now).Int64Slice()
	if err != nil {
		return nil, err
	}

	return &Result{
		Allowed:    result[0] == 1,
		Remaining:  result[1],
		Limit:      bucketSize,
		RetryAfter: time.Duration(result[2]) * time.Second,
	}, nil
}

// bucketState is one key's in-memory bucket.
type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// MemStore is an in-process token bucket store: the same elapsed-time
// refill math as RedisStore's Lua script, guarded by a mutex instead of
// Redis's single-threaded script execution.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketState
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]*bucketState)}
}

func (s *MemStore) Allow(_ context.Context, key string, bucketSize int64, refillRate float64) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucketState{tokens: float64(bucketSize), lastRefill: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(float64(bucketSize), b.tokens+elapsed*refillRate)
	b.lastRefill = now

	allowed := false
	if b.tokens >= 1 {
		b.tokens--
		allowed = true
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Duration((1-b.tokens)/refillRate*float64(time.Second))
	}

	return &Result{
		Allowed:    allowed,
		Remaining:  int64(b.tokens),
		Limit:      bucketSize,
		RetryAfter: retryAfter,
	}, nil
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Gate decides whether an inbound datagram frame from a source should be
// processed, keyed by the frame's observed source address. It runs in the
// frame's handler goroutine before the frame is parsed or dispatched, so a
// dropped frame from a flooding address never reaches the lifecycle engine.
type Gate struct {
	store      Store
	bucketSize int64
	refillRate float64
}

// NewGate builds a Gate over the given store.
func NewGate(store Store, bucketSize int64, refillRate float64) *Gate {
	return &Gate{store: store, bucketSize: bucketSize, refillRate: refillRate}
}

// Allow reports whether the frame from key should proceed to dispatch.
func (g *Gate) Allow(ctx context.Context, key string) bool {
	res, err := g.store.Allow(ctx, key, g.bucketSize, g.refillRate)
	if err != nil {
		// Fail open: a limiter outage must not take down the control plane.
		return true
	}
	return res.Allowed
}
