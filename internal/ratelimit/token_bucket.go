// Package ratelimit throttles scan submissions per customer with a
// Redis-backed token bucket so one customer's automation cannot starve
// the dispatch backends.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills the bucket from the elapsed time since the
// last take, then attempts to remove one token. Runs atomically on the
// Redis side so concurrent submitters cannot overdraw.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'updated_ms')
local tokens = tonumber(bucket[1])
local updated_ms = tonumber(bucket[2])
if tokens == nil then
    tokens = capacity
    updated_ms = now_ms
end

local elapsed = math.max(0, now_ms - updated_ms) / 1000.0
tokens = math.min(capacity, tokens + elapsed * refill_per_sec)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'updated_ms', now_ms)
redis.call('PEXPIRE', key, math.ceil(capacity / refill_per_sec * 2000))
return allowed
`)

// Limiter is a per-customer token bucket.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	now      func() time.Time
}

// New builds a limiter with the given bucket capacity and refill rate
// in tokens per second.
func New(client *redis.Client, capacity int, refill float64) *Limiter {
	if capacity <= 0 {
		capacity = 20
	}
	if refill <= 0 {
		refill = 5
	}
	return &Limiter{client: client, capacity: capacity, refill: refill, now: time.Now}
}

// Allow takes one token from the customer's bucket. It returns false
// when the bucket is empty.
func (l *Limiter) Allow(ctx context.Context, customer string) (bool, error) {
	key := "ratelimit:scans:" + customer
	res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, l.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", customer, err)
	}
	return res == 1, nil
}
