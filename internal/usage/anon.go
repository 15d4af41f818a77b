package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AnonLimiter is a coarse per-day counter in Redis, keyed by normalized
// client address and UTC date. The increment-and-compare runs as one Lua
// script so the cap holds across API instances.
type AnonLimiter struct {
	client *redis.Client
	cap    int
	ttl    time.Duration
}

// NewAnonLimiter builds the limiter; ttl should comfortably outlive a day
// bucket so a slow clock never expires a live counter.
func NewAnonLimiter(client *redis.Client, dailyCap int, ttl time.Duration) *AnonLimiter {
	if ttl == 0 {
		ttl = 48 * time.Hour
	}
	return &AnonLimiter{client: client, cap: dailyCap, ttl: ttl}
}

// Allow consumes one slot for the identity's current day bucket.
// Returns the allowed flag and remaining slots after consumption.
func (l *AnonLimiter) Allow(ctx context.Context, identityKey string, now time.Time) (bool, int, error) {
	key := fmt.Sprintf("anonq:%s:%s", identityKey, now.UTC().Format("2006-01-02"))
	res, err := dailyCapScript.Run(ctx, l.client, []string{key}, l.cap, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("anon counter: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected anon counter reply: %T", res)
	}
	allowed := arr[0].(int64) == 1
	remaining := int(arr[1].(int64))
	return allowed, remaining, nil
}

var dailyCapScript = redis.NewScript(`
local key = KEYS[1]
local cap = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local n = redis.call('INCR', key)
if n == 1 and ttl > 0 then redis.call('PEXPIRE', key, ttl) end

if n > cap then
  return {0, 0}
end
return {1, cap - n}
`)
