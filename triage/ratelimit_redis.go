package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript increments the caller's fixed-window counter atomically
// and reports whether the call is within the limit.
// KEYS[1] = counter key (caller + hour bucket)
// ARGV[1] = limit
// ARGV[2] = window TTL in seconds
var redisWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
if count > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

// RedisLimiter is a fixed-window counter shared across instances.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, limit int) *RedisLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		now:    time.Now,
	}
}

// Allow consumes one unit of the caller's hourly budget. A counter key per
// caller per clock hour keeps the window semantics identical to the in-memory
// limiter.
func (l *RedisLimiter) Allow(ctx context.Context, userID string) error {
	hour := l.now().Truncate(time.Hour).Unix()
	key := fmt.Sprintf("triage:rate:%s:%d", userID, hour)

	res, err := redisWindowScript.Run(ctx, l.client, []string{key}, l.limit, int(2*time.Hour/time.Second)).Int()
	if err != nil {
		return fmt.Errorf("triage: redis limiter: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %d per hour", ErrRateLimitExceeded, l.limit)
	}
	return nil
}
