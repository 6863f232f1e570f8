package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/contestboard/internal/errors"
)

const DefaultMaxPerChallenge = 20

// consumeScript increments the counter only while it is below the cap.
// ARGV[2] > 0 sets a TTL in milliseconds on the first consumption.
var consumeScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
	return 0
end
n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// Max is the number of accepted submissions per user and challenge. Defaults to DefaultMaxPerChallenge.
	Max int
	// TTL bounds how long a counter is kept, rounded up to the millisecond; zero keeps it forever.
	TTL time.Duration
}

// Limiter caps submissions per (user, challenge). Counters live in Redis so the cap holds
// across restarts and across server instances.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	max    int
	ttl    time.Duration
}

func New(c Config) *Limiter {
	if c.Max <= 0 {
		c.Max = DefaultMaxPerChallenge
	}

	return &Limiter{
		redis:  c.Redis,
		prefix: c.Prefix,
		max:    c.Max,
		ttl:    c.TTL,
	}
}

// Max returns the configured cap.
func (l *Limiter) Max() int {
	return l.max
}

// TryConsume takes one submission slot and reports whether it was available.
func (l *Limiter) TryConsume(ctx context.Context, userID, challengeID string) (bool, error) {
	ok, err := consumeScript.Run(ctx, l.redis,
		[]string{l.key(userID, challengeID)},
		l.max, ttlMillis(l.ttl),
	).Int()
	if err != nil {
		return false, errors.Unavailable(fmt.Errorf("ratelimit: consume: %w", err))
	}

	return ok == 1, nil
}

func (l *Limiter) key(user, challenge string) string {
	return fmt.Sprintf("%s:submissions:%s:%s", l.prefix, user, challenge)
}

func ttlMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}
