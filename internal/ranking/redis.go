package ranking

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/contestboard/internal/domain"
	"github.com/victornm/contestboard/internal/errors"
)

// incrementScript refuses the increment when the sealed marker exists, so an increment either
// lands before the archival snapshot or fails.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('ZINCRBY', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// creditScript is incrementScript applied once per credit ID. The credits hash keeps
// "<delta>:<created>" per ID, created being 1 when the credit added the user to the table.
var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
if redis.call('HEXISTS', KEYS[3], ARGV[3]) == 1 then
	return 1
end
local created = 0
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	created = 1
end
redis.call('HSET', KEYS[3], ARGV[3], ARGV[1] .. ':' .. created)
redis.call('ZINCRBY', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var revokeScript = redis.NewScript(`
local credit = redis.call('HGET', KEYS[2], ARGV[2])
if not credit then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[2])
local sep = string.find(credit, ':', 1, true)
local delta = tonumber(string.sub(credit, 1, sep - 1))
local created = string.sub(credit, sep + 1)
local score = tonumber(redis.call('ZINCRBY', KEYS[1], -delta, ARGV[1]))
if created == '1' and score == 0 then
	redis.call('ZREM', KEYS[1], ARGV[1])
end
return 1
`)

// topScript returns the top n members with scores, best first, except that members tied with the
// n-th entry come in ascending member order. The tie is read with a LIMIT from the boundary
// score, so the reply never exceeds n members however large the tie is.
var topScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local top = redis.call('ZREVRANGE', KEYS[1], 0, n - 1, 'WITHSCORES')
if #top < 2 * n then
	return top
end
local boundary = top[2 * n]
local above = redis.call('ZCOUNT', KEYS[1], '(' .. boundary, '+inf')
local ties = redis.call('ZRANGEBYSCORE', KEYS[1], boundary, boundary, 'WITHSCORES', 'LIMIT', 0, n - above)
local res = {}
for i = 1, 2 * above do
	res[#res + 1] = top[i]
end
for i = 1, #ties do
	res[#res + 1] = ties[i]
end
return res
`)

type RedisConfig struct {
	Redis  redis.UniversalClient
	Prefix string
}

// RedisStore keeps each contest in a sorted set keyed <prefix>:{<contest>}:leaderboard.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(c RedisConfig) *RedisStore {
	return &RedisStore{
		redis:  c.Redis,
		prefix: c.Prefix,
	}
}

func (s *RedisStore) Increment(ctx context.Context, contestID, userID string, delta int64) error {
	if err := validateIncrement(contestID, userID, delta); err != nil {
		return err
	}

	ok, err := incrementScript.Run(ctx, s.redis,
		[]string{s.leaderboardKey(contestID), s.sealedKey(contestID)},
		delta, userID,
	).Int()
	if err != nil {
		return errors.Unavailable(fmt.Errorf("ranking: increment: %w", err))
	}

	if ok == 0 {
		return ErrSealed
	}

	return nil
}

func (s *RedisStore) Credit(ctx context.Context, contestID, userID, creditID string, delta int64) error {
	if err := validateCredit(contestID, userID, creditID, delta); err != nil {
		return err
	}

	ok, err := creditScript.Run(ctx, s.redis,
		[]string{s.leaderboardKey(contestID), s.sealedKey(contestID), s.creditsKey(contestID)},
		delta, userID, creditID,
	).Int()
	if err != nil {
		return errors.Unavailable(fmt.Errorf("ranking: credit: %w", err))
	}

	if ok == 0 {
		return ErrSealed
	}

	return nil
}

func (s *RedisStore) Revoke(ctx context.Context, contestID, userID, creditID string) error {
	err := revokeScript.Run(ctx, s.redis,
		[]string{s.leaderboardKey(contestID), s.creditsKey(contestID)},
		userID, creditID,
	).Err()
	if err != nil {
		return errors.Unavailable(fmt.Errorf("ranking: revoke: %w", err))
	}

	return nil
}

func (s *RedisStore) TopN(ctx context.Context, contestID string, n int) ([]domain.RankedEntry, error) {
	key := s.leaderboardKey(contestID)

	if n <= 0 {
		res, err := s.redis.ZRevRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, errors.Unavailable(fmt.Errorf("ranking: top: %w", err))
		}
		return assignRanks(toEntries(res), 0), nil
	}

	reply, err := topScript.Run(ctx, s.redis, []string{key}, n).Slice()
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("ranking: top %d: %w", n, err))
	}

	entries, err := parseEntries(reply)
	if err != nil {
		return nil, fmt.Errorf("ranking: top %d: %w", n, err)
	}

	return assignRanks(entries, n), nil
}

func (s *RedisStore) Exists(ctx context.Context, contestID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.leaderboardKey(contestID)).Result()
	if err != nil {
		return false, errors.Unavailable(fmt.Errorf("ranking: exists: %w", err))
	}

	return n > 0, nil
}

func (s *RedisStore) Remove(ctx context.Context, contestID string) error {
	if err := s.redis.Del(ctx, s.leaderboardKey(contestID), s.creditsKey(contestID)).Err(); err != nil {
		return errors.Unavailable(fmt.Errorf("ranking: remove: %w", err))
	}

	return nil
}

func (s *RedisStore) Seal(ctx context.Context, contestID string) error {
	if err := s.redis.Set(ctx, s.sealedKey(contestID), 1, SealTTL).Err(); err != nil {
		return errors.Unavailable(fmt.Errorf("ranking: seal: %w", err))
	}

	return nil
}

func toEntries(zs []redis.Z) []domain.RankedEntry {
	entries := make([]domain.RankedEntry, 0, len(zs))
	for _, z := range zs {
		entries = append(entries, domain.RankedEntry{
			UserID: z.Member.(string),
			Points: int64(math.Round(z.Score)),
		})
	}
	return entries
}

// parseEntries reads a flat member, score, member, score... reply.
func parseEntries(reply []any) ([]domain.RankedEntry, error) {
	if len(reply)%2 != 0 {
		return nil, fmt.Errorf("odd reply length %d", len(reply))
	}

	entries := make([]domain.RankedEntry, 0, len(reply)/2)
	for i := 0; i < len(reply); i += 2 {
		member, ok := reply[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member %T", reply[i])
		}
		raw, ok := reply[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected score %T", reply[i+1])
		}
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse score of %s: %w", member, err)
		}

		entries = append(entries, domain.RankedEntry{
			UserID: member,
			Points: int64(math.Round(score)),
		})
	}
	return entries, nil
}

// Keys share the {contest} hash tag so the increment script stays on one cluster slot.
func (s *RedisStore) leaderboardKey(contest string) string {
	return fmt.Sprintf("%s:{%s}:leaderboard", s.prefix, contest)
}

func (s *RedisStore) sealedKey(contest string) string {
	return fmt.Sprintf("%s:{%s}:sealed", s.prefix, contest)
}

func (s *RedisStore) creditsKey(contest string) string {
	return fmt.Sprintf("%s:{%s}:credits", s.prefix, contest)
}
