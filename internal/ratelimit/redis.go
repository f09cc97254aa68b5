package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingLogScript prunes, counts and records in one step so concurrent
// checks on a key cannot both take the last slot.
//
// Scores older than now-window are removed; a score equal to it still counts.
//
// KEYS[1] sorted set of request timestamps (ms)
// ARGV[1] now ms, ARGV[2] window ms, ARGV[3] limit, ARGV[4] member
const slidingLogScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', string.format('(%d', now - window))
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if oldest[2] == nil then
    return {0, count, now}
  end
  return {0, count, tonumber(oldest[2])}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window + 1)
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {1, count + 1, tonumber(oldest[2])}
`

var slidingLogLua = redis.NewScript(slidingLogScript)

// Redis is the shared backend for multi-instance deployments.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

func (r *Redis) Allow(ctx context.Context, key string, rule Rule) (Result, error) {
	now := r.now()
	nowMS := now.UnixMilli()
	member := strconv.FormatInt(nowMS, 10) + "-" + uuid.NewString()

	vals, err := slidingLogLua.Run(ctx, r.rdb, []string{r.prefix + key},
		nowMS, rule.Window.Milliseconds(), rule.Limit, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, vals)
	}

	res := Result{
		Allowed: vals[0] == 1,
		Limit:   rule.Limit,
		ResetAt: time.UnixMilli(vals[2]).Add(rule.Window + resolution),
	}
	if res.Allowed {
		res.Remaining = rule.Limit - int(vals[1])
	} else {
		res.RetryAfter = res.ResetAt.Sub(now)
	}
	return res, nil
}
