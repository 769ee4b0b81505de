package governor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

// consumeScript rolls and checks every window before incrementing any, so
// concurrent schedulers sharing one Redis never push consumed past limit.
//
// KEYS: one hash per window. ARGV[1]: now in ms, then (length ms, limit)
// pairs in KEYS order.
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local starts = {}
local counts = {}
for i = 1, #KEYS do
  local len = tonumber(ARGV[2 * i])
  local limit = tonumber(ARGV[2 * i + 1])
  local start = now - (now % len)
  local consumed = 0
  local vals = redis.call('HMGET', KEYS[i], 'start', 'consumed')
  if vals[1] and tonumber(vals[1]) >= start then
    start = tonumber(vals[1])
    consumed = tonumber(vals[2]) or 0
  end
  if consumed >= limit then
    return 0
  end
  starts[i] = start
  counts[i] = consumed
end
for i = 1, #KEYS do
  redis.call('HSET', KEYS[i], 'start', starts[i], 'consumed', counts[i] + 1)
  redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[2 * i]) * 2)
end
return 1
`)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func budgetRedisKey(kind model.Kind, scope model.Scope) string {
	return fmt.Sprintf("ratebudget:%s:%s", kind, scope)
}

func (s *RedisStore) Snapshot(ctx context.Context, kind model.Kind, windows []Window, now time.Time) ([]model.RateBudget, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(windows))
	for i, w := range windows {
		cmds[i] = pipe.HMGet(ctx, budgetRedisKey(kind, w.Scope), "start", "consumed")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]model.RateBudget, 0, len(windows))
	for i, w := range windows {
		start := WindowStart(now, w.Scope)
		b := model.RateBudget{Kind: kind, Scope: w.Scope, Limit: w.Limit, WindowStart: start}

		vals := cmds[i].Val()
		storedStart, okStart := parseInt(vals, 0)
		consumed, _ := parseInt(vals, 1)
		if okStart && storedStart >= start.UnixMilli() {
			b.WindowStart = time.UnixMilli(storedStart).UTC()
			b.Consumed = int(consumed)
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *RedisStore) Consume(ctx context.Context, kind model.Kind, windows []Window, now time.Time) (bool, error) {
	keys := make([]string, 0, len(windows))
	args := make([]any, 0, 1+2*len(windows))
	args = append(args, now.UnixMilli())
	for _, w := range windows {
		keys = append(keys, budgetRedisKey(kind, w.Scope))
		args = append(args, w.Scope.Length().Milliseconds(), w.Limit)
	}

	res, err := consumeScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func parseInt(vals []any, i int) (int64, bool) {
	if i >= len(vals) || vals[i] == nil {
		return 0, false
	}
	str, ok := vals[i].(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
