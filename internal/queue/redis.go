package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultKey = "relay:deliveries:due"

// claimScript pops up to ARGV[2] members scored at or below ARGV[1] in one step,
// so two workers never claim the same job.
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #items > 0 then
  redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`)

// Redis is a durable Queue on a sorted set scored by due time in unix milliseconds.
type Redis struct {
	rdb *redis.Client
	key string
}

func NewRedis(rdb *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{rdb: rdb, key: key}
}

// NewRedisFromURL parses a redis:// URL and pings the server.
func NewRedisFromURL(ctx context.Context, url, key string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, key), nil
}

func (q *Redis) Client() *redis.Client { return q.rdb }

func (q *Redis) Enqueue(ctx context.Context, job Job, due time.Time) error {
	member, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(due.UnixMilli()), Member: string(member)}).Err()
}

func (q *Redis) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := claimScript.Run(ctx, q.rdb, []string{q.key}, strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(res))
	for _, m := range res {
		var j Job
		if err := json.Unmarshal([]byte(m), &j); err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	return int(n), err
}
