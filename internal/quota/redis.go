package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/search-aggregator/internal/model"
)

// counterTTL keeps a counter hash around for two windows.
const counterTTL = 48 * time.Hour

// RedisStore is a CounterStore backed by one Redis hash per identity. Each
// mutation runs as a Lua script so rollover and increment are atomic.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to addr. An empty addr yields an error.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, eris.New("redis: addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "redis: ping %s", addr)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func redisKey(key model.QuotaKey) string {
	return fmt.Sprintf("quota:%s:%s:%s", key.Kind, key.Identity, key.Service)
}

var counterFields = []string{"count", "limit", "window", "violations", "blocked_until"}

// KEYS[1]=hash ARGV[1]=limit ARGV[2]=window ARGV[3]=ttl ms
var incrementScript = redis.NewScript(`
local w = redis.call('HGET', KEYS[1], 'window')
if w == ARGV[2] then
	redis.call('HINCRBY', KEYS[1], 'count', 1)
else
	redis.call('HSET', KEYS[1], 'count', 1, 'window', ARGV[2])
end
redis.call('HSET', KEYS[1], 'limit', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return redis.call('HMGET', KEYS[1], 'count', 'limit', 'window', 'violations', 'blocked_until')
`)

// KEYS[1]=hash ARGV[1]=limit ARGV[2]=window ARGV[3]=blocked_until ms ARGV[4]=ttl ms
var violationScript = redis.NewScript(`
local w = redis.call('HGET', KEYS[1], 'window')
if w ~= ARGV[2] then
	redis.call('HSET', KEYS[1], 'count', 0, 'window', ARGV[2])
end
redis.call('HINCRBY', KEYS[1], 'violations', 1)
redis.call('HSET', KEYS[1], 'limit', ARGV[1], 'blocked_until', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('HMGET', KEYS[1], 'count', 'limit', 'window', 'violations', 'blocked_until')
`)

// KEYS[1]=hash ARGV[1]=window
var resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'count', 0, 'window', ARGV[1])
	redis.call('HDEL', KEYS[1], 'blocked_until')
end
return 1
`)

func (s *RedisStore) GetCounter(ctx context.Context, key model.QuotaKey) (*model.QuotaCounter, error) {
	vals, err := s.rdb.HMGet(ctx, redisKey(key), counterFields...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: get counter")
	}
	c, err := parseRedisCounter(key, vals)
	return c, eris.Wrap(err, "redis: get counter")
}

func (s *RedisStore) IncrementCounter(ctx context.Context, key model.QuotaKey, limit int, window time.Time) (*model.QuotaCounter, error) {
	vals, err := incrementScript.Run(ctx, s.rdb, []string{redisKey(key)},
		limit, window.Format(dateLayout), counterTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, eris.Wrap(err, "redis: increment counter")
	}
	c, err := parseRedisCounter(key, vals)
	return c, eris.Wrap(err, "redis: increment counter")
}

func (s *RedisStore) RecordViolation(ctx context.Context, key model.QuotaKey, limit int, window time.Time, blockedUntil time.Time) (*model.QuotaCounter, error) {
	ttl := max(counterTTL, time.Until(blockedUntil)+time.Hour)
	vals, err := violationScript.Run(ctx, s.rdb, []string{redisKey(key)},
		limit, window.Format(dateLayout), blockedUntil.UnixMilli(), ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, eris.Wrap(err, "redis: record violation")
	}
	c, err := parseRedisCounter(key, vals)
	return c, eris.Wrap(err, "redis: record violation")
}

func (s *RedisStore) ResetCounter(ctx context.Context, key model.QuotaKey, window time.Time) error {
	err := resetScript.Run(ctx, s.rdb, []string{redisKey(key)}, window.Format(dateLayout)).Err()
	return eris.Wrap(err, "redis: reset counter")
}

// parseRedisCounter decodes an HMGET reply ordered as counterFields. A reply
// with no window means the hash does not exist.
func parseRedisCounter(key model.QuotaKey, vals []any) (*model.QuotaCounter, error) {
	if len(vals) != len(counterFields) {
		return nil, eris.Errorf("unexpected reply length %d", len(vals))
	}
	str := func(i int) string {
		s, _ := vals[i].(string)
		return s
	}
	if str(2) == "" {
		return nil, nil
	}

	c := &model.QuotaCounter{Key: key}
	var err error
	if c.RequestCount, err = atoiOrZero(str(0)); err != nil {
		return nil, eris.Wrap(err, "parse count")
	}
	if c.DailyLimit, err = atoiOrZero(str(1)); err != nil {
		return nil, eris.Wrap(err, "parse limit")
	}
	if c.WindowStart, err = time.Parse(dateLayout, str(2)); err != nil {
		return nil, eris.Wrap(err, "parse window")
	}
	if c.Violations, err = atoiOrZero(str(3)); err != nil {
		return nil, eris.Wrap(err, "parse violations")
	}
	if b := str(4); b != "" {
		ms, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return nil, eris.Wrap(err, "parse blocked_until")
		}
		until := time.UnixMilli(ms).UTC()
		c.BlockedUntil = &until
	}
	return c, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
