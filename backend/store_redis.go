package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript performs a versioned write and maintains the lexical key index.
// It returns -1 when the expected version does not match.
var putScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local expect = tonumber(ARGV[2])
if expect >= 0 and cur ~= expect then
	return -1
end
local v = cur + 1
redis.call('HSET', KEYS[1], 'content', ARGV[1], 'version', v, 'modified_at', ARGV[3])
redis.call('ZADD', KEYS[2], 0, KEYS[1])
return v
`)

// RedisStore is a KVStore backed by Redis hashes. A sorted set indexes
// keys lexically so prefix scans avoid KEYS.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps rdb. All keys are stored under keyPrefix.
func NewRedisStore(rdb redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "wick:"
	}
	return &RedisStore{rdb: rdb, prefix: keyPrefix}
}

// DialRedisStore connects to the Redis server at addr and pings it.
func DialRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(rdb, ""), nil
}

func (s *RedisStore) index() string { return s.prefix + "index" }

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	vals, err := s.rdb.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeRecord(key, vals), nil
}

func (s *RedisStore) Put(ctx context.Context, key, content string, expect int64) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	v, err := putScript.Run(ctx, s.rdb,
		[]string{s.prefix + key, s.index()},
		content, expect, now,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	if v < 0 {
		return 0, ErrConflict
	}
	return v, nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	lo := s.prefix + prefix
	keys, err := s.rdb.ZRangeByLex(ctx, s.index(), &redis.ZRangeBy{
		Min: "[" + lo,
		Max: "[" + lo + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}

	out := make([]Record, 0, len(keys))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		out = append(out, decodeRecord(keys[i][len(s.prefix):], vals))
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func decodeRecord(key string, vals map[string]string) Record {
	v, _ := strconv.ParseInt(vals["version"], 10, 64)
	mtime, _ := strconv.ParseInt(vals["modified_at"], 10, 64)
	return Record{Key: key, Content: vals["content"], Version: v, ModifiedAt: time.Unix(0, mtime)}
}
