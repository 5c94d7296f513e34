package enrollgate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisCounterKey              = "enrollgate:counter"
	redisCounterOperationTimeout = 5 * time.Second
)

// decrementFloorScript applies the decrement with its zero floor in a
// single server-side step, matching the atomicity contract of the
// Postgres backend.
var decrementFloorScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], 'count', -1)
if v < 0 then
  redis.call('HSET', KEYS[1], 'count', 0)
  v = 0
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return v
`)

// RedisCounterStore keeps the counter record in a Redis hash, using
// HINCRBY for the increment path and a small Lua script for the
// floored decrement.
type RedisCounterStore struct {
	client       *redis.Client
	key          string
	defaultLimit int

	initOnce sync.Once
	initErr  error
}

func NewRedisCounterStore(dsn string, defaultLimit int) (*RedisCounterStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	if defaultLimit < 0 {
		defaultLimit = 0
	}
	return &RedisCounterStore{
		client:       redis.NewClient(opts),
		key:          redisCounterKey,
		defaultLimit: defaultLimit,
	}, nil
}

func (s *RedisCounterStore) ReadCountAndLimit(ctx context.Context) (CounterSnapshot, error) {
	if s == nil {
		return CounterSnapshot{}, ErrStoreUnavailable
	}
	if err := s.ensureReady(ctx); err != nil {
		return CounterSnapshot{}, storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisCounterOperationTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return CounterSnapshot{}, storeFailure(err)
	}
	snapshot := CounterSnapshot{}
	if snapshot.Count, err = strconv.Atoi(fields["count"]); err != nil {
		return CounterSnapshot{}, storeFailure(err)
	}
	if snapshot.Limit, err = strconv.Atoi(fields["limit"]); err != nil {
		return CounterSnapshot{}, storeFailure(err)
	}
	if unix, parseErr := strconv.ParseInt(fields["updated_at"], 10, 64); parseErr == nil {
		snapshot.LastUpdated = time.Unix(unix, 0).UTC()
	}
	return snapshot, nil
}

func (s *RedisCounterStore) Increment(ctx context.Context) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	if err := s.ensureReady(ctx); err != nil {
		return storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisCounterOperationTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, s.key, "count", 1)
	pipe.HSet(ctx, s.key, "updated_at", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *RedisCounterStore) Decrement(ctx context.Context) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	if err := s.ensureReady(ctx); err != nil {
		return storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisCounterOperationTimeout)
	defer cancel()

	if err := decrementFloorScript.Run(ctx, s.client, []string{s.key}, time.Now().Unix()).Err(); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *RedisCounterStore) UpdateLimit(ctx context.Context, newLimit int) error {
	if newLimit < 0 {
		return ErrInvalidInput
	}
	if s == nil {
		return ErrStoreUnavailable
	}
	if err := s.ensureReady(ctx); err != nil {
		return storeFailure(err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisCounterOperationTimeout)
	defer cancel()

	if err := s.client.HSet(ctx, s.key, "limit", newLimit, "updated_at", time.Now().Unix()).Err(); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *RedisCounterStore) Ping(ctx context.Context) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, redisCounterOperationTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeFailure(err)
	}
	return nil
}

func (s *RedisCounterStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ensureReady seeds the hash on first use: the count field is created
// only if absent (a racing initializer keeps the existing value) while
// the limit is reconciled to the configured default, last writer wins.
func (s *RedisCounterStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		initCtx, cancel := context.WithTimeout(ctx, redisCounterOperationTimeout)
		defer cancel()
		if err := s.client.HSetNX(initCtx, s.key, "count", 0).Err(); err != nil {
			s.initErr = err
			return
		}
		s.initErr = s.client.HSet(initCtx, s.key, "limit", s.defaultLimit, "updated_at", time.Now().Unix()).Err()
	})
	return s.initErr
}
