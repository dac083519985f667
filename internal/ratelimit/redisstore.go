package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore shares bucket state across processes through plain Redis
// key/value snapshots; bucket state has no ordering requirement, only
// freshness, so streams would be overkill.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix, ttl: 10 * time.Minute}
}

func (s *RedisStore) Load(key string) (BucketState, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return BucketState{}, false, nil
	}
	if err != nil {
		zap.L().Warn("ratelimit: redis store load failed", zap.String("key", key), zap.Error(err))
		return BucketState{}, false, err
	}

	var st BucketState
	if err := json.Unmarshal(raw, &st); err != nil {
		return BucketState{}, false, err
	}
	return st, true, nil
}

// TryLock takes a SET NX lock with a short TTL so a crashed holder cannot
// wedge the fleet; unlock deletes the lock key eagerly.
func (s *RedisStore) TryLock(key string) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lockKey := s.prefix + "lock:" + key
	ok, err := s.client.SetNX(ctx, lockKey, 1, 5*time.Second).Result()
	if err != nil {
		zap.L().Warn("ratelimit: redis store lock failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.client.Del(ctx, lockKey).Err()
	}, nil
}

func (s *RedisStore) Save(key string, state BucketState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		zap.L().Warn("ratelimit: redis store save failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
