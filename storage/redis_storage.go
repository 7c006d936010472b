package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sempo/ethworker/config"
	"github.com/sempo/ethworker/contexthelper"
)

// ErrLockNotAcquired is returned when a lock is still held by someone else
// after the acquire wait elapsed.
var ErrLockNotAcquired = errors.New("lock not acquired")

const lockPollInterval = 50 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStorage struct {
	cfg    config.RedisConfig
	client *redis.Client
}

func NewRedisStorage(cfg config.RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return NewRedisStorageWithClient(cfg, client), nil
}

func NewRedisStorageWithClient(cfg config.RedisConfig, client *redis.Client) *RedisStorage {
	return &RedisStorage{
		cfg:    cfg,
		client: client,
	}
}

// Acquire takes the lock named key for ttl, polling for up to wait while it is
// held elsewhere. The returned release only deletes the key if this caller
// still owns it.
func (r *RedisStorage) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (func(context.Context) error, error) {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return nil, err
	}
	lockKey := "lock:" + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("fail to set lock %s, err: %w", lockKey, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", lockKey, ErrLockNotAcquired)
		}
		if err := contexthelper.Sleep(ctx, lockPollInterval); err != nil {
			return nil, err
		}
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("fail to release lock %s, err: %w", lockKey, err)
		}
		return nil
	}
	return release, nil
}

func (r *RedisStorage) Client() *redis.Client {
	return r.client
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
