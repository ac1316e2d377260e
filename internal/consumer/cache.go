package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-datum/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss means the key is not cached.
var ErrCacheMiss = errors.New("cache miss")

// KVStore is a key/value store; tests swap Redis out for a fake.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore is a KVStore backed by go-redis.
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// LatestCache keeps the latest datum of every source in a KVStore so other
// processes can read it.
type LatestCache struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewLatestCache 创建最新值缓存，键为 {prefix}{sourceId}
func NewLatestCache(kv KVStore, prefix string, ttl time.Duration, logger *zap.Logger) *LatestCache {
	return &LatestCache{kv: kv, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *LatestCache) key(sourceID string) string {
	return c.prefix + sourceID
}

// Accept implements queue.Consumer.
func (c *LatestCache) Accept(d *models.Datum) error {
	data, err := json.Marshal(d.ToMessage())
	if err != nil {
		return fmt.Errorf("failed to marshal datum: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.kv.Set(ctx, c.key(d.SourceID), string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to cache latest datum: %w", err)
	}
	return nil
}

// Get 读取缓存的最新数据，不存在时返回 ErrCacheMiss
func (c *LatestCache) Get(ctx context.Context, sourceID string) (*models.Datum, error) {
	raw, err := c.kv.Get(ctx, c.key(sourceID))
	if err != nil {
		return nil, err
	}
	return models.ParseDatumJSON([]byte(raw))
}
