package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache 通用的 key-value 缓存，值以 JSON 序列化存储，不包含任何业务逻辑
type Cache interface {
	// Get 命中时把值反序列化到 dest 并返回 true；未命中返回 false 和 nil 错误
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("读取缓存失败 key=%s: %w", key, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("反序列化缓存失败 key=%s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存失败 key=%s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存失败 key=%s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("删除缓存失败 key=%s: %w", key, err)
	}
	return nil
}

// 缓存 key 统一在这里拼接，按用途加前缀

func MerchantQRKey(code string) string {
	return "merchant:qr:" + code
}

func MerchantIDKey(id string) string {
	return "merchant:id:" + id
}

// PaymentIdempotencyKey 幂等键只在同一个用户内唯一，所以 key 里带上用户ID
func PaymentIdempotencyKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("payment:idempotency:%s:%s", userID, idempotencyKey)
}
