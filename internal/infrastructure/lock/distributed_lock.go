package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 基于 Redis 的分布式锁
// ============================================================================
//
// 多副本部署时，后台任务（消息投递、流水对账）每一轮都先抢锁，
// 同一时刻只有一个副本在跑同一个任务。
//
// 注意：支付链路本身不依赖这把锁。会话幂等靠数据库唯一索引，
// 扣款互斥靠数据库行锁，锁丢了也不会造成重复扣款。
//
// 加锁：SET key value NX PX ttl
// 释放：Lua 脚本先比对 value 再删除，避免误删别人的锁
//
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string // 锁持有者标识
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewJobLock 后台任务锁，key 形如 job:lock:<任务名>
func NewJobLock(client *redis.Client, jobName, owner string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, "job:lock:"+jobName, owner, expiration)
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，锁已经不属于自己时什么都不做
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}
