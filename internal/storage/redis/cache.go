package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
)

// Cache 是 storage.Cache 的 Redis 实现
type Cache struct {
	client *goredis.Client
}

var _ storage.Cache = (*Cache)(nil)

// NewCache 基于已连接的客户端创建缓存
func NewCache(client *goredis.Client) *Cache {
	return &Cache{client: client}
}

// ========== 验证码 ==========

// SetCode 覆盖写入 code:{address}
func (c *Cache) SetCode(ctx context.Context, address, code string, ttl time.Duration) error {
	return c.client.Set(ctx, storage.CodeKey(domain.NormalizeAddress(address)), code, ttl).Err()
}

// GetCode 读取 code:{address}
func (c *Cache) GetCode(ctx context.Context, address string) (string, bool, error) {
	code, err := c.client.Get(ctx, storage.CodeKey(domain.NormalizeAddress(address))).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return code, true, nil
}

// ========== 邮箱 ==========

// SetMailbox 缓存邮箱快照到 email:{address}
func (c *Cache) SetMailbox(ctx context.Context, snapshot domain.MailboxSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, storage.EmailKey(domain.NormalizeAddress(snapshot.Address)), data, ttl).Err()
}

// GetMailbox 读取邮箱快照
func (c *Cache) GetMailbox(ctx context.Context, address string) (*domain.MailboxSnapshot, bool, error) {
	data, err := c.client.Get(ctx, storage.EmailKey(domain.NormalizeAddress(address))).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var snapshot domain.MailboxSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, false, fmt.Errorf("decode cached mailbox: %w", err)
	}
	return &snapshot, true, nil
}

// Forget 删除地址相关的 email:/code: 缓存
func (c *Cache) Forget(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	keys := make([]string, 0, len(addresses)*2)
	for _, address := range addresses {
		address = domain.NormalizeAddress(address)
		keys = append(keys, storage.EmailKey(address), storage.CodeKey(address))
	}
	return c.client.Del(ctx, keys...).Err()
}

// ========== 统计 ==========

// SetStats 缓存聚合统计
func (c *Cache) SetStats(ctx context.Context, stats *domain.SystemStats, ttl time.Duration) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, storage.StatsKey, data, ttl).Err()
}

// GetStats 读取聚合统计
func (c *Cache) GetStats(ctx context.Context) (*domain.SystemStats, bool, error) {
	data, err := c.client.Get(ctx, storage.StatsKey).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var stats domain.SystemStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false, fmt.Errorf("decode cached stats: %w", err)
	}
	return &stats, true, nil
}

// ========== 轮询互斥 ==========

// releaseLockScript 只删除值等于 token 的锁
var releaseLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireCheckLock 以 SET NX EX 获取 lock:check:{address}，值为随机 token
func (c *Cache) AcquireCheckLock(ctx context.Context, address string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, storage.LockKey(domain.NormalizeAddress(address)), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseCheckLock 比较 token 后删除轮询锁
func (c *Cache) ReleaseCheckLock(ctx context.Context, address, token string) error {
	key := storage.LockKey(domain.NormalizeAddress(address))
	return releaseLockScript.Run(ctx, c.client, []string{key}, token).Err()
}

// Ping 测试 Redis 连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
