package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
)

// LocalCache 进程内 TTL 缓存，未配置 Redis 时作为 storage.Cache 的替代实现
//
// 特点：
// - 支持 TTL 过期，读取时惰性淘汰
// - 后台定期清理过期条目
// - SetNX 在同一把锁内完成判断与写入
type LocalCache struct {
	mu      sync.Mutex
	data    map[string]cacheEntry
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

var _ storage.Cache = (*LocalCache)(nil)

// Option 配置 LocalCache
type Option func(*LocalCache)

// WithClock 替换时间源，便于测试过期
func WithClock(now func() time.Time) Option {
	return func(c *LocalCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewLocalCache 创建本地缓存，cleanupInterval <= 0 时不启动后台清理
func NewLocalCache(cleanupInterval time.Duration, opts ...Option) *LocalCache {
	c := &LocalCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *LocalCache) getLocked(key string) (any, bool) {
	entry, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.data, key)
		return nil, false
	}
	return entry.value, true
}

// Set 设置缓存值
func (c *LocalCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// SetNX 仅在键不存在（或已过期）时写入
func (c *LocalCache) SetNX(key string, value any, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.getLocked(key); ok {
		return false
	}
	c.data[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
	return true
}

// Delete 删除缓存值
func (c *LocalCache) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.data, key)
	}
}

// CompareAndDelete 当 key 未过期且值等于 value 时删除，返回是否删除
func (c *LocalCache) CompareAndDelete(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.getLocked(key)
	if !ok || current != value {
		return false
	}
	delete(c.data, key)
	return true
}

// Len 返回当前条目数（包括尚未清理的过期条目）
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}

func (c *LocalCache) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			delete(c.data, key)
		}
	}
}

// ========== storage.Cache ==========

// SetCode 覆盖写入 code:{address}
func (c *LocalCache) SetCode(_ context.Context, address, code string, ttl time.Duration) error {
	c.Set(storage.CodeKey(domain.NormalizeAddress(address)), code, ttl)
	return nil
}

// GetCode 读取 code:{address}
func (c *LocalCache) GetCode(_ context.Context, address string) (string, bool, error) {
	v, ok := c.Get(storage.CodeKey(domain.NormalizeAddress(address)))
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

// SetMailbox 缓存邮箱快照
func (c *LocalCache) SetMailbox(_ context.Context, snapshot domain.MailboxSnapshot, ttl time.Duration) error {
	c.Set(storage.EmailKey(domain.NormalizeAddress(snapshot.Address)), snapshot, ttl)
	return nil
}

// GetMailbox 读取邮箱快照
func (c *LocalCache) GetMailbox(_ context.Context, address string) (*domain.MailboxSnapshot, bool, error) {
	v, ok := c.Get(storage.EmailKey(domain.NormalizeAddress(address)))
	if !ok {
		return nil, false, nil
	}
	snapshot := v.(domain.MailboxSnapshot)
	return &snapshot, true, nil
}

// Forget 删除地址相关的 email:/code: 缓存
func (c *LocalCache) Forget(_ context.Context, addresses ...string) error {
	for _, address := range addresses {
		address = domain.NormalizeAddress(address)
		c.Delete(storage.EmailKey(address), storage.CodeKey(address))
	}
	return nil
}

// SetStats 缓存聚合统计
func (c *LocalCache) SetStats(_ context.Context, stats *domain.SystemStats, ttl time.Duration) error {
	clone := *stats
	c.Set(storage.StatsKey, clone, ttl)
	return nil
}

// GetStats 读取聚合统计
func (c *LocalCache) GetStats(_ context.Context) (*domain.SystemStats, bool, error) {
	v, ok := c.Get(storage.StatsKey)
	if !ok {
		return nil, false, nil
	}
	stats := v.(domain.SystemStats)
	return &stats, true, nil
}

// AcquireCheckLock 获取 lock:check:{address}
func (c *LocalCache) AcquireCheckLock(_ context.Context, address string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	if !c.SetNX(storage.LockKey(domain.NormalizeAddress(address)), token, ttl) {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseCheckLock 仅当锁仍由 token 持有时释放
func (c *LocalCache) ReleaseCheckLock(_ context.Context, address, token string) error {
	c.CompareAndDelete(storage.LockKey(domain.NormalizeAddress(address)), token)
	return nil
}

// Ping 本地缓存总是可用
func (c *LocalCache) Ping(context.Context) error { return nil }

// Close 停止后台清理
func (c *LocalCache) Close() error {
	c.stopped.Do(func() { close(c.stop) })
	return nil
}
