package cache

import (
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 读多写少，使用 RWMutex
// - 支持 TTL 过期
// - 容量达到上限时淘汰最早过期的条目
// - 后台定期清理，可通过 Stop 结束
type LocalCache struct {
	mu      sync.RWMutex
	data    map[string]cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数
//   - ttl: 默认过期时间
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	c := &LocalCache{
		data:    make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop(time.Minute)
	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxSize {
		c.evictLocked(now)
	}
	c.data[key] = cacheEntry{value: value, expiresAt: now.Add(ttl)}
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Clear 清空所有缓存
func (c *LocalCache) Clear() {
	c.mu.Lock()
	c.data = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len 当前条目数（包括尚未清理的过期条目）
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Stop 停止后台清理
func (c *LocalCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// evictLocked 先清理过期条目，仍然超限时淘汰最早过期的一条
func (c *LocalCache) evictLocked(now time.Time) {
	c.purgeLocked(now)
	if len(c.data) < c.maxSize {
		return
	}
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.data {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey, oldest = key, entry.expiresAt
		}
	}
	delete(c.data, oldestKey)
}

func (c *LocalCache) purgeLocked(now time.Time) {
	for key, entry := range c.data {
		if now.After(entry.expiresAt) {
			delete(c.data, key)
		}
	}
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.purgeLocked(c.now())
			c.mu.Unlock()
		}
	}
}
