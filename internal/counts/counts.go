package counts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsync/config"
	"mailsync/internal/folder"
	"mailsync/internal/model"
	"mailsync/pkg/metrics"
)

// Source 返回当前内存中的完整列表
type Source func() []model.EmailRecord

// RemoteCounter 文档库的 COUNT(*) 聚合，只给诊断接口用
type RemoteCounter interface {
	CountFolder(ctx context.Context, folder model.Folder, identity model.Identity) (int, error)
}

type entry struct {
	value     int
	expiresAt time.Time
}

// Cache 文件夹计数的 TTL 缓存，键为 folder|identity
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	gen     uint64 // 每次 Invalidate 递增
	source  Source
	policy  config.SyncPolicy
	now     func() time.Time
}

func New(source Source, policy config.SyncPolicy) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		source:  source,
		policy:  policy,
		now:     time.Now,
	}
}

// WithClock 测试用
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// CountFor 命中则返回缓存值，否则对内存列表做分类计数
func (c *Cache) CountFor(f model.Folder, identity model.Identity) int {
	key := string(f) + "|" + identity.Key()
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value
	}
	gen := c.gen
	c.mu.Unlock()

	n := folder.Count(c.source(), f, identity, now, c.policy)

	c.mu.Lock()
	// 计算期间列表被改过，结果可能已过时，不缓存
	if c.gen == gen {
		c.entries[key] = entry{value: n, expiresAt: now.Add(c.policy.CountTTL)}
	}
	c.mu.Unlock()
	return n
}

// Invalidate 列表任何变更后调用
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// RemoteCount 走文档库聚合查询
func RemoteCount(ctx context.Context, counter RemoteCounter, f model.Folder, identity model.Identity) (int, error) {
	start := time.Now()
	n, err := counter.CountFolder(ctx, f, identity)
	metrics.RecordFetch("remote_count", identity.Scope(), err, time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("remote count %s: %w", f, err)
	}
	return n, nil
}
