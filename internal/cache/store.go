package cache

import (
	"context"
	"sync"

	"mailsync/internal/model"
)

// KeyPrefix 缓存键前缀
const KeyPrefix = "emails:cache:"

// Entry 上次已知的列表，以及取到该列表时分页链停在的位置。
// Cursor 为 nil 表示还没有完成过任何分页查询
type Entry struct {
	Records []model.EmailRecord
	Cursor  *model.PageCursor
}

// Store 上次已知列表的持久化缓存。读写都是尽力而为，错误只记录不返回
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, entry Entry)
}

// Key 按身份生成缓存键
func Key(identity model.Identity) string {
	return KeyPrefix + identity.Key()
}

// MemoryStore 进程内实现，Redis 未配置时使用
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	if !ok || len(entry.Records) == 0 {
		return Entry{}, false
	}
	return entry.clone(), true
}

func (s *MemoryStore) Set(_ context.Context, key string, entry Entry) {
	s.mu.Lock()
	s.data[key] = entry.clone()
	s.mu.Unlock()
}

func (e Entry) clone() Entry {
	out := Entry{Records: make([]model.EmailRecord, len(e.Records))}
	copy(out.Records, e.Records)
	if e.Cursor != nil {
		c := *e.Cursor
		c.Recent, c.Owned, c.Assigned = cloneCursor(c.Recent), cloneCursor(c.Owned), cloneCursor(c.Assigned)
		out.Cursor = &c
	}
	return out
}

func cloneCursor(c *model.Cursor) *model.Cursor {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
