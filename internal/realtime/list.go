package realtime

import (
	"sync"

	"mailsync/internal/model"
)

// EmailList 会话内的邮件列表，按 id 唯一。所有实时流与显式变更都在这里汇合
type EmailList struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]model.EmailRecord
}

func NewEmailList() *EmailList {
	return &EmailList{byID: make(map[string]model.EmailRecord)}
}

// Upsert 按 id 覆盖（last-write-wins），返回新增的条数
func (l *EmailList) Upsert(records ...model.EmailRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := l.byID[rec.ID]; !ok {
			l.order = append(l.order, rec.ID)
			added++
		}
		l.byID[rec.ID] = rec
	}
	return added
}

// Update 对已存在的记录执行 fn，记录不存在返回 false
func (l *EmailList) Update(id string, fn func(*model.EmailRecord)) (model.EmailRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byID[id]
	if !ok {
		return model.EmailRecord{}, false
	}
	fn(&rec)
	l.byID[id] = rec
	return rec, true
}

// Remove 移除记录
func (l *EmailList) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[id]; !ok {
		return false
	}
	delete(l.byID, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear 清空，权限错误时使用
func (l *EmailList) Clear() {
	l.mu.Lock()
	l.order = nil
	l.byID = make(map[string]model.EmailRecord)
	l.mu.Unlock()
}

// Snapshot 按插入顺序返回副本
func (l *EmailList) Snapshot() []model.EmailRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.EmailRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

func (l *EmailList) Get(id string) (model.EmailRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[id]
	return rec, ok
}

func (l *EmailList) Has(id string) bool {
	_, ok := l.Get(id)
	return ok
}

func (l *EmailList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}
