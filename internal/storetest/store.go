// Package storetest 提供文档库的内存实现，供各包测试使用
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mailsync/config"
	"mailsync/internal/folder"
	"mailsync/internal/model"
	"mailsync/internal/normalize"
	"mailsync/pkg/util"
)

// Patch 记录一次 PatchDocument 调用
type Patch struct {
	ID         string
	Fields     map[string]any
	RoutingKey string
	Source     string
}

type Store struct {
	mu      sync.Mutex
	docs    map[string]model.Document
	fail    map[string]error
	calls   map[string]int
	patches []Patch
}

func New() *Store {
	return &Store{
		docs:  make(map[string]model.Document),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// Put 写入文档，createdAt 同时作为索引列
func (s *Store) Put(raw model.RawRecord, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := raw["id"].(string)
	cp := copyRaw(raw)
	if _, ok := cp["createdAt"]; !ok {
		cp["createdAt"] = createdAt.UTC().Format(time.RFC3339Nano)
	}
	s.docs[id] = model.Document{ID: id, CreatedAt: createdAt.UTC(), Raw: cp}
}

// FailOn 指定操作返回错误，err 为 nil 时取消
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Calls 操作调用次数
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Patches 所有 PatchDocument 调用
func (s *Store) Patches() []Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Patch(nil), s.patches...)
}

// Raw 返回文档当前内容
func (s *Store) Raw(id string) model.RawRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRaw(s.docs[id].Raw)
}

func (s *Store) ListRecent(_ context.Context, limit int, after *model.Cursor) ([]model.Document, error) {
	return s.list("ListRecent", limit, after, func(model.Document) bool { return true })
}

func (s *Store) ListByField(_ context.Context, field model.ScopeField, value string, limit int, after *model.Cursor) ([]model.Document, error) {
	key := "ownerId"
	if field == model.FieldAssignee {
		key = "assignedTo"
	}
	return s.list("ListByField:"+string(field), limit, after, func(d model.Document) bool {
		v, _ := d.Raw[key].(string)
		return strings.EqualFold(v, value)
	})
}

func (s *Store) ListScheduled(_ context.Context, scope string, limit int) ([]model.Document, error) {
	return s.list("ListScheduled", limit, nil, func(d model.Document) bool {
		if t, _ := d.Raw["type"].(string); t != string(model.TypeScheduled) {
			return false
		}
		if scope == "" {
			return true
		}
		owner, _ := d.Raw["ownerId"].(string)
		assignee, _ := d.Raw["assignedTo"].(string)
		return strings.EqualFold(owner, scope) || strings.EqualFold(assignee, scope)
	})
}

func (s *Store) GetDocument(_ context.Context, id string) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetDocument"]++
	if err := s.fail["GetDocument"]; err != nil {
		return model.Document{}, err
	}
	d, ok := s.docs[id]
	if !ok {
		return model.Document{}, fmt.Errorf("%w: %s", util.ErrNotFound, id)
	}
	return cloneDoc(d), nil
}

func (s *Store) ListReconcileCandidates(_ context.Context, afterID string, limit int) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["ListReconcileCandidates"]++
	if err := s.fail["ListReconcileCandidates"]; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.docs))
	for id, d := range s.docs {
		deleted, _ := d.Raw["deleted"].(bool)
		typ, _ := d.Raw["type"].(string)
		status, _ := d.Raw["status"].(string)
		if deleted || id <= afterID || (typ != "scheduled" && status != "sending") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneDoc(s.docs[id]))
	}
	return out, nil
}

func (s *Store) PatchDocument(_ context.Context, id string, patch map[string]any, routingKey, source string) (model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["PatchDocument"]++
	if err := s.fail["PatchDocument"]; err != nil {
		return model.Document{}, err
	}
	d, ok := s.docs[id]
	if !ok {
		return model.Document{}, fmt.Errorf("%w: %s", util.ErrNotFound, id)
	}
	for k, v := range patch {
		d.Raw[k] = v
	}
	s.docs[id] = d
	s.patches = append(s.patches, Patch{ID: id, Fields: copyRaw(patch), RoutingKey: routingKey, Source: source})
	return cloneDoc(d), nil
}

// SetStarred 与仓库实现一致，走 PatchDocument
func (s *Store) SetStarred(ctx context.Context, id string, starred bool) (model.Document, error) {
	return s.PatchDocument(ctx, id, map[string]any{"starred": starred}, "email.changed", "api")
}

func (s *Store) SoftDelete(ctx context.Context, id string) (model.Document, error) {
	return s.PatchDocument(ctx, id, map[string]any{"deleted": true}, "email.changed", "api")
}

func (s *Store) SetStatus(ctx context.Context, id string, status model.Status) (model.Document, error) {
	routingKey := "email.changed"
	if status.IsDelivered() {
		routingKey = "email.status.sent"
	}
	return s.PatchDocument(ctx, id, map[string]any{"status": string(status)}, routingKey, "api")
}

// Delete 直接删除文档，模拟其他客户端的硬删除
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

// CountFolder 用分类器在全部文档上计数
func (s *Store) CountFolder(_ context.Context, f model.Folder, identity model.Identity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CountFolder"]++
	if err := s.fail["CountFolder"]; err != nil {
		return 0, err
	}
	now := time.Now()
	records := make([]model.EmailRecord, 0, len(s.docs))
	for _, d := range s.docs {
		records = append(records, normalize.Normalize(d.Raw, now))
	}
	return folder.Count(records, f, identity, now, config.DefaultSyncPolicy()), nil
}

func (s *Store) list(op string, limit int, after *model.Cursor, keep func(model.Document) bool) ([]model.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if err := s.fail[op]; err != nil {
		return nil, err
	}

	all := make([]model.Document, 0, len(s.docs))
	for _, d := range s.docs {
		if keep(d) {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return newer(all[i].Cursor(), all[j].Cursor()) })

	out := []model.Document{}
	for _, d := range all {
		if after != nil && !newer(*after, d.Cursor()) {
			continue
		}
		out = append(out, cloneDoc(d))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// newer a 排在 b 之前（created_at DESC, id DESC）
func newer(a, b model.Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func cloneDoc(d model.Document) model.Document {
	d.Raw = copyRaw(d.Raw)
	return d
}

func copyRaw(raw map[string]any) model.RawRecord {
	out := make(model.RawRecord, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}
