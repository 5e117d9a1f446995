package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"mailsync/config"
	"mailsync/internal/model"
	"mailsync/internal/normalize"
	"mailsync/pkg/metrics"
	"mailsync/pkg/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Querier 文档库的只读查询
type Querier interface {
	ListRecent(ctx context.Context, limit int, after *model.Cursor) ([]model.Document, error)
	ListByField(ctx context.Context, field model.ScopeField, value string, limit int, after *model.Cursor) ([]model.Document, error)
	ListScheduled(ctx context.Context, scope string, limit int) ([]model.Document, error)
	GetDocument(ctx context.Context, id string) (model.Document, error)
}

// Cursor 分页状态
type Cursor = model.PageCursor

// Page 一次查询的结果。Err 只用于诊断，Records 总是可用的
type Page struct {
	Records []model.EmailRecord
	Cursor  Cursor
	HasMore bool
	Err     error
}

type Fetcher struct {
	store  Querier
	policy config.SyncPolicy
	logger *zap.Logger
	now    func() time.Time
}

func New(store Querier, policy config.SyncPolicy, logger *zap.Logger) *Fetcher {
	return &Fetcher{store: store, policy: policy, logger: logger, now: time.Now}
}

// WithClock 测试用
func (f *Fetcher) WithClock(now func() time.Time) *Fetcher {
	f.now = now
	return f
}

// LoadInitial 第一页。子查询失败会降级为 hasMore=false，返回已取到的记录和错误
func (f *Fetcher) LoadInitial(ctx context.Context, identity model.Identity) (Page, error) {
	return f.load(ctx, "load_initial", identity, Cursor{}, f.policy.InitialLimit, true)
}

// LoadMore 使用游标取下一页，只查询还有更多数据的子查询
func (f *Fetcher) LoadMore(ctx context.Context, identity model.Identity, cursor Cursor) (Page, error) {
	return f.load(ctx, "load_more", identity, cursor, f.policy.PageSize, false)
}

func (f *Fetcher) load(ctx context.Context, op string, identity model.Identity, cursor Cursor, limit int, initial bool) (Page, error) {
	start := f.now()
	log := f.logger.With(zap.String("op", op), zap.String("identity", identity.CurrentUserEmail()), zap.String("scope", identity.Scope()))

	if identity.IsCurrentUserAdmin() {
		page := Page{Cursor: cursor}
		after := cursor.Recent
		if initial {
			after = nil
		}
		if !initial && !cursor.RecentMore {
			return page, nil
		}
		docs, err := f.store.ListRecent(ctx, limit, after)
		metrics.RecordFetch(op, identity.Scope(), err, time.Since(start))
		if err != nil {
			f.logFailure(log, "recent", err)
			page.Cursor.RecentMore = false
			page.Err = fmt.Errorf("%s recent: %w", op, err)
			return page, page.Err
		}
		page.Records = f.normalize(docs)
		page.Cursor.RecentMore = len(docs) >= limit
		if len(docs) > 0 {
			c := docs[len(docs)-1].Cursor()
			page.Cursor.Recent = &c
		}
		page.HasMore = page.Cursor.HasMore()
		log.Debug("Fetched page", zap.Int("count", len(page.Records)), zap.Bool("has_more", page.HasMore))
		return page, nil
	}

	page, err := f.loadScoped(ctx, log, identity, cursor, limit, initial)
	metrics.RecordFetch(op, identity.Scope(), err, time.Since(start))
	return page, err
}

type subQuery struct {
	field  model.ScopeField
	after  *model.Cursor
	enable bool

	docs []model.Document
	err  error
}

// loadScoped owned 与 assigned 并行查询，各自维护游标和 hasMore
func (f *Fetcher) loadScoped(ctx context.Context, log *zap.Logger, identity model.Identity, cursor Cursor, limit int, initial bool) (Page, error) {
	owned := &subQuery{field: model.FieldOwner, after: cursor.Owned, enable: initial || cursor.OwnedMore}
	assigned := &subQuery{field: model.FieldAssignee, after: cursor.Assigned, enable: initial || cursor.AssignedMore}
	if initial {
		owned.after, assigned.after = nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range []*subQuery{owned, assigned} {
		if !q.enable {
			continue
		}
		g.Go(func() error {
			// 子查询失败不影响另一个
			q.docs, q.err = f.store.ListByField(gctx, q.field, identity.CurrentUserEmail(), limit, q.after)
			return nil
		})
	}
	_ = g.Wait()

	page := Page{Cursor: cursor}
	var errs []error
	apply := func(q *subQuery, c **model.Cursor, more *bool) {
		if !q.enable {
			return
		}
		if q.err != nil {
			f.logFailure(log, string(q.field), q.err)
			*more = false
			errs = append(errs, fmt.Errorf("%s: %w", q.field, q.err))
			return
		}
		*more = len(q.docs) >= limit
		if len(q.docs) > 0 {
			last := q.docs[len(q.docs)-1].Cursor()
			*c = &last
		}
	}
	apply(owned, &page.Cursor.Owned, &page.Cursor.OwnedMore)
	apply(assigned, &page.Cursor.Assigned, &page.Cursor.AssignedMore)
	page.Cursor.RecentMore = false

	// 同一条记录可能既是 owned 又是 assigned，后取到的覆盖先取到的
	page.Records = dedupe(f.normalize(owned.docs), f.normalize(assigned.docs))
	page.HasMore = page.Cursor.HasMore()
	page.Err = errors.Join(errs...)

	log.Debug("Fetched scoped page",
		zap.Int("owned", len(owned.docs)),
		zap.Int("assigned", len(assigned.docs)),
		zap.Int("count", len(page.Records)),
		zap.Bool("has_more", page.HasMore),
	)
	return page, page.Err
}

// EnsureScheduled 补齐 scheduled 记录，不受分页窗口限制
func (f *Fetcher) EnsureScheduled(ctx context.Context, identity model.Identity) ([]model.EmailRecord, error) {
	start := f.now()
	scope := ""
	if !identity.IsCurrentUserAdmin() {
		scope = identity.CurrentUserEmail()
	}
	docs, err := f.store.ListScheduled(ctx, scope, f.policy.ScheduledLimit)
	metrics.RecordFetch("ensure_scheduled", identity.Scope(), err, time.Since(start))
	if err != nil {
		f.logFailure(f.logger.With(zap.String("identity", identity.CurrentUserEmail())), "scheduled", err)
		return nil, fmt.Errorf("ensure scheduled: %w", err)
	}
	return f.normalize(docs), nil
}

// ResolveCursor 缓存里没有保存游标时，根据最旧的缓存记录推导游标。
// scheduled 补齐的记录不在分页窗口内，不参与推导。
// 先回查文档库拿到索引列，查不到时退回记录自身的 createdAt
func (f *Fetcher) ResolveCursor(ctx context.Context, identity model.Identity, records []model.EmailRecord) (Cursor, error) {
	var cursor Cursor
	var errs []error

	paged := make([]model.EmailRecord, 0, len(records))
	for _, r := range records {
		if r.Type != model.TypeScheduled {
			paged = append(paged, r)
		}
	}
	records = paged

	if identity.IsCurrentUserAdmin() {
		if oldest, ok := oldestOf(records, nil); ok {
			c, err := f.lookupCursor(ctx, oldest)
			errs = append(errs, err)
			cursor.Recent = &c
			cursor.RecentMore = true
		}
		return cursor, errors.Join(errs...)
	}

	me := identity.CurrentUserEmail()
	if oldest, ok := oldestOf(records, func(r model.EmailRecord) bool { return equalFold(r.OwnerID, me) }); ok {
		c, err := f.lookupCursor(ctx, oldest)
		errs = append(errs, err)
		cursor.Owned = &c
		cursor.OwnedMore = true
	}
	if oldest, ok := oldestOf(records, func(r model.EmailRecord) bool { return equalFold(r.AssignedTo, me) }); ok {
		c, err := f.lookupCursor(ctx, oldest)
		errs = append(errs, err)
		cursor.Assigned = &c
		cursor.AssignedMore = true
	}
	return cursor, errors.Join(errs...)
}

func (f *Fetcher) lookupCursor(ctx context.Context, rec model.EmailRecord) (model.Cursor, error) {
	doc, err := f.store.GetDocument(ctx, rec.ID)
	if err != nil {
		f.logger.Warn("Cursor resolution fell back to cached createdAt",
			zap.String("id", rec.ID),
			zap.Error(err),
		)
		fallback := model.Cursor{ID: rec.ID}
		if rec.CreatedAt != nil {
			fallback.CreatedAt = *rec.CreatedAt
		}
		return fallback, fmt.Errorf("resolve cursor %s: %w", rec.ID, err)
	}
	return doc.Cursor(), nil
}

func (f *Fetcher) normalize(docs []model.Document) []model.EmailRecord {
	now := f.now()
	out := make([]model.EmailRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, normalize.Normalize(d.Raw, now))
	}
	return out
}

func (f *Fetcher) logFailure(log *zap.Logger, query string, err error) {
	kind, retryable := util.ClassifyStoreError(err)
	log.Warn("Remote query failed, degrading to partial results",
		zap.String("query", query),
		zap.String("kind", kind),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
}

// dedupe 按 id 去重，保持首次出现的位置，后出现的值覆盖
func dedupe(batches ...[]model.EmailRecord) []model.EmailRecord {
	index := make(map[string]int)
	out := []model.EmailRecord{}
	for _, batch := range batches {
		for _, rec := range batch {
			if i, ok := index[rec.ID]; ok {
				out[i] = rec
				continue
			}
			index[rec.ID] = len(out)
			out = append(out, rec)
		}
	}
	return out
}

// oldestOf 按 (createdAt, id) 取最旧的记录
func oldestOf(records []model.EmailRecord, keep func(model.EmailRecord) bool) (model.EmailRecord, bool) {
	candidates := make([]model.EmailRecord, 0, len(records))
	for _, r := range records {
		if keep == nil || keep(r) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return model.EmailRecord{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := createdAt(candidates[i]), createdAt(candidates[j])
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

func createdAt(r model.EmailRecord) time.Time {
	if r.CreatedAt != nil {
		return *r.CreatedAt
	}
	return r.Timestamp
}

func equalFold(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
