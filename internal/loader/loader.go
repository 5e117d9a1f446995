// Package loader 会话控制器：持有单个身份的邮件列表，负责缓存优先加载、
// 分页、实时合并与显式变更，并向监听者发出 loaded / loaded-more / updated 事件。
package loader

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailsync/config"
	"mailsync/internal/cache"
	"mailsync/internal/counts"
	"mailsync/internal/fetcher"
	"mailsync/internal/folder"
	"mailsync/internal/model"
	"mailsync/internal/realtime"
	"mailsync/pkg/logger"

	"go.uber.org/zap"
)

const sourceLocal = "local"

var (
	ErrAlreadyStarted = errors.New("loader already started")
	ErrStopped        = errors.New("loader stopped")
)

// RemoteFetcher 文档库分页查询
type RemoteFetcher interface {
	LoadInitial(ctx context.Context, identity model.Identity) (fetcher.Page, error)
	LoadMore(ctx context.Context, identity model.Identity, cursor fetcher.Cursor) (fetcher.Page, error)
	EnsureScheduled(ctx context.Context, identity model.Identity) ([]model.EmailRecord, error)
	ResolveCursor(ctx context.Context, identity model.Identity, records []model.EmailRecord) (fetcher.Cursor, error)
}

type Loader struct {
	identity model.Identity
	fetcher  RemoteFetcher
	cache    cache.Store
	writer   *cache.ThrottledWriter
	streams  []realtime.Stream
	policy   config.SyncPolicy
	logger   *zap.Logger
	now      func() time.Time

	list     *realtime.EmailList
	counts   *counts.Cache
	notifier *realtime.Notifier
	merger   *realtime.Merger

	mu             sync.Mutex
	cursor         fetcher.Cursor
	hasMore        bool
	cursorResolved bool            // 缓存阶段已拿到游标，LoadMore 不必等首屏刷新
	persisted      *fetcher.Cursor // 最近一次成功分页后的游标，随列表写入缓存
	seeded         map[string]struct{}
	fromCache      bool
	started        bool
	stopped        bool
	unsubscribe    []func()
	cancel         context.CancelFunc
	ready          chan struct{}

	listenersMu sync.RWMutex
	listeners   map[int]func(model.Event)
	nextID      int

	// LoadMore 串行执行，保证游标链不分叉
	moreMu sync.Mutex
	wg     sync.WaitGroup
}

func New(
	identity model.Identity,
	remote RemoteFetcher,
	store cache.Store,
	writer *cache.ThrottledWriter,
	streams []realtime.Stream,
	policy config.SyncPolicy,
	log *zap.Logger,
) *Loader {
	l := &Loader{
		identity:  identity,
		fetcher:   remote,
		cache:     store,
		writer:    writer,
		streams:   streams,
		policy:    policy,
		logger:    log.With(zap.String("identity", identity.CurrentUserEmail()), zap.String("scope", identity.Scope())),
		now:       time.Now,
		list:      realtime.NewEmailList(),
		ready:     make(chan struct{}),
		listeners: make(map[int]func(model.Event)),
	}
	l.counts = counts.New(l.list.Snapshot, policy)
	l.notifier = realtime.NewNotifier(policy.NotifyWindow, l.emit)
	l.merger = realtime.NewMerger(l.list, identity, l.notifier, l.onMutate, l.logger)
	return l
}

// WithClock 测试用
func (l *Loader) WithClock(now func() time.Time) *Loader {
	l.now = now
	l.counts.WithClock(now)
	l.merger.WithClock(now)
	return l
}

// On 注册事件监听，返回取消函数
func (l *Loader) On(listener func(model.Event)) func() {
	l.listenersMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = listener
	l.listenersMu.Unlock()

	return func() {
		l.listenersMu.Lock()
		delete(l.listeners, id)
		l.listenersMu.Unlock()
	}
}

// Start 缓存阶段同步执行：命中则立即发出 loaded{Cached:true}，
// 并恢复缓存中保存的分页游标；旧缓存没有游标且条数达到首屏上限时，
// 乐观设置 hasMore 并先解析游标。
// 随后订阅实时流，并在后台刷新远端数据，完成后发出 loaded{Cached:false}
func (l *Loader) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	// 会话生命周期不跟随请求
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.mu.Unlock()

	log := logger.WithTrace(ctx, l.logger)
	key := cache.Key(l.identity)

	if entry, ok := l.cache.Get(ctx, key); ok {
		scoped := make([]model.EmailRecord, 0, len(entry.Records))
		seeded := make(map[string]struct{}, len(entry.Records))
		for _, rec := range entry.Records {
			if folder.InScope(rec, l.identity) {
				scoped = append(scoped, rec)
				seeded[rec.ID] = struct{}{}
			}
		}
		l.list.Upsert(scoped...)
		l.counts.Invalidate()

		l.mu.Lock()
		l.fromCache = true
		l.seeded = seeded
		l.mu.Unlock()

		log.Info("Loaded emails from cache", zap.Int("count", len(scoped)), zap.Bool("cursor", entry.Cursor != nil))
		l.emit(model.Event{Kind: model.EventLoaded, Count: l.list.Len(), Cached: true})

		switch {
		case entry.Cursor != nil:
			l.mu.Lock()
			l.cursor = *entry.Cursor
			l.hasMore = entry.Cursor.HasMore()
			l.cursorResolved = true
			l.persisted = entry.Cursor
			l.mu.Unlock()
		case len(scoped) >= l.policy.InitialLimit:
			cursor, err := l.fetcher.ResolveCursor(ctx, l.identity, scoped)
			if err != nil {
				log.Warn("Cursor resolution incomplete", zap.Error(err))
			}
			l.mu.Lock()
			l.cursor = cursor
			l.hasMore = true
			l.cursorResolved = true
			l.persisted = &cursor
			l.mu.Unlock()
		}
	}

	l.subscribe(runCtx, log)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.refresh(runCtx, log)
	}()
	return nil
}

func (l *Loader) subscribe(ctx context.Context, log *zap.Logger) {
	for _, s := range l.streams {
		name := s.Name()
		unsub, err := s.Subscribe(ctx,
			func(b realtime.Batch) { l.merger.Apply(b) },
			func(err error) { l.merger.HandleError(name, err) },
		)
		if err != nil {
			log.Warn("Failed to subscribe realtime stream", zap.String("stream", name), zap.Error(err))
			l.merger.HandleError(name, err)
			continue
		}
		l.mu.Lock()
		l.unsubscribe = append(l.unsubscribe, unsub)
		l.mu.Unlock()
	}
}

// refresh 首屏远端查询 + scheduled 补齐，合并后写缓存
func (l *Loader) refresh(ctx context.Context, log *zap.Logger) {
	defer close(l.ready)

	page, initErr := l.fetcher.LoadInitial(ctx, l.identity)
	if initErr != nil {
		log.Warn("Initial load degraded", zap.Int("count", len(page.Records)), zap.Error(initErr))
	}
	l.list.Upsert(page.Records...)

	scheduled, err := l.fetcher.EnsureScheduled(ctx, l.identity)
	if err != nil {
		log.Warn("Scheduled backfill failed", zap.Error(err))
	}
	l.list.Upsert(scheduled...)

	l.mu.Lock()
	resolved, seeded := l.cursorResolved, l.seeded
	l.mu.Unlock()

	// 缓存阶段的游标可能已被 LoadMore 推进，与其串行
	if resolved {
		l.moreMu.Lock()
	}
	l.mu.Lock()
	// 首页与缓存列表不相接时中间可能有缺口，改从首页游标继续
	if !resolved || !page.Cursor.Reaches(func(id string) bool { _, ok := seeded[id]; return ok }) {
		if resolved {
			log.Info("Initial page does not reach cached list, restarting pagination")
		}
		l.cursor = page.Cursor
		l.hasMore = page.HasMore
		// 降级的游标不落盘，下个会话不会因此提前停止分页
		if initErr == nil {
			cursor := page.Cursor
			l.persisted = &cursor
		}
	}
	l.fromCache = false
	stopped := l.stopped
	l.mu.Unlock()
	if resolved {
		l.moreMu.Unlock()
	}

	if stopped || ctx.Err() != nil {
		return
	}

	l.onMutate()
	log.Info("Loaded emails from store",
		zap.Int("page", len(page.Records)),
		zap.Int("scheduled", len(scheduled)),
		zap.Int("count", l.list.Len()),
		zap.Bool("has_more", l.HasMore()),
	)
	l.emit(model.Event{Kind: model.EventLoaded, Count: l.list.Len(), Cached: false})
}

// Ready 首次远端刷新完成后关闭
func (l *Loader) Ready() <-chan struct{} {
	return l.ready
}

// LoadMore 用当前游标取下一页。整页按 id 覆盖合并（后取到的为准），
// 事件里只返回列表中原来没有的记录
func (l *Loader) LoadMore(ctx context.Context) (model.Event, error) {
	l.moreMu.Lock()
	defer l.moreMu.Unlock()

	l.mu.Lock()
	started, stopped, resolved := l.started, l.stopped, l.cursorResolved
	l.mu.Unlock()
	if stopped {
		return model.Event{}, ErrStopped
	}
	// 游标来自首屏查询时需要等待刷新完成
	if started && !resolved {
		select {
		case <-l.ready:
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		}
	}

	l.mu.Lock()
	cursor, hasMore := l.cursor, l.hasMore
	l.mu.Unlock()

	if !hasMore {
		ev := model.Event{Kind: model.EventLoadedMore, Count: l.list.Len(), HasMore: false}
		l.emit(ev)
		return ev, nil
	}

	page, err := l.fetcher.LoadMore(ctx, l.identity, cursor)
	if err != nil {
		l.logger.Warn("Load more degraded", zap.Int("count", len(page.Records)), zap.Error(err))
	}

	fresh := make([]model.EmailRecord, 0, len(page.Records))
	for _, rec := range page.Records {
		if !l.list.Has(rec.ID) {
			fresh = append(fresh, rec)
		}
	}
	l.list.Upsert(page.Records...)

	l.mu.Lock()
	l.cursor = page.Cursor
	l.hasMore = page.HasMore
	if err == nil {
		cursor := page.Cursor
		l.persisted = &cursor
	}
	l.mu.Unlock()

	if len(page.Records) > 0 {
		l.onMutate()
	}
	ev := model.Event{Kind: model.EventLoadedMore, Count: l.list.Len(), HasMore: page.HasMore, Records: fresh}
	l.emit(ev)
	return ev, err
}

// Stop 取消订阅、丢弃待发通知并把缓存写入落盘
func (l *Loader) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	unsubs := l.unsubscribe
	l.unsubscribe = nil
	cancel := l.cancel
	l.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.notifier.Stop()
	l.writer.Flush(context.Background())
	l.logger.Info("Loader stopped", zap.Int("count", l.list.Len()))
}

// Records 当前列表副本
func (l *Loader) Records() []model.EmailRecord {
	return l.list.Snapshot()
}

// Folder 文件夹视图，按 timestamp 倒序
func (l *Loader) Folder(f model.Folder) []model.EmailRecord {
	return folder.Filter(l.list.Snapshot(), f, l.identity, l.now(), l.policy)
}

// Count 文件夹计数（TTL 缓存）
func (l *Loader) Count(f model.Folder) int {
	return l.counts.CountFor(f, l.identity)
}

func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

// FromCache 列表仍是缓存数据（远端刷新尚未完成）
func (l *Loader) FromCache() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fromCache
}

func (l *Loader) Identity() model.Identity {
	return l.identity
}

// Get 按 id 取记录
func (l *Loader) Get(id string) (model.EmailRecord, bool) {
	return l.list.Get(id)
}

// MarkDeleted 软删除，记录移入 trash
func (l *Loader) MarkDeleted(id string) bool {
	return l.update(id, func(r *model.EmailRecord) { r.Deleted = true })
}

// SetStarred 星标
func (l *Loader) SetStarred(id string, starred bool) bool {
	return l.update(id, func(r *model.EmailRecord) { r.Starred = starred })
}

// SetStatus 修改发送状态
func (l *Loader) SetStatus(id string, status model.Status) bool {
	return l.update(id, func(r *model.EmailRecord) { r.Status = status })
}

// Remove 从列表中移除
func (l *Loader) Remove(id string) bool {
	if !l.list.Remove(id) {
		return false
	}
	l.afterLocalChange()
	return true
}

// Apply 合并外部得到的最新记录（例如写库后的返回值）
func (l *Loader) Apply(records ...model.EmailRecord) {
	scoped := make([]model.EmailRecord, 0, len(records))
	for _, rec := range records {
		if folder.InScope(rec, l.identity) {
			scoped = append(scoped, rec)
		}
	}
	if len(scoped) == 0 {
		return
	}
	l.list.Upsert(scoped...)
	l.afterLocalChange()
}

func (l *Loader) update(id string, fn func(*model.EmailRecord)) bool {
	if _, ok := l.list.Update(id, func(r *model.EmailRecord) {
		fn(r)
		now := l.now().UTC().Truncate(time.Millisecond)
		r.UpdatedAt = &now
	}); !ok {
		return false
	}
	l.afterLocalChange()
	return true
}

func (l *Loader) afterLocalChange() {
	l.onMutate()
	l.notifier.Notify(l.list.Len(), sourceLocal)
}

// onMutate 列表每次变更：计数失效，调度一次缓存写入（带上当前分页游标）
func (l *Loader) onMutate() {
	l.counts.Invalidate()
	entry := cache.Entry{Records: l.list.Snapshot()}
	l.mu.Lock()
	entry.Cursor = l.persisted
	l.mu.Unlock()
	l.writer.Schedule(cache.Key(l.identity), entry)
}

func (l *Loader) emit(ev model.Event) {
	l.listenersMu.RLock()
	listeners := make([]func(model.Event), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
