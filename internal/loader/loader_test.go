package loader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"mailsync/config"
	"mailsync/internal/cache"
	"mailsync/internal/fetcher"
	"mailsync/internal/model"
	"mailsync/internal/normalize"
	"mailsync/internal/realtime"
	"mailsync/internal/storetest"
	"mailsync/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type events struct {
	mu  sync.Mutex
	all []model.Event
}

func (e *events) add(ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) list() []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Event(nil), e.all...)
}

func (e *events) ofKind(kind model.EventKind) []model.Event {
	out := []model.Event{}
	for _, ev := range e.list() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type LoaderSuite struct {
	suite.Suite

	store   *storetest.Store
	cache   *cache.MemoryStore
	writer  *cache.ThrottledWriter
	streams map[string]*realtime.LocalStream
	policy  config.SyncPolicy
	events  *events
	loader  *Loader
}

func TestLoaderSuite(t *testing.T) {
	suite.Run(t, new(LoaderSuite))
}

func (s *LoaderSuite) SetupTest() {
	s.store = storetest.New()
	s.cache = cache.NewMemoryStore()
	s.writer = cache.NewThrottledWriter(s.cache, 10*time.Millisecond)
	s.streams = map[string]*realtime.LocalStream{
		realtime.SourceRecent:     realtime.NewLocalStream(realtime.SourceRecent),
		realtime.SourceSentStatus: realtime.NewLocalStream(realtime.SourceSentStatus),
		realtime.SourceScheduled:  realtime.NewLocalStream(realtime.SourceScheduled),
	}
	s.policy = config.DefaultSyncPolicy()
	s.policy.NotifyWindow = 20 * time.Millisecond
	s.events = &events{}
}

func (s *LoaderSuite) TearDownTest() {
	if s.loader != nil {
		s.loader.Stop()
	}
}

func (s *LoaderSuite) newLoader(identity model.Identity) *Loader {
	streams := []realtime.Stream{
		s.streams[realtime.SourceRecent],
		s.streams[realtime.SourceSentStatus],
		s.streams[realtime.SourceScheduled],
	}
	f := fetcher.New(s.store, s.policy, zap.NewNop())
	s.loader = New(identity, f, s.cache, s.writer, streams, s.policy, zap.NewNop())
	s.loader.On(s.events.add)
	return s.loader
}

func (s *LoaderSuite) seedStore(n int, prefix string, extra func(i int, raw model.RawRecord)) {
	for i := 0; i < n; i++ {
		raw := model.RawRecord{"id": fmt.Sprintf("%s%03d", prefix, i), "type": "received"}
		if extra != nil {
			extra(i, raw)
		}
		s.store.Put(raw, base.Add(time.Duration(i)*time.Minute))
	}
}

func (s *LoaderSuite) waitReady(l *Loader) {
	select {
	case <-l.Ready():
	case <-time.After(2 * time.Second):
		s.FailNow("loader did not become ready")
	}
}

func (s *LoaderSuite) TestCachedAdminAboveInitialLimit() {
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(300, "d", nil)

	// 缓存里是最新的 250 条
	cached := make([]model.EmailRecord, 0, 250)
	for i := 50; i < 300; i++ {
		raw := s.store.Raw(fmt.Sprintf("d%03d", i))
		cached = append(cached, normalize.Normalize(raw, base))
	}
	s.cache.Set(context.Background(), cache.Key(admin), cache.Entry{Records: cached})

	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))

	first := s.events.list()
	s.Require().NotEmpty(first)
	s.Equal(model.EventLoaded, first[0].Kind)
	s.True(first[0].Cached)
	s.Equal(250, first[0].Count)
	s.True(l.HasMore())
	s.GreaterOrEqual(s.store.Calls("GetDocument"), 1, "cursor resolved before any LoadMore")

	s.waitReady(l)
	loaded := s.events.ofKind(model.EventLoaded)
	s.Require().Len(loaded, 2)
	s.False(loaded[1].Cached)
	s.Equal(250, loaded[1].Count)
	s.True(l.HasMore(), "cache-derived cursor is kept")

	ev, err := l.LoadMore(context.Background())
	s.Require().NoError(err)
	s.Len(ev.Records, 50)
	s.False(ev.HasMore)
	s.Equal(300, ev.Count)
	s.Equal("d049", ev.Records[0].ID)
	s.Equal("d000", ev.Records[49].ID)
}

func (s *LoaderSuite) TestPaginationWithoutDuplicates() {
	s.policy.InitialLimit = 5
	s.policy.PageSize = 3
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(14, "e", nil)

	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))

	seen := map[string]bool{}
	s.waitReady(l)
	for _, r := range l.Records() {
		seen[r.ID] = true
	}
	s.Len(seen, 5)

	for i := 0; i < 10 && l.HasMore(); i++ {
		ev, err := l.LoadMore(context.Background())
		s.Require().NoError(err)
		for _, r := range ev.Records {
			s.False(seen[r.ID], "duplicate %s", r.ID)
			seen[r.ID] = true
		}
	}
	s.Len(seen, 14)
	s.False(l.HasMore())

	ev, err := l.LoadMore(context.Background())
	s.Require().NoError(err)
	s.Empty(ev.Records)
	s.False(ev.HasMore)
}

func (s *LoaderSuite) TestCachedCursorReachesEveryRecord() {
	s.policy.InitialLimit = 3
	s.policy.PageSize = 3
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(10, "r", nil)
	s.store.Put(model.RawRecord{"id": "sched", "type": "scheduled", "status": "pending"}, base.Add(-24*time.Hour))

	first := s.newLoader(admin)
	s.Require().NoError(first.Start(context.Background()))
	s.waitReady(first)
	first.Stop()
	s.loader = nil

	entry, ok := s.cache.Get(context.Background(), cache.Key(admin))
	s.Require().True(ok)
	s.Len(entry.Records, 4, "first page plus scheduled backfill")
	s.Require().NotNil(entry.Cursor)
	s.Equal("r007", entry.Cursor.Recent.ID)

	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.True(l.HasMore())
	s.waitReady(l)

	for i := 0; i < 10 && l.HasMore(); i++ {
		_, err := l.LoadMore(context.Background())
		s.Require().NoError(err)
	}
	s.False(l.HasMore())
	s.Len(l.Records(), 11)
	for i := 0; i < 10; i++ {
		_, ok := l.Get(fmt.Sprintf("r%03d", i))
		s.True(ok, "r%03d unreachable", i)
	}
	s.Zero(s.store.Calls("GetDocument"), "cursor restored from cache, not resolved")
}

func (s *LoaderSuite) TestRefreshRestartsPaginationAcrossGap() {
	s.policy.InitialLimit = 3
	s.policy.PageSize = 3
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(4, "a", nil)

	first := s.newLoader(admin)
	s.Require().NoError(first.Start(context.Background()))
	s.waitReady(first)
	first.Stop()
	s.loader = nil

	// 会话离线期间新到的记录超过一页
	for i := 0; i < 5; i++ {
		s.store.Put(model.RawRecord{"id": fmt.Sprintf("b%03d", i), "type": "received"}, base.Add(time.Hour+time.Duration(i)*time.Minute))
	}

	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)
	s.True(l.HasMore())

	for i := 0; i < 10 && l.HasMore(); i++ {
		_, err := l.LoadMore(context.Background())
		s.Require().NoError(err)
	}
	s.Len(l.Records(), 9)
}

func (s *LoaderSuite) TestLoadMoreLaterFetchWins() {
	s.policy.InitialLimit = 3
	s.policy.PageSize = 3
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(6, "e", func(i int, raw model.RawRecord) {
		if i == 1 {
			raw["type"] = "sent"
			raw["status"] = "delivered"
		}
	})

	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)

	s.streams[realtime.SourceSentStatus].Publish(realtime.Batch{Records: []model.RawRecord{{"id": "e001", "type": "sent", "status": "sending"}}})
	rec, ok := l.Get("e001")
	s.Require().True(ok)
	s.Equal(model.StatusSending, rec.Status)

	ev, err := l.LoadMore(context.Background())
	s.Require().NoError(err)
	s.Equal([]string{"e002", "e000"}, ids(ev.Records), "only ids new to the list")

	rec, _ = l.Get("e001")
	s.Equal(model.StatusDelivered, rec.Status)
	s.Len(l.Records(), 6)
}

func (s *LoaderSuite) TestColdStartWithoutCache() {
	s.policy.InitialLimit = 3
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(3, "e", nil)
	s.store.Put(model.RawRecord{"id": "old-scheduled", "type": "scheduled", "status": "pending"}, base.Add(-240*time.Hour))

	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)

	loaded := s.events.ofKind(model.EventLoaded)
	s.Require().Len(loaded, 1)
	s.False(loaded[0].Cached)
	s.Equal(4, loaded[0].Count)
	s.False(l.FromCache())
	s.Equal(1, l.Count(model.FolderScheduled), "scheduled backfill outside the page window")
	s.Equal(3, l.Count(model.FolderInbox))

	s.Eventually(func() bool {
		got, ok := s.cache.Get(context.Background(), cache.Key(admin))
		return ok && len(got.Records) == 4
	}, time.Second, 5*time.Millisecond)
}

func (s *LoaderSuite) TestRealtimeMergeCoalescesUpdates() {
	admin := model.NewIdentity("root@example.com", "admin")
	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)

	s.streams[realtime.SourceRecent].Publish(realtime.Batch{Records: []model.RawRecord{{"id": "n1", "type": "received"}}})
	s.streams[realtime.SourceScheduled].Publish(realtime.Batch{Records: []model.RawRecord{{"id": "n2", "type": "scheduled", "status": "pending"}}})
	s.streams[realtime.SourceSentStatus].Publish(realtime.Batch{Records: []model.RawRecord{{"id": "n1", "type": "received", "starred": true}}})

	s.Eventually(func() bool { return len(s.events.ofKind(model.EventUpdated)) == 1 }, time.Second, 5*time.Millisecond)
	updated := s.events.ofKind(model.EventUpdated)[0]
	s.Equal(2, updated.Count)
	s.Equal(realtime.SourceSentStatus, updated.Source)
	s.Equal(2, updated.Suppressed)

	s.Equal(1, l.Count(model.FolderStarred))
	s.Equal(1, l.Count(model.FolderScheduled))
}

func (s *LoaderSuite) TestPermissionErrorClearsList() {
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(3, "e", nil)
	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)
	s.Require().Len(l.Records(), 3)

	s.streams[realtime.SourceRecent].Fail(fmt.Errorf("listen: %w", util.ErrPermissionDenied))

	s.Empty(l.Records())
	updated := s.events.ofKind(model.EventUpdated)
	s.Require().NotEmpty(updated)
	s.True(updated[len(updated)-1].Empty)
	s.Equal(0, l.Count(model.FolderInbox))
}

func (s *LoaderSuite) TestScopedIdentityOnlySeesOwnRecords() {
	alice := model.NewIdentity("alice@example.com", "user")
	s.seedStore(6, "e", func(i int, raw model.RawRecord) {
		if i%2 == 0 {
			raw["ownerId"] = "alice@example.com"
		} else {
			raw["ownerId"] = "bob@example.com"
		}
	})
	// 缓存中混入他人的记录也会被过滤
	s.cache.Set(context.Background(), cache.Key(alice), cache.Entry{Records: []model.EmailRecord{{ID: "foreign", OwnerID: "bob@example.com", Type: model.TypeReceived}}})

	l := s.newLoader(alice)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)

	for _, r := range l.Records() {
		s.True(r.BelongsTo("alice@example.com"), r.ID)
	}
	s.Len(l.Records(), 3)

	s.streams[realtime.SourceRecent].Publish(realtime.Batch{Records: []model.RawRecord{{"id": "x", "ownerId": "bob@example.com"}}})
	s.False(l.list.Has("x"))
}

func (s *LoaderSuite) TestMutations() {
	admin := model.NewIdentity("root@example.com", "admin")
	s.seedStore(3, "e", nil)
	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)
	s.Equal(3, l.Count(model.FolderInbox))

	s.True(l.MarkDeleted("e000"))
	s.Equal(2, l.Count(model.FolderInbox), "counts invalidated")
	s.Equal(1, l.Count(model.FolderTrash))

	s.True(l.SetStarred("e001", true))
	s.Equal([]string{"e001"}, ids(l.Folder(model.FolderStarred)))

	s.True(l.SetStatus("e002", model.StatusDelivered))
	s.Equal(1, l.Count(model.FolderSent))

	s.True(l.Remove("e002"))
	s.False(l.Remove("e002"))
	s.False(l.MarkDeleted("missing"))

	s.Eventually(func() bool {
		for _, ev := range s.events.ofKind(model.EventUpdated) {
			if ev.Source == sourceLocal {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func (s *LoaderSuite) TestStopUnsubscribesAndFlushesCache() {
	admin := model.NewIdentity("root@example.com", "admin")
	s.writer = cache.NewThrottledWriter(s.cache, time.Hour)
	s.seedStore(2, "e", nil)
	l := s.newLoader(admin)
	s.Require().NoError(l.Start(context.Background()))
	s.waitReady(l)
	s.Equal(1, s.streams[realtime.SourceRecent].Subscribers())

	l.Stop()
	s.loader = nil

	for _, st := range s.streams {
		s.Equal(0, st.Subscribers())
	}
	got, ok := s.cache.Get(context.Background(), cache.Key(admin))
	s.True(ok)
	s.Len(got.Records, 2)
	s.NotNil(got.Cursor)

	_, err := l.LoadMore(context.Background())
	s.ErrorIs(err, ErrStopped)
	s.ErrorIs(l.Start(context.Background()), ErrStopped)
}

func TestStartTwice(t *testing.T) {
	store := storetest.New()
	mem := cache.NewMemoryStore()
	l := New(model.NewIdentity("root@example.com", "admin"),
		fetcher.New(store, config.DefaultSyncPolicy(), zap.NewNop()),
		mem, cache.NewThrottledWriter(mem, time.Millisecond), nil, config.DefaultSyncPolicy(), zap.NewNop())
	defer l.Stop()

	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyStarted)
}

func ids(records []model.EmailRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
