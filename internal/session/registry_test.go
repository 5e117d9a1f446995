package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"mailsync/config"
	"mailsync/internal/cache"
	"mailsync/internal/fetcher"
	"mailsync/internal/loader"
	"mailsync/internal/model"
	"mailsync/internal/realtime"
	"mailsync/internal/storetest"
	"mailsync/pkg/metrics"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// gatedStore 让 Loader.Start 停在缓存读取上，直到 release 关闭
type gatedStore struct {
	cache.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Get(ctx context.Context, key string) (cache.Entry, bool) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Store.Get(ctx, key)
}

func activeSessions(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.ActiveSessions.Write(&m))
	return m.GetGauge().GetValue()
}

func newRegistry(t *testing.T) (*Registry, *clock, *realtime.LocalStream) {
	return newRegistryWith(t, cache.NewMemoryStore())
}

func newRegistryWith(t *testing.T, mem cache.Store) (*Registry, *clock, *realtime.LocalStream) {
	t.Helper()
	store := storetest.New()
	writer := cache.NewThrottledWriter(mem, time.Millisecond)
	stream := realtime.NewLocalStream(realtime.SourceRecent)
	policy := config.DefaultSyncPolicy()
	f := fetcher.New(store, policy, zap.NewNop())

	factory := func(identity model.Identity) *loader.Loader {
		return loader.New(identity, f, mem, writer, []realtime.Stream{stream}, policy, zap.NewNop())
	}
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(factory, 10*time.Minute, zap.NewNop()).WithClock(c.Now)
	t.Cleanup(r.Close)
	return r, c, stream
}

func TestRegistry_OneSessionPerIdentity(t *testing.T) {
	r, _, stream := newRegistry(t)
	ctx := context.Background()
	alice := model.NewIdentity("alice@example.com", "user")

	a1, err := r.Get(ctx, alice)
	require.NoError(t, err)
	a2, err := r.Get(ctx, model.NewIdentity("ALICE@example.com", "user"))
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	admin, err := r.Get(ctx, model.NewIdentity("alice@example.com", "admin"))
	require.NoError(t, err)
	assert.NotSame(t, a1, admin)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, stream.Subscribers())
}

func TestRegistry_EvictsIdleSessions(t *testing.T) {
	r, c, stream := newRegistry(t)
	ctx := context.Background()

	_, err := r.Get(ctx, model.NewIdentity("alice@example.com", "user"))
	require.NoError(t, err)
	c.Advance(6 * time.Minute)
	_, err = r.Get(ctx, model.NewIdentity("bob@example.com", "user"))
	require.NoError(t, err)

	c.Advance(6 * time.Minute)
	assert.Equal(t, 1, r.Evict())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, stream.Subscribers())

	r.Close()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, stream.Subscribers())
}

func TestRegistry_ConcurrentGetWaitsForStart(t *testing.T) {
	gate := &gatedStore{Store: cache.NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	r, c, stream := newRegistryWith(t, gate)
	ctx := context.Background()
	alice := model.NewIdentity("alice@example.com", "user")
	before := activeSessions(t)

	got := make([]*loader.Loader, 5)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := r.Get(ctx, alice)
			assert.NoError(t, err)
			got[i] = l
		}(i)
	}

	<-gate.entered
	c.Advance(time.Hour)
	assert.Equal(t, 0, r.Evict(), "session still starting")
	assert.Equal(t, before, activeSessions(t))

	close(gate.release)
	wg.Wait()

	for _, l := range got {
		assert.Same(t, got[0], l)
	}
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, stream.Subscribers())
	assert.Equal(t, before+1, activeSessions(t))

	r.Close()
	assert.Equal(t, before, activeSessions(t))
	assert.Equal(t, 0, stream.Subscribers())
}

func TestRegistry_WaiterHonoursContext(t *testing.T) {
	gate := &gatedStore{Store: cache.NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	r, _, _ := newRegistryWith(t, gate)
	alice := model.NewIdentity("alice@example.com", "user")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.Get(context.Background(), alice)
		assert.NoError(t, err)
	}()
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Get(ctx, alice)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate.release)
	<-done
}
