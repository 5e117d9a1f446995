package session

import (
	"context"
	"sync"
	"time"

	"mailsync/internal/loader"
	"mailsync/internal/model"
	"mailsync/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Factory 为身份创建一个未启动的 Loader
type Factory func(identity model.Identity) *loader.Loader

type entry struct {
	id       string
	loader   *loader.Loader
	lastUsed time.Time

	// ready 在 Start 返回后关闭；started/err 在关闭前写入
	ready   chan struct{}
	started bool
	err     error
}

// Registry 每个身份一个会话，首次访问时启动，空闲超时后回收
type Registry struct {
	factory Factory
	idle    time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

func NewRegistry(factory Factory, idle time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		factory:  factory,
		idle:     idle,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// WithClock 测试用
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Get 返回身份的会话，不存在则创建并启动。
// 同一身份的并发调用等待同一次启动完成，拿到的总是已启动的 Loader
func (r *Registry) Get(ctx context.Context, identity model.Identity) (*loader.Loader, error) {
	key := identity.Key()

	r.mu.Lock()
	if e, ok := r.sessions[key]; ok {
		e.lastUsed = r.now()
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.loader, nil
	}

	e := &entry{id: uuid.NewString(), loader: r.factory(identity), lastUsed: r.now(), ready: make(chan struct{})}
	r.sessions[key] = e
	r.mu.Unlock()

	err := e.loader.Start(ctx)

	r.mu.Lock()
	if err != nil {
		e.err = err
		if r.sessions[key] == e {
			delete(r.sessions, key)
		}
	} else {
		e.started = true
		metrics.ActiveSessions.Inc()
	}
	r.mu.Unlock()
	close(e.ready)

	if err != nil {
		r.logger.Warn("Session failed to start",
			zap.String("session_id", e.id),
			zap.String("identity", identity.CurrentUserEmail()),
			zap.Error(err),
		)
		return nil, err
	}
	r.logger.Info("Session started",
		zap.String("session_id", e.id),
		zap.String("identity", identity.CurrentUserEmail()),
		zap.String("scope", identity.Scope()),
	)
	return e.loader, nil
}

// Evict 停止空闲超时的会话，返回回收数量。正在启动的会话不回收
func (r *Registry) Evict() int {
	cutoff := r.now().Add(-r.idle)

	r.mu.Lock()
	var idle []*entry
	for key, e := range r.sessions {
		if e.started && e.lastUsed.Before(cutoff) {
			idle = append(idle, e)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, e := range idle {
		r.stop(e, "idle")
	}
	return len(idle)
}

// Run 周期回收空闲会话，阻塞直到 ctx 结束
func (r *Registry) Run(ctx context.Context) {
	interval := r.idle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(); n > 0 {
				r.logger.Info("Evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

// Close 停止所有会话，正在启动的会话等启动结束后再停止
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.sessions))
	for key, e := range r.sessions {
		all = append(all, e)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, e := range all {
		<-e.ready
		if e.err == nil {
			r.stop(e, "shutdown")
		}
	}
}

// Len 活跃会话数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) stop(e *entry, reason string) {
	e.loader.Stop()
	metrics.ActiveSessions.Dec()
	r.logger.Info("Session stopped",
		zap.String("session_id", e.id),
		zap.String("identity", e.loader.Identity().CurrentUserEmail()),
		zap.String("reason", reason),
	)
}
