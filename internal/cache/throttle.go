package cache

import (
	"context"
	"sync"
	"time"
)

// ThrottledWriter 合并窗口内的写入，每个键只持久化窗口内最后一次的 Entry
type ThrottledWriter struct {
	store Store
	wait  time.Duration

	mu      sync.Mutex
	pending map[string]Entry
	timer   *time.Timer
}

func NewThrottledWriter(store Store, wait time.Duration) *ThrottledWriter {
	return &ThrottledWriter{
		store:   store,
		wait:    wait,
		pending: make(map[string]Entry),
	}
}

// Schedule 登记一次写入，窗口结束时统一落盘
func (w *ThrottledWriter) Schedule(key string, entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[key] = entry.clone()
	if w.timer == nil {
		w.timer = time.AfterFunc(w.wait, func() {
			w.Flush(context.Background())
		})
	}
}

// Flush 立即写入所有待写列表
func (w *ThrottledWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	pending := w.pending
	w.pending = make(map[string]Entry)
	w.mu.Unlock()

	for key, entry := range pending {
		w.store.Set(ctx, key, entry)
	}
}

// Pending 待写键数
func (w *ThrottledWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
