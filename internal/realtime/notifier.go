package realtime

import (
	"sync"
	"time"

	"mailsync/internal/model"
	"mailsync/pkg/metrics"
)

// Notifier 合并 updated 通知：每个窗口最多发出一次，
// 发出的事件带最新的 count/source 以及被合并掉的次数
type Notifier struct {
	window time.Duration
	emit   func(model.Event)

	mu      sync.Mutex
	timer   *time.Timer
	pending *model.Event
	calls   int
	stopped bool
}

func NewNotifier(window time.Duration, emit func(model.Event)) *Notifier {
	return &Notifier{window: window, emit: emit}
}

// Notify 登记一次变更通知
func (n *Notifier) Notify(count int, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.calls++
	n.pending = &model.Event{Kind: model.EventUpdated, Count: count, Source: source}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.window, n.Flush)
	}
}

// NotifyEmpty 立即发出空列表事件，丢弃窗口内待发的通知
func (n *Notifier) NotifyEmpty(source string) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.reset()
	n.mu.Unlock()

	n.emit(model.Event{Kind: model.EventUpdated, Count: 0, Source: source, Empty: true})
}

// Flush 立即发出待发通知
func (n *Notifier) Flush() {
	n.mu.Lock()
	ev := n.pending
	suppressed := n.calls - 1
	n.reset()
	n.mu.Unlock()

	if ev == nil {
		return
	}
	if suppressed > 0 {
		ev.Suppressed = suppressed
		metrics.AddSuppressed(suppressed)
	}
	n.emit(*ev)
}

// Stop 丢弃待发通知，之后的 Notify 无效
func (n *Notifier) Stop() {
	n.mu.Lock()
	n.stopped = true
	n.reset()
	n.mu.Unlock()
}

func (n *Notifier) reset() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = nil
	n.calls = 0
}
