package realtime

import (
	"time"

	"mailsync/internal/folder"
	"mailsync/internal/model"
	"mailsync/internal/normalize"
	"mailsync/pkg/metrics"
	"mailsync/pkg/util"

	"go.uber.org/zap"
)

// Merger 把实时流的批次合并进列表：按 id upsert，从不因收到推送而删除，
// 也不会用流的窗口替换整个列表。两个批次交错时按到达顺序 last-write-wins
type Merger struct {
	list     *EmailList
	identity model.IdentityProvider
	notifier *Notifier
	onMutate func()
	logger   *zap.Logger
	now      func() time.Time
}

func NewMerger(list *EmailList, identity model.IdentityProvider, notifier *Notifier, onMutate func(), logger *zap.Logger) *Merger {
	if onMutate == nil {
		onMutate = func() {}
	}
	return &Merger{
		list:     list,
		identity: identity,
		notifier: notifier,
		onMutate: onMutate,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock 测试用
func (m *Merger) WithClock(now func() time.Time) *Merger {
	m.now = now
	return m
}

// Apply 规范化并合并一个批次，受限身份丢弃不属于自己的记录。返回合并条数
func (m *Merger) Apply(batch Batch) int {
	now := m.now()
	records := make([]model.EmailRecord, 0, len(batch.Records))
	for _, raw := range batch.Records {
		rec := normalize.Normalize(raw, now)
		if rec.ID == "" || !folder.InScope(rec, m.identity) {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return 0
	}

	added := m.list.Upsert(records...)
	m.onMutate()
	metrics.AddMerged(batch.Source, len(records))
	m.notifier.Notify(m.list.Len(), batch.Source)

	m.logger.Debug("Merged realtime batch",
		zap.String("source", batch.Source),
		zap.Int("records", len(records)),
		zap.Int("added", added),
		zap.Int("count", m.list.Len()),
	)
	return len(records)
}

// HandleError 权限错误清空列表并立即发出空事件；其余错误只记录
func (m *Merger) HandleError(source string, err error) {
	kind, retryable := util.ClassifyStoreError(err)
	if kind == util.KindPermissionDenied {
		m.logger.Warn("Realtime stream permission denied, clearing list",
			zap.String("source", source),
			zap.String("identity", m.identity.CurrentUserEmail()),
			zap.Error(err),
		)
		m.list.Clear()
		m.onMutate()
		m.notifier.NotifyEmpty(source)
		return
	}
	m.logger.Warn("Realtime stream error",
		zap.String("source", source),
		zap.String("kind", kind),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
}
