package realtime

import (
	"context"

	"mailsync/internal/model"
)

// 会话的三个实时流
const (
	SourceRecent     = "recent"
	SourceSentStatus = "sent-status"
	SourceScheduled  = "scheduled"
)

// Batch 一次推送的变更文档
type Batch struct {
	Source  string
	Records []model.RawRecord
}

// Stream 实时变更流。Subscribe 不阻塞，onBatch/onError 在流自己的 goroutine 中回调
type Stream interface {
	Name() string
	Subscribe(ctx context.Context, onBatch func(Batch), onError func(error)) (unsubscribe func(), err error)
}
