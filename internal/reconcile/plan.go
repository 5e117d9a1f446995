package reconcile

import (
	"time"

	"mailsync/config"
	contractsmq "mailsync/contracts/mq"
	"mailsync/internal/model"
)

// 对账动作类型
const (
	KindStaleSent          = "stale_sent"
	KindStaleFailed        = "stale_failed"
	KindStuckSending       = "stuck_sending"
	KindOrphanPending      = "orphan_pending"
	KindOrphanNotGenerated = "orphan_not_generated"
	KindOrphanDeleted      = "orphan_deleted"
)

// Action 对单条记录的修正
type Action struct {
	Kind       string
	ID         string
	Patch      map[string]any
	RoutingKey string
}

// Plan 纯函数，判断记录是否需要修正。规则按顺序匹配，只取第一条
func Plan(rec model.EmailRecord, now time.Time, policy config.SyncPolicy) (Action, bool) {
	if rec.Deleted {
		return Action{}, false
	}
	sendTime, hasSendTime := rec.SendTime()
	pastSend := hasSendTime && sendTime.Before(now)

	// sending 卡住太久
	if rec.Status == model.StatusSending {
		ref := sendTime
		if !hasSendTime {
			ref = referenceTime(rec)
		}
		if now.Sub(ref) > policy.StuckAfter {
			return Action{
				Kind:       KindStuckSending,
				ID:         rec.ID,
				Patch:      map[string]any{"status": string(model.StatusError)},
				RoutingKey: contractsmq.RoutingKeyEmailChanged,
			}, true
		}
		return Action{}, false
	}

	if rec.Type != model.TypeScheduled {
		return Action{}, false
	}

	switch {
	case pastSend && rec.Status.IsDelivered():
		patch := map[string]any{"type": string(model.TypeSent), "emailType": string(model.TypeSent)}
		if rec.SentAt == nil {
			patch["sentAt"] = sendTime.UTC().Format(time.RFC3339Nano)
		}
		return Action{Kind: KindStaleSent, ID: rec.ID, Patch: patch, RoutingKey: contractsmq.RoutingKeyStatusSent}, true

	case pastSend && (rec.Status == model.StatusError || rec.Status == model.StatusRejected):
		// 保留 status，sent 文件夹中显示错误标记
		return Action{
			Kind:       KindStaleFailed,
			ID:         rec.ID,
			Patch:      map[string]any{"type": string(model.TypeSent), "emailType": string(model.TypeSent)},
			RoutingKey: contractsmq.RoutingKeyEmailChanged,
		}, true

	case rec.Status == model.StatusNone:
		return planOrphan(rec, now, policy, sendTime, hasSendTime)
	}
	return Action{}, false
}

// planOrphan 无 status 的 scheduled 记录：超过宽限期且没有有效发送时间。
// 有正文则保留为 pending，只有主题则标记 not_generated，两者都没有则软删除
func planOrphan(rec model.EmailRecord, now time.Time, policy config.SyncPolicy, sendTime time.Time, hasSendTime bool) (Action, bool) {
	cutoff := now.Add(-policy.StatuslessGrace)
	if hasSendTime && !sendTime.Before(cutoff) {
		return Action{}, false
	}
	if !referenceTime(rec).Before(cutoff) {
		return Action{}, false
	}

	switch {
	case rec.HasContent():
		return Action{
			Kind:       KindOrphanPending,
			ID:         rec.ID,
			Patch:      map[string]any{"status": string(model.StatusPending)},
			RoutingKey: contractsmq.RoutingKeyScheduled,
		}, true
	case rec.Subject != "":
		return Action{
			Kind:       KindOrphanNotGenerated,
			ID:         rec.ID,
			Patch:      map[string]any{"status": string(model.StatusNotGenerated)},
			RoutingKey: contractsmq.RoutingKeyScheduled,
		}, true
	default:
		return Action{
			Kind:       KindOrphanDeleted,
			ID:         rec.ID,
			Patch:      map[string]any{"deleted": true},
			RoutingKey: contractsmq.RoutingKeyEmailChanged,
		}, true
	}
}

func referenceTime(rec model.EmailRecord) time.Time {
	switch {
	case rec.UpdatedAt != nil:
		return *rec.UpdatedAt
	case rec.CreatedAt != nil:
		return *rec.CreatedAt
	}
	return rec.Timestamp
}
