package folder

import (
	"sort"
	"time"

	"mailsync/config"
	"mailsync/internal/model"
)

// Classify 判断记录是否属于文件夹。纯函数，受限身份先做归属过滤
func Classify(rec model.EmailRecord, folder model.Folder, identity model.IdentityProvider, now time.Time, policy config.SyncPolicy) bool {
	if !InScope(rec, identity) {
		return false
	}

	switch folder {
	case model.FolderInbox:
		return !rec.Deleted && isReceived(rec)
	case model.FolderSent:
		return !rec.Deleted && isSent(rec)
	case model.FolderScheduled:
		return isScheduled(rec, now, policy)
	case model.FolderStarred:
		return rec.Starred && !rec.Deleted
	case model.FolderTrash:
		return rec.Deleted
	}
	return false
}

// InScope admin 看全部，受限身份只看自己拥有或被分配的记录
func InScope(rec model.EmailRecord, identity model.IdentityProvider) bool {
	if identity == nil || identity.IsCurrentUserAdmin() {
		return true
	}
	return rec.BelongsTo(identity.CurrentUserEmail())
}

// Filter 按文件夹筛选，并按 timestamp 倒序排列
func Filter(records []model.EmailRecord, folder model.Folder, identity model.IdentityProvider, now time.Time, policy config.SyncPolicy) []model.EmailRecord {
	out := make([]model.EmailRecord, 0, len(records))
	for _, rec := range records {
		if Classify(rec, folder, identity, now, policy) {
			out = append(out, rec)
		}
	}
	SortByTimestamp(out)
	return out
}

// Count 文件夹内记录数
func Count(records []model.EmailRecord, folder model.Folder, identity model.IdentityProvider, now time.Time, policy config.SyncPolicy) int {
	n := 0
	for _, rec := range records {
		if Classify(rec, folder, identity, now, policy) {
			n++
		}
	}
	return n
}

// SortByTimestamp timestamp 倒序，相同时按 id 倒序
func SortByTimestamp(records []model.EmailRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID > records[j].ID
	})
}

func isReceived(rec model.EmailRecord) bool {
	return rec.Type == model.TypeReceived || rec.EmailType == model.TypeReceived
}

func isSent(rec model.EmailRecord) bool {
	if rec.Type == model.TypeSent || rec.EmailType == model.TypeSent {
		return true
	}
	return rec.Status.IsDelivered()
}

func isScheduled(rec model.EmailRecord, now time.Time, policy config.SyncPolicy) bool {
	if rec.Deleted || rec.Type != model.TypeScheduled {
		return false
	}
	if rec.Status.IsTerminal() {
		return false
	}

	sendTime, hasSendTime := rec.SendTime()

	switch rec.Status {
	case model.StatusPending, model.StatusGenerating, model.StatusNotGenerated:
		return true
	case model.StatusSending:
		// sending 太久通常已经发出
		return now.Sub(referenceTime(rec, sendTime, hasSendTime)) <= policy.SendingStaleAfter
	case model.StatusApproved:
		return !hasSendTime || !sendTime.Before(now.Add(-policy.ApprovedGrace))
	case model.StatusNone:
		// 有正文的记录优先视为有效
		if hasContent(rec) {
			return true
		}
		return hasSendTime && !sendTime.Before(now.Add(-policy.StatuslessGrace))
	}
	return false
}

func referenceTime(rec model.EmailRecord, sendTime time.Time, hasSendTime bool) time.Time {
	switch {
	case hasSendTime:
		return sendTime
	case rec.UpdatedAt != nil:
		return *rec.UpdatedAt
	case rec.CreatedAt != nil:
		return *rec.CreatedAt
	}
	return rec.Timestamp
}

func hasContent(rec model.EmailRecord) bool {
	return rec.HasContent() || rec.Subject != ""
}
