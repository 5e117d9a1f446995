package folder

import (
	"testing"
	"time"

	"mailsync/config"
	"mailsync/internal/model"

	"github.com/stretchr/testify/assert"
)

var (
	now    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	policy = config.DefaultSyncPolicy()
	admin  = model.NewIdentity("root@example.com", "admin")
	alice  = model.NewIdentity("alice@example.com", "user")
)

func ms(d time.Duration) int64 {
	return now.Add(d).UnixMilli()
}

func scheduled(id string, status model.Status, sendTime int64) model.EmailRecord {
	created := now.Add(-time.Hour)
	return model.EmailRecord{
		ID:                id,
		Type:              model.TypeScheduled,
		EmailType:         model.TypeScheduled,
		Status:            status,
		ScheduledSendTime: sendTime,
		CreatedAt:         &created,
		Timestamp:         created,
	}
}

func TestClassify_ApprovedPastGraceExcluded(t *testing.T) {
	rec := scheduled("a", model.StatusApproved, ms(-2*time.Minute))
	assert.False(t, Classify(rec, model.FolderScheduled, admin, now, policy))

	rec.ScheduledSendTime = ms(-30 * time.Second)
	assert.True(t, Classify(rec, model.FolderScheduled, admin, now, policy))
}

func TestClassify_StatuslessWithinGraceIncluded(t *testing.T) {
	rec := scheduled("b", model.StatusNone, ms(-time.Minute))
	assert.True(t, Classify(rec, model.FolderScheduled, admin, now, policy))

	rec.ScheduledSendTime = ms(time.Hour)
	assert.True(t, Classify(rec, model.FolderScheduled, admin, now, policy))

	rec.ScheduledSendTime = ms(-10 * time.Minute)
	assert.False(t, Classify(rec, model.FolderScheduled, admin, now, policy))
}

func TestClassify_StatuslessOrphan(t *testing.T) {
	orphan := scheduled("o", model.StatusNone, 0)
	assert.False(t, Classify(orphan, model.FolderScheduled, admin, now, policy))

	withContent := orphan
	withContent.HTML = "<p>draft</p>"
	assert.True(t, Classify(withContent, model.FolderScheduled, admin, now, policy))

	pastWithSubject := scheduled("p", model.StatusNone, ms(-time.Hour))
	pastWithSubject.Subject = "Follow up"
	assert.True(t, Classify(pastWithSubject, model.FolderScheduled, admin, now, policy))
}

func TestClassify_ScheduledStatuses(t *testing.T) {
	cases := []struct {
		status model.Status
		send   int64
		want   bool
	}{
		{model.StatusPending, ms(-48 * time.Hour), true},
		{model.StatusGenerating, 0, true},
		{model.StatusNotGenerated, 0, true},
		{model.StatusSending, ms(-2 * time.Minute), true},
		{model.StatusSending, ms(-6 * time.Minute), false},
		{model.StatusSent, ms(time.Hour), false},
		{model.StatusDelivered, ms(time.Hour), false},
		{model.StatusError, ms(time.Hour), false},
		{model.StatusRejected, ms(time.Hour), false},
		{model.StatusApproved, 0, true},
		{model.Status("bogus"), ms(time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			rec := scheduled("s", tc.status, tc.send)
			assert.Equal(t, tc.want, Classify(rec, model.FolderScheduled, admin, now, policy))
		})
	}
}

func TestClassify_SendingWithoutSendTimeUsesUpdatedAt(t *testing.T) {
	rec := scheduled("s", model.StatusSending, 0)
	updated := now.Add(-10 * time.Minute)
	rec.UpdatedAt = &updated
	assert.False(t, Classify(rec, model.FolderScheduled, admin, now, policy))

	updated = now.Add(-time.Minute)
	assert.True(t, Classify(rec, model.FolderScheduled, admin, now, policy))
}

func TestClassify_ScheduledAndSentNeverInScheduled(t *testing.T) {
	for _, status := range []model.Status{model.StatusSent, model.StatusDelivered} {
		for _, send := range []int64{0, ms(-time.Hour), ms(time.Hour)} {
			rec := scheduled("x", status, send)
			assert.False(t, Classify(rec, model.FolderScheduled, admin, now, policy))
			assert.True(t, Classify(rec, model.FolderSent, admin, now, policy))
		}
	}
}

func TestClassify_TrashIffDeleted(t *testing.T) {
	records := []model.EmailRecord{
		{ID: "1", Type: model.TypeReceived, EmailType: model.TypeReceived},
		{ID: "2", Type: model.TypeReceived, EmailType: model.TypeReceived, Deleted: true},
		{ID: "3", Type: model.TypeSent, EmailType: model.TypeSent, Starred: true, Deleted: true},
		scheduled("4", model.StatusPending, ms(time.Hour)),
	}
	records[3].Deleted = true

	for _, rec := range records {
		assert.Equal(t, rec.Deleted, Classify(rec, model.FolderTrash, admin, now, policy), rec.ID)
		if rec.Deleted {
			for _, f := range []model.Folder{model.FolderInbox, model.FolderSent, model.FolderScheduled, model.FolderStarred} {
				assert.False(t, Classify(rec, f, admin, now, policy), "%s in %s", rec.ID, f)
			}
		}
	}
}

func TestClassify_InboxSentStarred(t *testing.T) {
	received := model.EmailRecord{ID: "r", Type: model.TypeReceived, EmailType: model.TypeReceived, Starred: true}
	sentByStatus := model.EmailRecord{ID: "s", Type: model.TypeScheduled, EmailType: model.TypeScheduled, Status: model.StatusDelivered}

	assert.True(t, Classify(received, model.FolderInbox, admin, now, policy))
	assert.False(t, Classify(received, model.FolderSent, admin, now, policy))
	assert.True(t, Classify(received, model.FolderStarred, admin, now, policy))
	assert.True(t, Classify(sentByStatus, model.FolderSent, admin, now, policy))
	assert.False(t, Classify(sentByStatus, model.FolderInbox, admin, now, policy))
}

func TestClassify_ScopedIdentity(t *testing.T) {
	owned := model.EmailRecord{ID: "1", Type: model.TypeReceived, OwnerID: "Alice@Example.com"}
	assigned := model.EmailRecord{ID: "2", Type: model.TypeReceived, OwnerID: "bob@example.com", AssignedTo: "alice@example.com"}
	foreign := model.EmailRecord{ID: "3", Type: model.TypeReceived, OwnerID: "bob@example.com"}

	assert.True(t, Classify(owned, model.FolderInbox, alice, now, policy))
	assert.True(t, Classify(assigned, model.FolderInbox, alice, now, policy))
	assert.False(t, Classify(foreign, model.FolderInbox, alice, now, policy))
	assert.True(t, Classify(foreign, model.FolderInbox, admin, now, policy))
}

func TestFilter_SortedByTimestampDesc(t *testing.T) {
	mk := func(id string, age time.Duration) model.EmailRecord {
		return model.EmailRecord{ID: id, Type: model.TypeReceived, Timestamp: now.Add(-age)}
	}
	out := Filter([]model.EmailRecord{mk("old", time.Hour), mk("new", time.Minute), mk("mid", 10*time.Minute)},
		model.FolderInbox, admin, now, policy)

	ids := make([]string, 0, len(out))
	for _, r := range out {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
	assert.Equal(t, 3, Count(out, model.FolderInbox, admin, now, policy))
}
