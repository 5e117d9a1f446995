package model

import (
	"fmt"
	"strings"
	"time"
)

// EmailType 邮件方向
type EmailType string

const (
	TypeSent      EmailType = "sent"
	TypeReceived  EmailType = "received"
	TypeScheduled EmailType = "scheduled"
)

// Status 发送状态，空字符串表示记录没有 status 字段
type Status string

const (
	StatusNone         Status = ""
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusSending      Status = "sending"
	StatusSent         Status = "sent"
	StatusDelivered    Status = "delivered"
	StatusError        Status = "error"
	StatusRejected     Status = "rejected"
	StatusNotGenerated Status = "not_generated"
	StatusGenerating   Status = "generating"
)

// ParseStatus 只接受已知的发送状态，大小写不敏感
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusApproved, StatusSending, StatusSent, StatusDelivered,
		StatusError, StatusRejected, StatusNotGenerated, StatusGenerating:
		return st, nil
	}
	return StatusNone, fmt.Errorf("unknown status %q", s)
}

// IsTerminal 终态：不会再出现在 scheduled 文件夹
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusError, StatusRejected:
		return true
	}
	return false
}

// IsDelivered sent 或 delivered
func (s Status) IsDelivered() bool {
	return s == StatusSent || s == StatusDelivered
}

// RawRecord 文档库中的原始文档。只允许 normalize 包读取
type RawRecord map[string]any

// EmailRecord 规范化后的邮件记录。时间字段序列化为 ISO-8601，缺失为 null
type EmailRecord struct {
	ID         string    `json:"id"`
	Type       EmailType `json:"type"`
	EmailType  EmailType `json:"emailType"`
	Status     Status    `json:"status,omitempty"`
	OwnerID    string    `json:"ownerId,omitempty"`
	AssignedTo string    `json:"assignedTo,omitempty"`

	CreatedAt  *time.Time `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt"`
	SentAt     *time.Time `json:"sentAt"`
	ReceivedAt *time.Time `json:"receivedAt"`
	Timestamp  time.Time  `json:"timestamp"`

	// ScheduledSendTime epoch 毫秒，0 表示没有
	ScheduledSendTime int64 `json:"scheduledSendTime,omitempty"`

	Starred bool `json:"starred"`
	Deleted bool `json:"deleted"`

	Subject    string `json:"subject,omitempty"`
	HTML       string `json:"html,omitempty"`
	Text       string `json:"text,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SequenceID string `json:"sequenceId,omitempty"`
}

// HasContent 是否有可渲染的正文
func (r EmailRecord) HasContent() bool {
	return strings.TrimSpace(r.HTML) != "" || strings.TrimSpace(r.Text) != ""
}

// SendTime ScheduledSendTime 转为 time.Time；ok=false 表示没有发送时间
func (r EmailRecord) SendTime() (time.Time, bool) {
	if r.ScheduledSendTime <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(r.ScheduledSendTime).UTC(), true
}

// BelongsTo owner 或 assignee 为该身份（邮箱大小写不敏感）
func (r EmailRecord) BelongsTo(email string) bool {
	return strings.EqualFold(r.OwnerID, email) || strings.EqualFold(r.AssignedTo, email)
}

// Cursor 分页游标，指向上一页最后一条文档
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// PageCursor 一条分页链的位置。admin 只用 Recent；受限身份的 owned/assigned 各自独立。
// 随列表一起写入缓存，恢复会话时从上次取到的最后一页继续
type PageCursor struct {
	Recent       *Cursor `json:"recent,omitempty"`
	Owned        *Cursor `json:"owned,omitempty"`
	Assigned     *Cursor `json:"assigned,omitempty"`
	RecentMore   bool    `json:"recentMore"`
	OwnedMore    bool    `json:"ownedMore"`
	AssignedMore bool    `json:"assignedMore"`
}

// HasMore 任一子查询还有下一页
func (c PageCursor) HasMore() bool {
	return c.RecentMore || c.OwnedMore || c.AssignedMore
}

// Reaches 每个还有下一页的子查询，其游标文档都满足 known。
// 用来判断新取的首页是否与已有列表首尾相接
func (c PageCursor) Reaches(known func(id string) bool) bool {
	check := func(cur *Cursor, more bool) bool {
		return !more || (cur != nil && known(cur.ID))
	}
	return check(c.Recent, c.RecentMore) && check(c.Owned, c.OwnedMore) && check(c.Assigned, c.AssignedMore)
}

// Document 文档库中的一行：原始文档加上分页用的索引列
type Document struct {
	ID        string
	CreatedAt time.Time
	Raw       RawRecord
}

// Cursor 以该文档为分页游标
func (d Document) Cursor() Cursor {
	return Cursor{CreatedAt: d.CreatedAt, ID: d.ID}
}

// ScopeField 受限身份的两个查询维度
type ScopeField string

const (
	FieldOwner    ScopeField = "owner_id"
	FieldAssignee ScopeField = "assigned_to"
)
