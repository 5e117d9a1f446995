package mq

import "encoding/json"

// 路由键，全部发布到 email.events topic exchange
const (
	// RoutingKeyEmailChanged 任意邮件文档变更（主窗口流）
	RoutingKeyEmailChanged = "email.changed"
	// RoutingKeyStatusSent 发送状态跟踪流（type=sent, status=sent）
	RoutingKeyStatusSent = "email.status.sent"
	// RoutingKeyScheduled scheduled 邮件流
	RoutingKeyScheduled = "email.scheduled"
)

// EmailChangedPayload 一批变更后的邮件文档。Records 为原始文档，
// 由消费方统一规范化
type EmailChangedPayload struct {
	Source  string            `json:"source"`
	Records []json.RawMessage `json:"records"`
	TraceID string            `json:"trace_id,omitempty"`
}
