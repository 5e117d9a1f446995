// Package normalize 把文档库中形态各异的原始记录转换为规范的 EmailRecord。
// 原始记录可能来自序列任务、webhook 或手动撰写，时间字段的格式并不统一。
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"mailsync/internal/model"
)

// epochSecondsLimit 小于该值的数字时间戳按秒处理
const epochSecondsLimit = 1e12

// Normalize 纯函数。格式错误的时间字段静默回落：createdAt 回落为 now，其余为 nil
func Normalize(raw model.RawRecord, now time.Time) model.EmailRecord {
	rec := model.EmailRecord{
		ID:         stringField(raw, "id"),
		Type:       model.EmailType(lower(stringField(raw, "type"))),
		Status:     model.Status(lower(stringField(raw, "status"))),
		OwnerID:    stringField(raw, "ownerId"),
		AssignedTo: stringField(raw, "assignedTo"),
		Starred:    boolField(raw, "starred"),
		Deleted:    boolField(raw, "deleted"),
		Subject:    stringField(raw, "subject"),
		HTML:       stringField(raw, "html"),
		Text:       stringField(raw, "text"),
		From:       stringField(raw, "from"),
		To:         stringField(raw, "to"),
		Provider:   stringField(raw, "provider"),
		SequenceID: stringField(raw, "sequenceId"),
	}

	created, ok := ParseTime(raw["createdAt"])
	if !ok {
		created = truncate(now)
	}
	rec.CreatedAt = &created
	rec.UpdatedAt = optionalTime(raw["updatedAt"])
	rec.SentAt = optionalTime(raw["sentAt"])
	rec.ReceivedAt = optionalTime(raw["receivedAt"])

	if t, ok := ParseTime(raw["scheduledSendTime"]); ok {
		rec.ScheduledSendTime = t.UnixMilli()
	}

	rec.EmailType = deriveEmailType(raw, rec)
	if rec.Type == "" {
		rec.Type = rec.EmailType
	}
	rec.Timestamp = timestamp(rec)
	return rec
}

// Renormalize 对已规范化的记录再做一次规范化，结果不变
func Renormalize(rec model.EmailRecord, now time.Time) model.EmailRecord {
	return Normalize(ToRaw(rec), now)
}

// ToRaw 把规范记录还原为原始文档形态，时间字段写成 RFC3339
func ToRaw(rec model.EmailRecord) model.RawRecord {
	raw := model.RawRecord{
		"id":        rec.ID,
		"type":      string(rec.Type),
		"emailType": string(rec.EmailType),
		"starred":   rec.Starred,
		"deleted":   rec.Deleted,
	}
	setString(raw, "status", string(rec.Status))
	setString(raw, "ownerId", rec.OwnerID)
	setString(raw, "assignedTo", rec.AssignedTo)
	setString(raw, "subject", rec.Subject)
	setString(raw, "html", rec.HTML)
	setString(raw, "text", rec.Text)
	setString(raw, "from", rec.From)
	setString(raw, "to", rec.To)
	setString(raw, "provider", rec.Provider)
	setString(raw, "sequenceId", rec.SequenceID)
	setTime(raw, "createdAt", rec.CreatedAt)
	setTime(raw, "updatedAt", rec.UpdatedAt)
	setTime(raw, "sentAt", rec.SentAt)
	setTime(raw, "receivedAt", rec.ReceivedAt)
	if rec.ScheduledSendTime > 0 {
		raw["scheduledSendTime"] = rec.ScheduledSendTime
	}
	return raw
}

// FromJSON 解码 JSON 文档并规范化
func FromJSON(data []byte, now time.Time) (model.EmailRecord, error) {
	var raw model.RawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.EmailRecord{}, fmt.Errorf("decode email document: %w", err)
	}
	return Normalize(raw, now), nil
}

// ParseTime 支持 RFC3339 字符串、epoch 数字（毫秒，或 < 1e12 时为秒）、
// {seconds,nanoseconds} / {_seconds,_nanoseconds} 对象以及 time.Time
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return truncate(t), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return ParseTime(*t)
	case string:
		return parseTimeString(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(t)
	case float32:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case int32:
		return fromEpoch(float64(t))
	case map[string]any:
		return fromSecondsObject(t)
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return truncate(t), true
		}
	}
	// 数字字符串按 epoch 处理
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f < epochSecondsLimit {
		f *= 1000
	}
	return time.UnixMilli(int64(f)).UTC(), true
}

func fromSecondsObject(m map[string]any) (time.Time, bool) {
	secs, ok := number(m["seconds"])
	if !ok {
		secs, ok = number(m["_seconds"])
	}
	if !ok {
		return time.Time{}, false
	}
	nanos, ok := number(m["nanoseconds"])
	if !ok {
		nanos, _ = number(m["_nanoseconds"])
	}
	return truncate(time.Unix(int64(secs), int64(nanos))), true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func optionalTime(v any) *time.Time {
	t, ok := ParseTime(v)
	if !ok {
		return nil
	}
	return &t
}

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// deriveEmailType emailType 缺失时的推断顺序：
// emailType -> type -> provider/source -> sentAt/receivedAt -> sent
func deriveEmailType(raw model.RawRecord, rec model.EmailRecord) model.EmailType {
	if et := validType(stringField(raw, "emailType")); et != "" {
		return et
	}
	if et := validType(string(rec.Type)); et != "" {
		return et
	}

	source := lower(stringField(raw, "source"))
	provider := lower(rec.Provider)
	switch {
	case provider == "gmail" || source == "gmail" || source == "inbound" || source == "webhook_inbound":
		return model.TypeReceived
	case provider == "sequence" || source == "sequence" || rec.SequenceID != "":
		if rec.ScheduledSendTime > 0 {
			return model.TypeScheduled
		}
		return model.TypeSent
	case rec.SentAt != nil:
		return model.TypeSent
	case rec.ReceivedAt != nil:
		return model.TypeReceived
	}
	return model.TypeSent
}

func validType(s string) model.EmailType {
	switch et := model.EmailType(lower(s)); et {
	case model.TypeSent, model.TypeReceived, model.TypeScheduled:
		return et
	}
	return ""
}

// timestamp sentAt > receivedAt > createdAt
func timestamp(rec model.EmailRecord) time.Time {
	switch {
	case rec.SentAt != nil:
		return *rec.SentAt
	case rec.ReceivedAt != nil:
		return *rec.ReceivedAt
	case rec.CreatedAt != nil:
		return *rec.CreatedAt
	}
	return time.Time{}
}

func stringField(raw model.RawRecord, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

func boolField(raw model.RawRecord, key string) bool {
	switch v := raw[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func setString(raw model.RawRecord, key, v string) {
	if v != "" {
		raw[key] = v
	}
}

func setTime(raw model.RawRecord, key string, t *time.Time) {
	if t != nil {
		raw[key] = t.UTC().Format(time.RFC3339Nano)
	}
}
