package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	contractsmq "mailsync/contracts/mq"
	"mailsync/internal/model"
	"mailsync/pkg/otel"
	"mailsync/pkg/outbox"
	"mailsync/pkg/trace"
	"mailsync/pkg/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound 文档不存在
var ErrNotFound = util.ErrNotFound

const table = "emails"

const selectColumns = `id, created_at, doc`

// EmailRepository 文档库访问。每行保存完整原始文档（doc JSONB），
// 另抽取 owner/assignee/type/status 等列用于查询与 keyset 分页
type EmailRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewEmailRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, logger *zap.Logger) *EmailRepository {
	return &EmailRepository{db: db, outbox: outboxRepo, logger: logger}
}

// ListRecent 全局最新文档，按 (created_at, id) 倒序；after 为 nil 时从头开始
func (r *EmailRepository) ListRecent(ctx context.Context, limit int, after *model.Cursor) ([]model.Document, error) {
	r.logger.Debug("Listing recent emails", zap.Int("limit", limit), zap.Bool("has_cursor", after != nil))

	query := `SELECT ` + selectColumns + ` FROM emails`
	args := []any{}
	if after != nil {
		query += ` WHERE (created_at, id) < ($1, $2)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	return r.queryDocuments(ctx, "list_recent", query, args...)
}

// ListByField 受限身份的分页查询（owner 或 assignee），邮箱大小写不敏感
func (r *EmailRepository) ListByField(ctx context.Context, field model.ScopeField, value string, limit int, after *model.Cursor) ([]model.Document, error) {
	column, err := scopeColumn(field)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Listing emails by field",
		zap.String("field", column),
		zap.String("value", value),
		zap.Int("limit", limit),
		zap.Bool("has_cursor", after != nil),
	)

	query := `SELECT ` + selectColumns + ` FROM emails WHERE lower(` + column + `) = lower($1)`
	args := []any{value}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	return r.queryDocuments(ctx, "list_by_"+string(field), query, args...)
}

// ListScheduled type=scheduled 的文档，与分页窗口无关。scope 为空表示全部
func (r *EmailRepository) ListScheduled(ctx context.Context, scope string, limit int) ([]model.Document, error) {
	query := `SELECT ` + selectColumns + ` FROM emails WHERE type = 'scheduled'`
	args := []any{}
	if scope != "" {
		query += ` AND (lower(owner_id) = lower($1) OR lower(assigned_to) = lower($1))`
		args = append(args, scope)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	return r.queryDocuments(ctx, "list_scheduled", query, args...)
}

// GetDocument 按 id 查询，用于游标解析
func (r *EmailRepository) GetDocument(ctx context.Context, id string) (model.Document, error) {
	var doc model.Document
	err := otel.Query(ctx, "get_document", table, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM emails WHERE id = $1`, id)
		var err error
		doc, err = scanDocument(row)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to get email document", zap.String("id", id), zap.Error(err))
		return model.Document{}, fmt.Errorf("get email %s: %w", id, err)
	}
	return doc, nil
}

// CountFolder 文档库聚合计数，只用于诊断。scheduled 的时间窗口规则只在内存分类中生效
func (r *EmailRepository) CountFolder(ctx context.Context, folder model.Folder, identity model.Identity) (int, error) {
	where, err := folderPredicate(folder)
	if err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM emails WHERE ` + where
	args := []any{}
	if !identity.IsCurrentUserAdmin() {
		query += ` AND (lower(owner_id) = lower($1) OR lower(assigned_to) = lower($1))`
		args = append(args, identity.CurrentUserEmail())
	}

	var n int
	err = otel.Query(ctx, "count_"+string(folder), table, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		r.logger.Error("Failed to count folder",
			zap.String("folder", string(folder)),
			zap.String("identity", identity.CurrentUserEmail()),
			zap.Error(err),
		)
		return 0, fmt.Errorf("count %s: %w", folder, err)
	}
	return n, nil
}

// ListReconcileCandidates 对账候选：scheduled 类型或仍处于 sending 的未删除文档，按 id 分批
func (r *EmailRepository) ListReconcileCandidates(ctx context.Context, afterID string, limit int) ([]model.Document, error) {
	query := `SELECT ` + selectColumns + ` FROM emails
		WHERE NOT deleted AND (type = 'scheduled' OR status = 'sending') AND id > $1
		ORDER BY id LIMIT $2`
	return r.queryDocuments(ctx, "list_reconcile_candidates", query, afterID, limit)
}

// PatchDocument 合并 patch 到文档并同步索引列，同一事务内写入 outbox 事件
func (r *EmailRepository) PatchDocument(ctx context.Context, id string, patch map[string]any, routingKey, source string) (model.Document, error) {
	patch = withUpdatedAt(patch, time.Now().UTC())
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return model.Document{}, fmt.Errorf("encode patch: %w", err)
	}

	var doc model.Document
	err = otel.Query(ctx, "patch_document", table, func(ctx context.Context) error {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
			UPDATE emails SET
				doc = doc || $2::jsonb,
				type = COALESCE($2::jsonb->>'type', type),
				status = COALESCE($2::jsonb->>'status', status),
				deleted = COALESCE(($2::jsonb->>'deleted')::boolean, deleted),
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+selectColumns, id, patchJSON)
		doc, err = scanDocument(row)
		if err != nil {
			return err
		}

		rawDoc, err := json.Marshal(doc.Raw)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		payload := contractsmq.EmailChangedPayload{
			Source:  source,
			Records: []json.RawMessage{rawDoc},
			TraceID: trace.FromContext(ctx),
		}
		if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "email", id, routingKey, payload); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to patch email document",
			zap.String("id", id),
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
		return model.Document{}, fmt.Errorf("patch email %s: %w", id, err)
	}

	r.logger.Info("Email document patched",
		zap.String("id", id),
		zap.String("routing_key", routingKey),
		zap.String("source", source),
	)
	return doc, nil
}

// SetStarred 星标
func (r *EmailRepository) SetStarred(ctx context.Context, id string, starred bool) (model.Document, error) {
	return r.PatchDocument(ctx, id, map[string]any{"starred": starred}, contractsmq.RoutingKeyEmailChanged, "api")
}

// SoftDelete 软删除，记录进入 trash
func (r *EmailRepository) SoftDelete(ctx context.Context, id string) (model.Document, error) {
	return r.PatchDocument(ctx, id, map[string]any{"deleted": true}, contractsmq.RoutingKeyEmailChanged, "api")
}

// SetStatus 修改发送状态；sent/delivered 走发送状态流
func (r *EmailRepository) SetStatus(ctx context.Context, id string, status model.Status) (model.Document, error) {
	routingKey := contractsmq.RoutingKeyEmailChanged
	if status.IsDelivered() {
		routingKey = contractsmq.RoutingKeyStatusSent
	}
	return r.PatchDocument(ctx, id, map[string]any{"status": string(status)}, routingKey, "api")
}

func (r *EmailRepository) queryDocuments(ctx context.Context, operation, query string, args ...any) ([]model.Document, error) {
	docs := []model.Document{}
	err := otel.Query(ctx, operation, table, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return rows.Err()
	})
	if err != nil {
		r.logger.Error("Failed to query email documents",
			zap.String("operation", operation),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return docs, nil
}

func scanDocument(row pgx.Row) (model.Document, error) {
	var (
		doc  model.Document
		data []byte
	)
	if err := row.Scan(&doc.ID, &doc.CreatedAt, &data); err != nil {
		return model.Document{}, err
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	raw, err := decodeDocument(doc.ID, doc.CreatedAt, data)
	if err != nil {
		return model.Document{}, err
	}
	doc.Raw = raw
	return doc, nil
}

// decodeDocument 解码 JSONB，并用索引列补齐 id 和 createdAt
func decodeDocument(id string, createdAt time.Time, data []byte) (model.RawRecord, error) {
	raw := model.RawRecord{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", id, err)
		}
	}
	raw["id"] = id
	if _, ok := raw["createdAt"]; !ok {
		raw["createdAt"] = createdAt.Format(time.RFC3339Nano)
	}
	return raw, nil
}

func withUpdatedAt(patch map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		out[k] = v
	}
	out["updatedAt"] = now.Format(time.RFC3339Nano)
	return out
}

func scopeColumn(field model.ScopeField) (string, error) {
	switch field {
	case model.FieldOwner, model.FieldAssignee:
		return string(field), nil
	}
	return "", fmt.Errorf("unknown scope field %q", field)
}

func folderPredicate(folder model.Folder) (string, error) {
	switch folder {
	case model.FolderInbox:
		return `type = 'received' AND NOT deleted`, nil
	case model.FolderSent:
		return `(type = 'sent' OR status IN ('sent', 'delivered')) AND NOT deleted`, nil
	case model.FolderScheduled:
		return `type = 'scheduled' AND NOT deleted AND status NOT IN ('sent', 'delivered', 'error', 'rejected')`, nil
	case model.FolderStarred:
		return `COALESCE((doc->>'starred')::boolean, FALSE) AND NOT deleted`, nil
	case model.FolderTrash:
		return `deleted`, nil
	}
	return "", fmt.Errorf("unknown folder %q", strings.TrimSpace(string(folder)))
}
