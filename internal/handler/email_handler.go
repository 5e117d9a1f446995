package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mailsync/internal/counts"
	"mailsync/internal/folder"
	"mailsync/internal/loader"
	"mailsync/internal/model"
	"mailsync/internal/normalize"
	"mailsync/pkg/logger"
	"mailsync/pkg/rbac"
	"mailsync/pkg/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdentityKey 认证中间件写入 gin.Context 的键
const IdentityKey = "identity"

// Sessions 按身份取会话
type Sessions interface {
	Get(ctx context.Context, identity model.Identity) (*loader.Loader, error)
}

// EmailStore 写操作与远端计数
type EmailStore interface {
	GetDocument(ctx context.Context, id string) (model.Document, error)
	SetStarred(ctx context.Context, id string, starred bool) (model.Document, error)
	SoftDelete(ctx context.Context, id string) (model.Document, error)
	SetStatus(ctx context.Context, id string, status model.Status) (model.Document, error)
	counts.RemoteCounter
}

type EmailHandler struct {
	sessions      Sessions
	store         EmailStore
	firstLoadWait time.Duration
	logger        *zap.Logger
}

func NewEmailHandler(sessions Sessions, store EmailStore, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		sessions:      sessions,
		store:         store,
		firstLoadWait: 5 * time.Second,
		logger:        logger,
	}
}

// WithFirstLoadWait 冷启动（无缓存）时等待首屏查询的最长时间
func (h *EmailHandler) WithFirstLoadWait(d time.Duration) *EmailHandler {
	h.firstLoadWait = d
	return h
}

// GetIdentity 读取认证中间件写入的身份
func GetIdentity(c *gin.Context) (model.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return model.Identity{}, false
	}
	identity, ok := v.(model.Identity)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid identity"})
		return model.Identity{}, false
	}
	return identity, true
}

// GetEmails handles GET /emails?folder=inbox
func (h *EmailHandler) GetEmails(c *gin.Context) {
	f, ok := parseFolder(c, c.DefaultQuery("folder", string(model.FolderInbox)))
	if !ok {
		return
	}
	l, ok := h.session(c)
	if !ok {
		return
	}

	if len(l.Records()) == 0 {
		h.waitFirstLoad(c.Request.Context(), l)
	}

	c.JSON(http.StatusOK, gin.H{
		"folder":    f,
		"emails":    l.Folder(f),
		"hasMore":   l.HasMore(),
		"fromCache": l.FromCache(),
	})
}

// LoadMore handles POST /emails/more
func (h *EmailHandler) LoadMore(c *gin.Context) {
	l, ok := h.session(c)
	if !ok {
		return
	}

	ev, err := l.LoadMore(c.Request.Context())
	if err != nil {
		if errors.Is(err, loader.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session closed"})
			return
		}
		logger.WithTrace(c.Request.Context(), h.logger).Warn("Load more failed",
			zap.String("identity", l.Identity().CurrentUserEmail()),
			zap.Int("records", len(ev.Records)),
			zap.Error(err),
		)
		// 部分子查询失败时仍返回已取到的记录
		if len(ev.Records) == 0 {
			h.storeError(c, err, "failed to load more emails")
			return
		}
	}

	records := ev.Records
	if records == nil {
		records = []model.EmailRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"emails":  records,
		"hasMore": ev.HasMore,
	})
}

// GetFolderCount handles GET /folders/:folder/count
func (h *EmailHandler) GetFolderCount(c *gin.Context) {
	f, ok := parseFolder(c, c.Param("folder"))
	if !ok {
		return
	}
	l, ok := h.session(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"folder": f,
		"count":  l.Count(f),
	})
}

// SetStarred handles POST /emails/:id/star  body: {"starred": bool}，缺省为 true
func (h *EmailHandler) SetStarred(c *gin.Context) {
	var req struct {
		Starred *bool `json:"starred"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	starred := true
	if req.Starred != nil {
		starred = *req.Starred
	}

	h.modify(c, "star",
		func(ctx context.Context, id string) (model.Document, error) {
			return h.store.SetStarred(ctx, id, starred)
		},
		func(l *loader.Loader, id string) bool { return l.SetStarred(id, starred) },
	)
}

// DeleteEmail handles DELETE /emails/:id（软删除，进入 trash）
func (h *EmailHandler) DeleteEmail(c *gin.Context) {
	h.modify(c, "delete", h.store.SoftDelete, (*loader.Loader).MarkDeleted)
}

// SetStatus handles POST /emails/:id/status  body: {"status": "sent"}
func (h *EmailHandler) SetStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.modify(c, "status",
		func(ctx context.Context, id string) (model.Document, error) {
			return h.store.SetStatus(ctx, id, status)
		},
		func(l *loader.Loader, id string) bool { return l.SetStatus(id, status) },
	)
}

// RemoteCount handles GET /admin/counts/:folder，直接查文档库聚合
func (h *EmailHandler) RemoteCount(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		return
	}
	if err := rbac.CheckPermission(identity.Email, identity.Role, rbac.PermissionRemoteCount); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	f, ok := parseFolder(c, c.Param("folder"))
	if !ok {
		return
	}

	n, err := counts.RemoteCount(c.Request.Context(), h.store, f, identity)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Remote count failed",
			zap.String("folder", string(f)),
			zap.Error(err),
		)
		h.storeError(c, err, "failed to count emails")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"folder": f,
		"count":  n,
		"source": "remote",
	})
}

// modify 检查权限和归属后写库，再同步到会话：列表里已有的记录走会话的本地变更，
// 还没分页取到的直接合并写库结果。文档库里已不存在的记录从会话中移除
func (h *EmailHandler) modify(
	c *gin.Context,
	op string,
	write func(context.Context, string) (model.Document, error),
	local func(l *loader.Loader, id string) bool,
) {
	identity, ok := GetIdentity(c)
	if !ok {
		return
	}
	if err := rbac.CheckPermission(identity.Email, identity.Role, rbac.PermissionModifyEmail); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	doc, err := h.store.GetDocument(ctx, id)
	if err != nil {
		h.dropMissing(ctx, identity, id, err)
		h.storeError(c, err, "failed to load email")
		return
	}
	// 越权访问按不存在处理
	if !folder.InScope(normalize.Normalize(doc.Raw, time.Now()), identity) {
		c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
		return
	}

	doc, err = write(ctx, id)
	if err != nil {
		logger.WithTrace(ctx, h.logger).Error("Failed to modify email",
			zap.String("op", op),
			zap.String("id", id),
			zap.Error(err),
		)
		h.dropMissing(ctx, identity, id, err)
		h.storeError(c, err, "failed to update email")
		return
	}

	rec := normalize.Normalize(doc.Raw, time.Now())
	l, ok := h.session(c)
	if !ok {
		return
	}
	if !local(l, id) {
		l.Apply(rec)
	}

	c.JSON(http.StatusOK, gin.H{"email": rec})
}

// dropMissing 文档已被删除时，把会话里残留的记录移除
func (h *EmailHandler) dropMissing(ctx context.Context, identity model.Identity, id string, err error) {
	if kind, _ := util.ClassifyStoreError(err); kind != util.KindNotFound {
		return
	}
	l, err := h.sessions.Get(ctx, identity)
	if err != nil {
		return
	}
	if l.Remove(id) {
		logger.WithTrace(ctx, h.logger).Info("Removed email missing from store", zap.String("id", id))
	}
}

func (h *EmailHandler) session(c *gin.Context) (*loader.Loader, bool) {
	identity, ok := GetIdentity(c)
	if !ok {
		return nil, false
	}
	l, err := h.sessions.Get(c.Request.Context(), identity)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to open session",
			zap.String("identity", identity.Email),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session unavailable"})
		return nil, false
	}
	return l, true
}

func (h *EmailHandler) waitFirstLoad(ctx context.Context, l *loader.Loader) {
	timer := time.NewTimer(h.firstLoadWait)
	defer timer.Stop()
	select {
	case <-l.Ready():
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (h *EmailHandler) storeError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	kind, _ := util.ClassifyStoreError(err)
	switch kind {
	case util.KindNotFound:
		status, msg = http.StatusNotFound, "email not found"
	case util.KindPermissionDenied:
		status = http.StatusForbidden
	case util.KindTimeout:
		status = http.StatusGatewayTimeout
	case util.KindCanceled:
		status = 499
	}
	c.JSON(status, gin.H{"error": msg, "kind": kind})
}

func parseFolder(c *gin.Context, name string) (model.Folder, bool) {
	f, err := model.ParseFolder(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return f, true
}
