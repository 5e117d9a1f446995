package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailsync/config"
	"mailsync/internal/cache"
	"mailsync/internal/fetcher"
	"mailsync/internal/loader"
	"mailsync/internal/model"
	"mailsync/internal/realtime"
	"mailsync/internal/session"
	"mailsync/internal/storetest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store  *storetest.Store
	engine *gin.Engine
	users  map[string]model.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	now := time.Now().UTC()
	store := storetest.New()
	store.Put(model.RawRecord{"id": "r1", "type": "received", "ownerId": "alice@example.com", "subject": "hello"}, now.Add(-time.Hour))
	store.Put(model.RawRecord{"id": "r2", "type": "received", "ownerId": "bob@example.com", "subject": "other"}, now.Add(-2*time.Hour))
	store.Put(model.RawRecord{"id": "s1", "type": "sent", "status": "sent", "assignedTo": "Alice@Example.com"}, now.Add(-3*time.Hour))

	policy := config.DefaultSyncPolicy()
	mem := cache.NewMemoryStore()
	writer := cache.NewThrottledWriter(mem, time.Millisecond)
	f := fetcher.New(store, policy, zap.NewNop())
	registry := session.NewRegistry(func(identity model.Identity) *loader.Loader {
		return loader.New(identity, f, mem, writer, []realtime.Stream{realtime.NewLocalStream(realtime.SourceRecent)}, policy, zap.NewNop())
	}, time.Minute, zap.NewNop())
	t.Cleanup(registry.Close)

	fx := &fixture{
		store: store,
		users: map[string]model.Identity{
			"alice": model.NewIdentity("alice@example.com", "user"),
			"admin": model.NewIdentity("root@example.com", "admin"),
		},
	}

	h := NewEmailHandler(registry, store, zap.NewNop())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if identity, ok := fx.users[c.GetHeader("X-User")]; ok {
			c.Set(IdentityKey, identity)
		}
		c.Next()
	})
	r.GET("/emails", h.GetEmails)
	r.POST("/emails/more", h.LoadMore)
	r.GET("/folders/:folder/count", h.GetFolderCount)
	r.POST("/emails/:id/star", h.SetStarred)
	r.POST("/emails/:id/status", h.SetStatus)
	r.DELETE("/emails/:id", h.DeleteEmail)
	r.GET("/admin/counts/:folder", h.RemoteCount)
	fx.engine = r
	return fx
}

func (fx *fixture) do(t *testing.T, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-User", user)

	w := httptest.NewRecorder()
	fx.engine.ServeHTTP(w, req)

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func ids(t *testing.T, v any) []string {
	t.Helper()
	list, ok := v.([]any)
	require.True(t, ok, "expected array, got %T", v)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, item.(map[string]any)["id"].(string))
	}
	return out
}

func TestGetEmails_ScopedInbox(t *testing.T) {
	fx := newFixture(t)

	code, body := fx.do(t, http.MethodGet, "/emails?folder=inbox", "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"r1"}, ids(t, body["emails"]))
	assert.Equal(t, false, body["hasMore"])
	assert.Equal(t, false, body["fromCache"])

	code, body = fx.do(t, http.MethodGet, "/emails?folder=sent", "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"s1"}, ids(t, body["emails"]))
}

func TestGetEmails_Errors(t *testing.T) {
	fx := newFixture(t)

	code, _ := fx.do(t, http.MethodGet, "/emails?folder=spam", "alice", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = fx.do(t, http.MethodGet, "/emails", "nobody", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestLoadMore_NoMorePages(t *testing.T) {
	fx := newFixture(t)

	fx.do(t, http.MethodGet, "/emails", "admin", "")
	code, body := fx.do(t, http.MethodPost, "/emails/more", "admin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["emails"])
	assert.Equal(t, false, body["hasMore"])
}

func TestFolderCount(t *testing.T) {
	fx := newFixture(t)

	fx.do(t, http.MethodGet, "/emails", "admin", "")
	code, body := fx.do(t, http.MethodGet, "/folders/inbox/count", "admin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "inbox", body["folder"])
	assert.Equal(t, float64(2), body["count"])
}

func TestStarAndDelete(t *testing.T) {
	fx := newFixture(t)
	fx.do(t, http.MethodGet, "/emails", "alice", "")

	code, _ := fx.do(t, http.MethodPost, "/emails/r1/star", "alice", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, fx.store.Raw("r1")["starred"])

	_, body := fx.do(t, http.MethodGet, "/emails?folder=starred", "alice", "")
	assert.Equal(t, []string{"r1"}, ids(t, body["emails"]))

	code, _ = fx.do(t, http.MethodPost, "/emails/r1/star", "alice", `{"starred":false}`)
	require.Equal(t, http.StatusOK, code)
	_, body = fx.do(t, http.MethodGet, "/emails?folder=starred", "alice", "")
	assert.Empty(t, body["emails"])

	code, _ = fx.do(t, http.MethodDelete, "/emails/r1", "alice", "")
	require.Equal(t, http.StatusOK, code)
	_, body = fx.do(t, http.MethodGet, "/emails?folder=trash", "alice", "")
	assert.Equal(t, []string{"r1"}, ids(t, body["emails"]))
	_, body = fx.do(t, http.MethodGet, "/emails?folder=inbox", "alice", "")
	assert.Empty(t, body["emails"])

	patches := fx.store.Patches()
	require.Len(t, patches, 3)
	assert.Equal(t, "email.changed", patches[2].RoutingKey)
}

func TestModify_OutOfScopeIsNotFound(t *testing.T) {
	fx := newFixture(t)

	code, _ := fx.do(t, http.MethodPost, "/emails/r2/star", "alice", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = fx.do(t, http.MethodDelete, "/emails/missing", "alice", "")
	assert.Equal(t, http.StatusNotFound, code)

	assert.Empty(t, fx.store.Patches())
}

func TestRemoteCount_AdminOnly(t *testing.T) {
	fx := newFixture(t)

	code, _ := fx.do(t, http.MethodGet, "/admin/counts/inbox", "alice", "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, 0, fx.store.Calls("CountFolder"))

	code, body := fx.do(t, http.MethodGet, "/admin/counts/inbox", "admin", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "remote", body["source"])
}

func TestSetStatus(t *testing.T) {
	fx := newFixture(t)
	fx.do(t, http.MethodGet, "/emails", "alice", "")

	code, _ := fx.do(t, http.MethodPost, "/emails/s1/status", "alice", `{"status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = fx.do(t, http.MethodPost, "/emails/s1/status", "alice", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := fx.do(t, http.MethodPost, "/emails/s1/status", "alice", `{"status":"error"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "error", body["email"].(map[string]any)["status"])
	assert.Equal(t, "error", fx.store.Raw("s1")["status"])

	_, body = fx.do(t, http.MethodGet, "/emails?folder=sent", "alice", "")
	list := body["emails"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "error", list[0].(map[string]any)["status"])

	patches := fx.store.Patches()
	require.Len(t, patches, 1)
	assert.Equal(t, "email.changed", patches[0].RoutingKey)

	fx.do(t, http.MethodPost, "/emails/s1/status", "alice", `{"status":"delivered"}`)
	patches = fx.store.Patches()
	require.Len(t, patches, 2)
	assert.Equal(t, "email.status.sent", patches[1].RoutingKey)
}

func TestModify_RemovesEmailDeletedFromStore(t *testing.T) {
	fx := newFixture(t)
	_, body := fx.do(t, http.MethodGet, "/emails?folder=inbox", "alice", "")
	require.Equal(t, []string{"r1"}, ids(t, body["emails"]))

	fx.store.Delete("r1")

	code, _ := fx.do(t, http.MethodPost, "/emails/r1/star", "alice", "")
	assert.Equal(t, http.StatusNotFound, code)

	_, body = fx.do(t, http.MethodGet, "/emails?folder=inbox", "alice", "")
	assert.Empty(t, body["emails"])
}
