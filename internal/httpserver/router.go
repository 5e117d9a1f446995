package httpserver

import (
	"context"
	"net/http"
	"time"

	"mailsync/internal/handler"
	"mailsync/internal/ratelimit"
	"mailsync/pkg/otel"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck 返回 nil 表示依赖就绪
type ReadinessCheck func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	emailHandler *handler.EmailHandler,
	moreLimiter *ratelimit.Limiter,
	jwtSecret string,
	checks map[string]ReadinessCheck,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), RequestLogger(logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.GET("/emails", emailHandler.GetEmails)
		auth.POST("/emails/more", RateLimit(moreLimiter), emailHandler.LoadMore)
		auth.GET("/folders/:folder/count", emailHandler.GetFolderCount)
		auth.POST("/emails/:id/star", emailHandler.SetStarred)
		auth.POST("/emails/:id/status", emailHandler.SetStatus)
		auth.DELETE("/emails/:id", emailHandler.DeleteEmail)

		// 管理端：直接查文档库
		auth.GET("/admin/counts/:folder", emailHandler.RemoteCount)
	}

	return &Router{Engine: r}
}

// Server 带超时配置的 http.Server，便于优雅关闭
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
