package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailsync/config"
	"mailsync/internal/cache"
	"mailsync/internal/fetcher"
	"mailsync/internal/handler"
	"mailsync/internal/httpserver"
	"mailsync/internal/loader"
	"mailsync/internal/model"
	"mailsync/internal/ratelimit"
	"mailsync/internal/realtime"
	"mailsync/internal/repository"
	"mailsync/internal/session"
	"mailsync/migrations"
	"mailsync/pkg/circuitbreaker"
	"mailsync/pkg/db"
	"mailsync/pkg/logger"
	"mailsync/pkg/mq"
	"mailsync/pkg/otel"
	"mailsync/pkg/outbox"
	redisclient "mailsync/pkg/redis"

	"github.com/rabbitmq/amqp091-go"
	gootel "go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting mailsync server...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("mq", cfg.MQ.URL != ""),
	)

	// OpenTelemetry
	shutdownOTel, err := otel.Init(otel.Config{
		ServiceName:    "mailsync-server",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOTel()
	if err := otel.InitHTTPMetrics(gootel.GetMeterProvider().Meter("mailsync-server")); err != nil {
		log.Warn("Failed to init HTTP metrics", zap.Error(err))
	}

	// DB
	if err := db.Migrate(cfg.DB, migrations.FS, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	emailRepo := repository.NewEmailRepository(dbConn, outbox.NewRepository(dbConn), log)

	checks := map[string]httpserver.ReadinessCheck{
		"db": dbConn.Ping,
	}

	// 缓存：配置了 Redis 则跨进程共享，否则进程内
	var store cache.Store = cache.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		rdb := redisclient.NewRedisClient(cfg.Redis, log)
		defer rdb.Close()
		store = cache.NewRedisStore(rdb, cfg.Redis.CacheTTL, log).
			WithBreaker(circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	writer := cache.NewThrottledWriter(store, cfg.Sync.CacheWriteWait)

	// 实时流
	var streams []realtime.Stream
	if cfg.MQ.URL != "" {
		conn, err := mq.NewConnection(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to connect MQ", zap.Error(err))
		}
		defer conn.Close()
		streams = realtime.SessionStreams(conn, cfg.MQ.Exchange, log)
		checks["mq"] = mqReady(conn)
	} else {
		log.Warn("MQ not configured, realtime streams are process-local")
		streams = []realtime.Stream{
			realtime.NewLocalStream(realtime.SourceRecent),
			realtime.NewLocalStream(realtime.SourceSentStatus),
			realtime.NewLocalStream(realtime.SourceScheduled),
		}
	}

	// Sessions
	remote := fetcher.New(emailRepo, cfg.Sync, log)
	registry := session.NewRegistry(func(identity model.Identity) *loader.Loader {
		return loader.New(identity, remote, store, writer, streams, cfg.Sync, log)
	}, cfg.Sync.SessionIdle, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	moreLimiter := ratelimit.NewLimiter(cfg.Sync.MoreRate, cfg.Sync.MoreBurst)
	go moreLimiter.Run(ctx)
	go registry.Run(ctx)

	// HTTP
	emailHandler := handler.NewEmailHandler(registry, emailRepo, log)
	router := httpserver.NewRouter(emailHandler, moreLimiter, cfg.JWT.Secret, checks, log)
	srv := router.Server(cfg.Server.Port)

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down mailsync server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	registry.Close()
	writer.Flush(shutdownCtx)

	log.Info("mailsync server shutdown complete")
}

func mqReady(conn *amqp091.Connection) httpserver.ReadinessCheck {
	return func(context.Context) error {
		if conn.IsClosed() {
			return errors.New("mq connection closed")
		}
		return nil
	}
}
