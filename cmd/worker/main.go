package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailsync/config"
	"mailsync/internal/reconcile"
	"mailsync/internal/repository"
	"mailsync/migrations"
	pkgconfig "mailsync/pkg/config"
	"mailsync/pkg/db"
	"mailsync/pkg/logger"
	"mailsync/pkg/mq"
	"mailsync/pkg/otel"
	"mailsync/pkg/outbox"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	replayID := flag.Int64("replay", 0, "replay a failed outbox event by id and exit")
	once := flag.Bool("once", false, "run a single reconcile pass and exit")
	dryRun := flag.Bool("dry-run", false, "log reconcile actions without writing")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	shutdownOTel, err := otel.Init(otel.Config{
		ServiceName:    "mailsync-worker",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownOTel()

	if err := db.Migrate(cfg.DB, migrations.FS, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	outboxRepo := outbox.NewRepository(dbConn)
	emailRepo := repository.NewEmailRepository(dbConn, outboxRepo, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *replayID > 0 {
		if err := outbox.NewReplayService(outboxRepo).ReplayEvent(ctx, *replayID); err != nil {
			log.Fatal("Failed to replay outbox event", zap.Int64("event_id", *replayID), zap.Error(err))
		}
		log.Info("Outbox event scheduled for replay", zap.Int64("event_id", *replayID))
		return
	}

	reconciler := reconcile.New(emailRepo, cfg.Sync, log).
		WithInterval(cfg.Reconcile.Interval).
		WithBatchSize(cfg.Reconcile.BatchSize).
		WithDryRun(cfg.Reconcile.DryRun || *dryRun)

	if *once {
		report, err := reconciler.RunOnce(ctx)
		if err != nil {
			log.Fatal("Reconcile pass failed", zap.Error(err))
		}
		log.Info("Reconcile pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("actions", report.Total()),
			zap.Int("failed", report.Failed),
			zap.Bool("dry_run", report.DryRun),
		)
		return
	}

	// Outbox dispatcher
	publisher, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)

	go dispatcher.Start(ctx)
	go reconciler.Start(ctx)

	// HTTP Server (health checks + metrics)
	port := pkgconfig.GetEnv("WORKER_PORT", ":9090")
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if !publisher.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	srv := &http.Server{Addr: port, Handler: engine, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("Worker HTTP server starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("mailsync worker is running",
		zap.Duration("reconcile_interval", cfg.Reconcile.Interval),
		zap.Bool("dry_run", cfg.Reconcile.DryRun || *dryRun),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down mailsync worker gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("mailsync worker shutdown complete")
}
