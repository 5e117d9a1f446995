package reconcile

import (
	"context"
	"fmt"
	"time"

	"mailsync/config"
	"mailsync/internal/model"
	"mailsync/internal/normalize"
	"mailsync/pkg/metrics"
	"mailsync/pkg/trace"

	"go.uber.org/zap"
)

const source = "reconcile"

// Store 对账需要的文档库操作。PatchDocument 在同一事务中写 outbox
type Store interface {
	ListReconcileCandidates(ctx context.Context, afterID string, limit int) ([]model.Document, error)
	PatchDocument(ctx context.Context, id string, patch map[string]any, routingKey, source string) (model.Document, error)
}

// Report 一轮对账的结果
type Report struct {
	Scanned int
	Applied map[string]int
	Failed  int
	DryRun  bool
}

// Total 动作总数
func (r Report) Total() int {
	n := 0
	for _, v := range r.Applied {
		n += v
	}
	return n
}

// Reconciler 定期扫描文档库，修正过期的 scheduled 记录和卡住的发送
type Reconciler struct {
	store     Store
	policy    config.SyncPolicy
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	dryRun    bool
	now       func() time.Time
}

func New(store Store, policy config.SyncPolicy, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		policy:    policy,
		logger:    logger,
		interval:  time.Minute,
		batchSize: 500,
		now:       time.Now,
	}
}

// WithInterval 设置扫描间隔
func (r *Reconciler) WithInterval(interval time.Duration) *Reconciler {
	r.interval = interval
	return r
}

// WithBatchSize 设置批次大小
func (r *Reconciler) WithBatchSize(batchSize int) *Reconciler {
	r.batchSize = batchSize
	return r
}

// WithDryRun 只记录计划的动作，不写库
func (r *Reconciler) WithDryRun(dryRun bool) *Reconciler {
	r.dryRun = dryRun
	return r
}

// WithClock 测试用
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Start 阻塞运行，在 goroutine 中调用
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting reconciler",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize),
		zap.Bool("dry_run", r.dryRun),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("Reconcile run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 完整扫描一轮，按 id 分批
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	ctx = trace.WithContext(ctx, trace.GenerateTraceID())
	log := r.logger.With(zap.String("trace_id", trace.FromContext(ctx)))
	now := r.now()
	report := Report{Applied: map[string]int{}, DryRun: r.dryRun}

	afterID := ""
	for {
		docs, err := r.store.ListReconcileCandidates(ctx, afterID, r.batchSize)
		if err != nil {
			return report, fmt.Errorf("list reconcile candidates: %w", err)
		}
		for _, doc := range docs {
			report.Scanned++
			action, ok := Plan(normalize.Normalize(doc.Raw, now), now, r.policy)
			if !ok {
				continue
			}
			if r.apply(ctx, log, action) {
				report.Applied[action.Kind]++
			} else {
				report.Failed++
			}
		}
		if len(docs) < r.batchSize {
			break
		}
		afterID = docs[len(docs)-1].ID
	}

	if report.Total() > 0 || report.Failed > 0 {
		log.Info("Reconcile run finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("actions", report.Total()),
			zap.Int("failed", report.Failed),
			zap.Bool("dry_run", r.dryRun),
		)
	}
	return report, nil
}

func (r *Reconciler) apply(ctx context.Context, log *zap.Logger, action Action) bool {
	metrics.IncrementReconcileAction(action.Kind, r.dryRun)
	if r.dryRun {
		log.Info("Planned reconcile action",
			zap.String("id", action.ID),
			zap.String("kind", action.Kind),
			zap.Any("patch", action.Patch),
		)
		return true
	}

	if _, err := r.store.PatchDocument(ctx, action.ID, action.Patch, action.RoutingKey, source); err != nil {
		log.Error("Failed to apply reconcile action",
			zap.String("id", action.ID),
			zap.String("kind", action.Kind),
			zap.Error(err),
		)
		return false
	}
	log.Debug("Applied reconcile action", zap.String("id", action.ID), zap.String("kind", action.Kind))
	return true
}
