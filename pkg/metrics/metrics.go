package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 文档库分页查询延迟（秒）
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_fetch_duration_seconds",
			Help:    "Remote fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "scope", "status"},
	)

	// 实时流合并的记录数
	MergedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_merged_records_total",
			Help: "Total number of records merged into in-memory lists",
		},
		[]string{"source"},
	)

	// 被合并掉的 updated 通知
	SuppressedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_suppressed_notifications_total",
			Help: "Update notifications coalesced into a later notification",
		},
	)

	// 缓存命中情况
	CacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_cache_results_total",
			Help: "Cache store lookups by result",
		},
		[]string{"result"}, // hit, miss, error, write
	)

	// 活跃会话数
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_active_sessions",
			Help: "Number of live loader sessions",
		},
	)

	// 对账动作计数
	ReconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_reconcile_actions_total",
			Help: "Reconciliation actions by kind",
		},
		[]string{"kind", "mode"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries above the slow threshold",
		},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)
)

// RecordFetch 记录一次远程分页查询
func RecordFetch(operation, scope string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FetchDuration.WithLabelValues(operation, scope, status).Observe(duration.Seconds())
}

// AddMerged 增加合并记录数
func AddMerged(source string, n int) {
	MergedRecords.WithLabelValues(source).Add(float64(n))
}

// AddSuppressed 增加被合并的通知数
func AddSuppressed(n int) {
	SuppressedNotifications.Add(float64(n))
}

// IncrementCacheResult 记录缓存结果
func IncrementCacheResult(result string) {
	CacheResults.WithLabelValues(result).Inc()
}

// IncrementReconcileAction 记录对账动作
func IncrementReconcileAction(kind string, dryRun bool) {
	mode := "apply"
	if dryRun {
		mode = "dry_run"
	}
	ReconcileActions.WithLabelValues(kind, mode).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(duration time.Duration) {
	SlowQueryCount.Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}
