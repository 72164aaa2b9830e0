package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/tasks"
)

// Metrics 监控指标
//
// 每个实例使用独立的 Registry，测试中可以重复创建。
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	MailboxesCreated *prometheus.CounterVec
	MailboxesRemoved *prometheus.CounterVec
	MailboxesUsable  prometheus.Gauge
	DirectoryUsers   prometheus.Gauge

	// 轮询与提取
	MessagesPolled prometheus.Counter
	PollFailures   prometheus.Counter
	CodesExtracted prometheus.Counter

	// 任务指标
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec

	// 目录同步
	ReconcileRuns *prometheus.CounterVec

	// 外发邮件
	EmailsSent *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	SystemUptime prometheus.GaugeFunc

	failedTasks     atomic.Int64
	reconcileStreak atomic.Int64
}

var _ tasks.Observer = (*Metrics)(nil)

// NewMetrics 创建监控指标并注册 Go 运行时与进程采集器
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{registry: reg, started: time.Now()}

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)
	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcode_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	m.MailboxesCreated = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_mailboxes_created_total",
			Help: "Total number of mailboxes provisioned",
		},
		[]string{"domain"},
	)
	m.MailboxesRemoved = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_mailboxes_removed_total",
			Help: "Mailboxes deactivated or deleted, by reason",
		},
		[]string{"reason"},
	)
	m.MailboxesUsable = f.NewGauge(prometheus.GaugeOpts{
		Name: "mailcode_mailboxes_usable",
		Help: "Number of active, unexpired mailboxes",
	})
	m.DirectoryUsers = f.NewGauge(prometheus.GaugeOpts{
		Name: "mailcode_directory_accounts",
		Help: "Number of accounts reported by the directory at the last sync",
	})

	m.MessagesPolled = f.NewCounter(prometheus.CounterOpts{
		Name: "mailcode_messages_polled_total",
		Help: "Unseen messages fetched over IMAP",
	})
	m.PollFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "mailcode_poll_failures_total",
		Help: "Mailbox polls that failed at connection level",
	})
	m.CodesExtracted = f.NewCounter(prometheus.CounterOpts{
		Name: "mailcode_codes_extracted_total",
		Help: "Verification codes extracted and stored",
	})

	m.TasksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_tasks_total",
			Help: "Task executions by kind, queue and outcome",
		},
		[]string{"kind", "queue", "outcome"},
	)
	m.TaskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcode_task_duration_seconds",
			Help:    "Task execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)
	m.QueueDepth = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailcode_queue_depth",
			Help: "Tasks waiting in each queue",
		},
		[]string{"queue"},
	)

	m.ReconcileRuns = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_reconcile_runs_total",
			Help: "Directory reconciliation runs by status",
		},
		[]string{"status"},
	)

	m.EmailsSent = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_emails_sent_total",
			Help: "Outbound emails by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	m.ErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"},
	)
	m.PanicsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "mailcode_panics_total",
		Help: "Total number of recovered panics",
	})

	m.RateLimitBlocks = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcode_rate_limit_blocks_total",
			Help: "Requests rejected by rate limits",
		},
		[]string{"scope"},
	)

	m.SystemUptime = f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mailcode_uptime_seconds",
			Help: "Seconds since the process started",
		},
		func() float64 { return time.Since(m.started).Seconds() },
	)

	return m
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// ObserveTask 实现 tasks.Observer
func (m *Metrics) ObserveTask(kind tasks.Kind, queue, outcome string, elapsed time.Duration) {
	m.TasksTotal.WithLabelValues(string(kind), queue, outcome).Inc()
	m.TaskDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	if outcome == tasks.OutcomeFailed {
		m.failedTasks.Add(1)
	}
}

// UpdateQueueDepths 刷新队列积压
func (m *Metrics) UpdateQueueDepths(stats []tasks.QueueStats) {
	for _, s := range stats {
		m.QueueDepth.WithLabelValues(s.Queue).Set(float64(s.Depth))
	}
}

// RecordMailboxCreated 记录新开通的邮箱
func (m *Metrics) RecordMailboxCreated(domainName string) {
	m.MailboxesCreated.WithLabelValues(domainName).Inc()
}

// RecordMailboxesRemoved 记录被停用或删除的邮箱，reason: user / deactivated / deleted / expired
func (m *Metrics) RecordMailboxesRemoved(reason string, count int) {
	if count > 0 {
		m.MailboxesRemoved.WithLabelValues(reason).Add(float64(count))
	}
}

// RecordPoll 记录一次轮询结果
func (m *Metrics) RecordPoll(messages int, err error) {
	if err != nil {
		m.PollFailures.Inc()
		return
	}
	m.MessagesPolled.Add(float64(messages))
}

// RecordCodeExtracted 记录一次成功提取
func (m *Metrics) RecordCodeExtracted() {
	m.CodesExtracted.Inc()
}

// RecordReconcile 记录目录同步结果并维护连续失败次数
func (m *Metrics) RecordReconcile(result *domain.SyncResult) {
	if result == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(result.Status).Inc()
	if result.Succeeded() {
		m.reconcileStreak.Store(0)
		m.DirectoryUsers.Set(float64(result.DirectoryAccounts))
		m.RecordMailboxesRemoved("deactivated", result.Deactivated)
		m.RecordMailboxesRemoved("deleted", result.Removed)
		return
	}
	m.reconcileStreak.Add(1)
}

// UpdateStats 用聚合统计刷新仪表
func (m *Metrics) UpdateStats(stats *domain.SystemStats) {
	if stats == nil {
		return
	}
	m.MailboxesUsable.Set(float64(stats.UsableMailboxes))
	if stats.DirectoryAccounts >= 0 {
		m.DirectoryUsers.Set(float64(stats.DirectoryAccounts))
	}
}

// RecordEmailSent 记录外发结果
func (m *Metrics) RecordEmailSent(provider string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	m.EmailsSent.WithLabelValues(provider, outcome).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拒绝
func (m *Metrics) RecordRateLimitBlock(scope string) {
	m.RateLimitBlocks.WithLabelValues(scope).Inc()
}

// FailedTasks 返回累计的最终失败任务数
func (m *Metrics) FailedTasks() int64 {
	return m.failedTasks.Load()
}

// ReconcileFailureStreak 返回目录同步连续失败次数
func (m *Metrics) ReconcileFailureStreak() int64 {
	return m.reconcileStreak.Load()
}
