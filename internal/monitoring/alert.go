package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"mailcode/backend/internal/tasks"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string                 `json:"id"`
	Rule       string                 `json:"rule"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Level      AlertLevel             `json:"level"`
	Component  string                 `json:"component"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// AlertRule 告警规则
//
// Condition 返回 true 时触发；此后条件恢复为 false 时该规则的活跃告警自动解除。
type AlertRule struct {
	ID            string
	Name          string
	Condition     func() bool
	Level         AlertLevel
	Component     string
	Message       string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	now       func() time.Time
	mu        sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts: make(map[string]*Alert),
		logger: logger,
		now:    time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，同一 ID 未解除时不重复发送
func (am *AlertManager) TriggerAlert(ctx context.Context, alert *Alert) {
	am.mu.Lock()
	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.mu.Unlock()
		am.logger.Debug("Alert already exists and not resolved",
			zap.String("alert_id", alert.ID),
		)
		return
	}
	am.alerts[alert.ID] = alert
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(ctx, alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解除告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := am.now()
		alert.Resolved = true
		alert.ResolvedAt = &now

		am.logger.Info("Alert resolved", zap.String("alert_id", alertID))
	}
}

// GetAlerts 获取告警列表
func (am *AlertManager) GetAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// GetActiveAlerts 获取活跃告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查告警规则
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	now := am.now()
	for _, rule := range rules {
		firing := rule.Condition()
		if !firing {
			am.resolveRule(rule.ID)
			continue
		}
		if !rule.LastTriggered.IsZero() && now.Sub(rule.LastTriggered) < rule.Cooldown {
			continue
		}

		am.TriggerAlert(ctx, &Alert{
			ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
			Rule:      rule.ID,
			Title:     rule.Name,
			Message:   rule.Message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: now,
		})

		am.mu.Lock()
		for i, r := range am.rules {
			if r.ID == rule.ID {
				am.rules[i].LastTriggered = now
				break
			}
		}
		am.mu.Unlock()
	}
}

func (am *AlertManager) resolveRule(ruleID string) {
	am.mu.RLock()
	var ids []string
	for id, alert := range am.alerts {
		if alert.Rule == ruleID && !alert.Resolved {
			ids = append(ids, id)
		}
	}
	am.mu.RUnlock()

	for _, id := range ids {
		am.ResolveAlert(id)
	}
}

// StartMonitoring 按间隔检查规则，直到 ctx 结束
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 高内存使用告警规则
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func() bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.Alloc)/1024/1024 > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// DatabaseConnectionRule 数据库连接告警规则
func DatabaseConnectionRule(ping func(ctx context.Context) error) AlertRule {
	return AlertRule{
		ID:   "database_connection",
		Name: "Database Connection",
		Condition: func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ping(ctx) != nil
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Message:   "Database connection failed",
		Cooldown:  time.Minute,
	}
}

// ReconcileFailureRule 目录同步连续失败告警
func ReconcileFailureRule(m *Metrics, streak int64) AlertRule {
	return AlertRule{
		ID:   "reconcile_failures",
		Name: "Directory Sync Failing",
		Condition: func() bool {
			return m.ReconcileFailureStreak() >= streak
		},
		Level:     AlertLevelCritical,
		Component: "directory",
		Message:   fmt.Sprintf("Directory sync failed %d times in a row", streak),
		Cooldown:  15 * time.Minute,
	}
}

// TaskFailureBurstRule 两次检查之间最终失败的任务数超过阈值时告警
func TaskFailureBurstRule(m *Metrics, threshold int64) AlertRule {
	var (
		mu   sync.Mutex
		last = m.FailedTasks()
	)
	return AlertRule{
		ID:   "task_failure_burst",
		Name: "Task Failures",
		Condition: func() bool {
			mu.Lock()
			defer mu.Unlock()
			current := m.FailedTasks()
			delta := current - last
			last = current
			return delta >= threshold
		},
		Level:     AlertLevelWarning,
		Component: "tasks",
		Message:   fmt.Sprintf("At least %d tasks exhausted their retries", threshold),
		Cooldown:  5 * time.Minute,
	}
}

// QueueBacklogRule 任一队列积压超过阈值时告警
func QueueBacklogRule(stats func() []tasks.QueueStats, threshold int) AlertRule {
	return AlertRule{
		ID:   "queue_backlog",
		Name: "Queue Backlog",
		Condition: func() bool {
			for _, s := range stats() {
				if s.Depth >= threshold {
					return true
				}
			}
			return false
		},
		Level:     AlertLevelWarning,
		Component: "tasks",
		Message:   fmt.Sprintf("A task queue holds %d or more pending tasks", threshold),
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// WebhookAlertReceiver 以 JSON POST 推送告警
type WebhookAlertReceiver struct {
	url    string
	client *resty.Client
}

// NewWebhookAlertReceiver 创建 Webhook 告警接收器
func NewWebhookAlertReceiver(url string) *WebhookAlertReceiver {
	return &WebhookAlertReceiver{
		url:    url,
		client: resty.New().SetTimeout(10 * time.Second),
	}
}

// SendAlert 发送告警到 Webhook，非 2xx 响应视为失败
func (war *WebhookAlertReceiver) SendAlert(ctx context.Context, alert *Alert) error {
	resp, err := war.client.R().
		SetContext(ctx).
		SetBody(alert).
		Post(war.url)
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("alert webhook: unexpected status %d", resp.StatusCode())
	}
	return nil
}
