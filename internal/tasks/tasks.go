// Package tasks 定义异步任务类型、重试策略以及按队列隔离的调度器。
package tasks

import (
	"time"

	"mailcode/backend/internal/domain"
)

// Kind 任务类型
type Kind string

const (
	KindSweep     Kind = "check_emails"
	KindPoll      Kind = "check_single_email"
	KindExtract   Kind = "extract_codes"
	KindProvision Kind = "create_temp_email"
	KindSync      Kind = "sync_directory"
	KindCleanup   Kind = "cleanup_expired"
)

// 队列名称
const (
	QueueEmailCheck  = "email_check"
	QueueMailboxPoll = "mailbox_poll"
	QueueCodeExtract = "code_extract"
	QueueProvision   = "provision"
	QueueSync        = "sync"
	QueueCleanup     = "cleanup"
)

// Queues 返回全部队列名称
func Queues() []string {
	return []string{QueueEmailCheck, QueueMailboxPoll, QueueCodeExtract, QueueProvision, QueueSync, QueueCleanup}
}

// Task 是可以入队的任务
type Task interface {
	Kind() Kind
}

// SweepTask 枚举可用邮箱并为每个邮箱派发 PollTask
type SweepTask struct{}

// PollTask 轮询单个邮箱
type PollTask struct {
	Address string `json:"address"`
}

// ExtractTask 从一封邮件中提取验证码
type ExtractTask struct {
	Address string                `json:"address"`
	Message domain.InboundMessage `json:"message"`
}

// ProvisionTask 在目录中创建账号并落库，过期时间在请求时确定
type ProvisionTask struct {
	Address    string    `json:"address"`
	Domain     string    `json:"domain"`
	Credential string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// SyncTask 目录对账并刷新统计
type SyncTask struct{}

// CleanupTask 删除过期邮箱
type CleanupTask struct{}

func (SweepTask) Kind() Kind     { return KindSweep }
func (PollTask) Kind() Kind      { return KindPoll }
func (ExtractTask) Kind() Kind   { return KindExtract }
func (ProvisionTask) Kind() Kind { return KindProvision }
func (SyncTask) Kind() Kind      { return KindSync }
func (CleanupTask) Kind() Kind   { return KindCleanup }

// Policy 描述任务的队列与重试策略，MaxAttempts 包含首次执行
type Policy struct {
	Queue       string
	RetryDelay  time.Duration
	MaxAttempts int
}

// DefaultPolicies 各任务类型的默认策略
var DefaultPolicies = map[Kind]Policy{
	KindSweep:     {Queue: QueueEmailCheck, RetryDelay: 60 * time.Second, MaxAttempts: 3},
	KindPoll:      {Queue: QueueMailboxPoll, RetryDelay: 30 * time.Second, MaxAttempts: 5},
	KindExtract:   {Queue: QueueCodeExtract, RetryDelay: 10 * time.Second, MaxAttempts: 3},
	KindProvision: {Queue: QueueProvision, RetryDelay: 60 * time.Second, MaxAttempts: 3},
	KindSync:      {Queue: QueueSync, RetryDelay: 300 * time.Second, MaxAttempts: 3},
	KindCleanup:   {Queue: QueueCleanup, RetryDelay: 300 * time.Second, MaxAttempts: 3},
}

// QueueFor 返回任务类型所属队列
func QueueFor(kind Kind) string {
	return DefaultPolicies[kind].Queue
}
