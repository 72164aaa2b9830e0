package storage

import (
	"context"
	"errors"
	"time"

	"mailcode/backend/internal/domain"
)

var (
	// ErrMailboxNotFound 邮箱不存在
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMailboxExists 邮箱地址已被占用
	ErrMailboxExists = errors.New("mailbox already exists")
	// ErrCodeNotFound 验证码记录不存在
	ErrCodeNotFound = errors.New("verification code not found")
)

// ReconcilePlan 描述一次目录同步需要落库的变更。
//
// Deactivate 中的地址只在仍处于激活状态时停用，Remove 中的地址只在已停用时删除，
// 两个条件都在同一事务中按行判断，快照之后发生的并发变化不会被覆盖。
type ReconcilePlan struct {
	Deactivate []string
	Remove     []string
}

// ReconcileOutcome 是实际生效的变更
type ReconcileOutcome struct {
	Deactivated []string
	Removed     []string
}

// MailboxRepository 定义邮箱数据存取操作。
type MailboxRepository interface {
	CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error
	GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]domain.Mailbox, error)
	ListUsableMailboxes(ctx context.Context, now time.Time) ([]domain.Mailbox, error)
	DeactivateMailbox(ctx context.Context, address string) (bool, error)
	DeleteMailbox(ctx context.Context, address string) error
	// DeleteExpiredMailboxes 删除 expires_at < now 的邮箱（无论是否激活），返回被删除的地址
	DeleteExpiredMailboxes(ctx context.Context, now time.Time) ([]string, error)
	ApplyReconcilePlan(ctx context.Context, plan ReconcilePlan) (*ReconcileOutcome, error)
}

// CodeRepository 定义验证码记录存取操作。
type CodeRepository interface {
	// SaveCode 为地址对应的邮箱追加一条记录，邮箱不存在时返回 ErrMailboxNotFound
	SaveCode(ctx context.Context, address string, code *domain.VerificationCode) error
	LatestCode(ctx context.Context, mailboxID uint) (*domain.VerificationCode, error)
	ListCodes(ctx context.Context, mailboxID uint, limit int) ([]domain.VerificationCode, error)
	MarkCodeRead(ctx context.Context, mailboxID, codeID uint) error
}

// StatsRepository 提供统计计数。
type StatsRepository interface {
	CountMailboxes(ctx context.Context, now time.Time) (total, usable int64, err error)
	CountCodes(ctx context.Context) (int64, error)
}

// TaskFailureRepository 保存永久失败的任务。
type TaskFailureRepository interface {
	RecordTaskFailure(ctx context.Context, failure *domain.TaskFailure) error
	ListTaskFailures(ctx context.Context, limit int) ([]domain.TaskFailure, error)
}

// Store 聚合所有持久化接口。
type Store interface {
	MailboxRepository
	CodeRepository
	StatsRepository
	TaskFailureRepository
	Ping(ctx context.Context) error
	Close() error
}

// Cache 是缓存层接口，只做加速读取与互斥，数据以 Store 为准。
//
// 未命中时返回 ok=false 且 err=nil。
type Cache interface {
	SetCode(ctx context.Context, address, code string, ttl time.Duration) error
	GetCode(ctx context.Context, address string) (code string, ok bool, err error)
	SetMailbox(ctx context.Context, snapshot domain.MailboxSnapshot, ttl time.Duration) error
	GetMailbox(ctx context.Context, address string) (*domain.MailboxSnapshot, bool, error)
	// Forget 删除地址相关的 email:/code: 缓存
	Forget(ctx context.Context, addresses ...string) error
	SetStats(ctx context.Context, stats *domain.SystemStats, ttl time.Duration) error
	GetStats(ctx context.Context) (*domain.SystemStats, bool, error)
	// AcquireCheckLock 以 SET NX 方式获取 lock:check:{address}，已被占用时返回 false。
	// 返回的 token 是本次持有者的标识，释放时必须原样传回。
	AcquireCheckLock(ctx context.Context, address string, ttl time.Duration) (token string, acquired bool, err error)
	// ReleaseCheckLock 仅当锁仍由 token 持有时删除，过期后被他人获取的锁保持不变
	ReleaseCheckLock(ctx context.Context, address, token string) error
	Ping(ctx context.Context) error
	Close() error
}

// 缓存键
const (
	CodeKeyPrefix  = "code:"
	EmailKeyPrefix = "email:"
	LockKeyPrefix  = "lock:check:"
	StatsKey       = "stats:system"
)

// CodeKey 返回 code:{address}
func CodeKey(address string) string { return CodeKeyPrefix + address }

// EmailKey 返回 email:{address}
func EmailKey(address string) string { return EmailKeyPrefix + address }

// LockKey 返回 lock:check:{address}
func LockKey(address string) string { return LockKeyPrefix + address }
