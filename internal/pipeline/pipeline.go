// Package pipeline 实现各类任务的处理逻辑：枚举、轮询、提取、开通、对账与清理。
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"mailcode/backend/internal/config"
	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/extractor"
	"mailcode/backend/internal/security"
	"mailcode/backend/internal/storage"
	"mailcode/backend/internal/tasks"
)

// Poller 拉取邮箱中的未读邮件
type Poller interface {
	Poll(ctx context.Context, address, credential string) ([]domain.InboundMessage, error)
}

// AccountCreator 在目录中创建账号
type AccountCreator interface {
	CreateAccount(ctx context.Context, req directory.CreateAccountRequest) error
}

// Reconciler 执行一次目录对账
type Reconciler interface {
	Reconcile(ctx context.Context) (*domain.SyncResult, error)
}

// StatsRefresher 根据对账结果重算统计
type StatsRefresher interface {
	Refresh(ctx context.Context, result *domain.SyncResult) (*domain.SystemStats, error)
	LastSync() *domain.SyncResult
}

// CodeNotifier 推送新提取的验证码
type CodeNotifier interface {
	NotifyCode(address string, code *domain.VerificationCode)
}

// Recorder 记录业务指标
type Recorder interface {
	RecordPoll(messages int, err error)
	RecordCodeExtracted()
	RecordMailboxCreated(domain string)
	RecordMailboxesRemoved(reason string, count int)
	RecordReconcile(result *domain.SyncResult)
	UpdateStats(stats *domain.SystemStats)
}

// Deps 是处理器依赖，Notifier 与 Metrics 可以为空
type Deps struct {
	Store      storage.Store
	Cache      storage.Cache
	Poller     Poller
	Extractor  *extractor.Extractor
	Directory  AccountCreator
	Reconciler Reconciler
	Stats      StatsRefresher
	Cipher     *security.Cipher
	Enqueuer   tasks.Enqueuer
	Notifier   CodeNotifier
	Metrics    Recorder
	CacheTTL   config.CacheConfig
	Log        *zap.Logger
}

// Handlers 持有全部任务处理器
type Handlers struct {
	store      storage.Store
	cache      storage.Cache
	poller     Poller
	extractor  *extractor.Extractor
	directory  AccountCreator
	reconciler Reconciler
	stats      StatsRefresher
	cipher     *security.Cipher
	enqueuer   tasks.Enqueuer
	notifier   CodeNotifier
	metrics    Recorder
	ttl        config.CacheConfig
	log        *zap.Logger
	now        func() time.Time
}

// New 创建处理器集合
func New(deps Deps) *Handlers {
	h := &Handlers{
		store:      deps.Store,
		cache:      deps.Cache,
		poller:     deps.Poller,
		extractor:  deps.Extractor,
		directory:  deps.Directory,
		reconciler: deps.Reconciler,
		stats:      deps.Stats,
		cipher:     deps.Cipher,
		enqueuer:   deps.Enqueuer,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		ttl:        deps.CacheTTL,
		log:        deps.Log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if h.extractor == nil {
		h.extractor = extractor.New()
	}
	if h.notifier == nil {
		h.notifier = nopNotifier{}
	}
	if h.metrics == nil {
		h.metrics = nopRecorder{}
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.log = h.log.Named("pipeline")
	if h.ttl.CodeTTL <= 0 {
		h.ttl.CodeTTL = time.Hour
	}
	if h.ttl.EmailTTL <= 0 {
		h.ttl.EmailTTL = 24 * time.Hour
	}
	if h.ttl.LockTTL <= 0 {
		h.ttl.LockTTL = 30 * time.Second
	}
	return h
}

// Registrar 接收任务处理器，*tasks.Dispatcher 满足该接口
type Registrar interface {
	Register(kind tasks.Kind, handler tasks.Handler)
}

// Register 把全部处理器注册到调度器
func (h *Handlers) Register(r Registrar) {
	r.Register(tasks.KindSweep, tasks.HandlerFor(h.Sweep))
	r.Register(tasks.KindPoll, tasks.HandlerFor(h.Poll))
	r.Register(tasks.KindExtract, tasks.HandlerFor(h.Extract))
	r.Register(tasks.KindProvision, tasks.HandlerFor(h.Provision))
	r.Register(tasks.KindSync, tasks.HandlerFor(h.Sync))
	r.Register(tasks.KindCleanup, tasks.HandlerFor(h.Cleanup))
}

// forget 清除地址相关缓存，失败只记录日志
func (h *Handlers) forget(ctx context.Context, addresses ...string) {
	if h.cache == nil || len(addresses) == 0 {
		return
	}
	if err := h.cache.Forget(ctx, addresses...); err != nil {
		h.log.Warn("cache purge failed", zap.Int("addresses", len(addresses)), zap.Error(err))
	}
}

func (h *Handlers) refreshStats(ctx context.Context, result *domain.SyncResult) {
	if h.stats == nil {
		return
	}
	stats, err := h.stats.Refresh(ctx, result)
	if err != nil {
		h.log.Warn("stats refresh failed", zap.Error(err))
		return
	}
	h.metrics.UpdateStats(stats)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrMailboxNotFound)
}

type nopNotifier struct{}

func (nopNotifier) NotifyCode(string, *domain.VerificationCode) {}

type nopRecorder struct{}

func (nopRecorder) RecordPoll(int, error)              {}
func (nopRecorder) RecordCodeExtracted()               {}
func (nopRecorder) RecordMailboxCreated(string)        {}
func (nopRecorder) RecordMailboxesRemoved(string, int) {}
func (nopRecorder) RecordReconcile(*domain.SyncResult) {}
func (nopRecorder) UpdateStats(*domain.SystemStats)    {}
