// Package reconcile 让本地邮箱状态与上游账号目录保持一致。
//
// 本地存在而目录中缺失的邮箱分两个阶段处理：第一次发现时停用，仍缺失且已停用时删除。
// 目录中重新出现的邮箱不会被删除，也不会被重新激活。
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
)

// AccountLister 提供目录中的全部账号
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]directory.Account, error)
}

// Store 是对账需要的持久化能力
type Store interface {
	ListMailboxes(ctx context.Context) ([]domain.Mailbox, error)
	ApplyReconcilePlan(ctx context.Context, plan storage.ReconcilePlan) (*storage.ReconcileOutcome, error)
}

// Reconciler 执行一次目录对账
type Reconciler struct {
	store     Store
	directory AccountLister
	cache     storage.Cache
	log       *zap.Logger
	now       func() time.Time
}

// New 创建 Reconciler，cache 可以为 nil
func New(store Store, dir AccountLister, cache storage.Cache, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:     store,
		directory: dir,
		cache:     cache,
		log:       log.Named("reconcile"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile 对比本地快照与目录列表并落库。
//
// 本地快照在请求目录之前读取。目录请求失败时返回 failed 结果和错误，不做任何修改。
func (r *Reconciler) Reconcile(ctx context.Context) (*domain.SyncResult, error) {
	result := &domain.SyncResult{Status: domain.SyncStatusFailed, DirectoryAccounts: -1}

	local, err := r.store.ListMailboxes(ctx)
	if err != nil {
		result.Error = "读取本地邮箱失败"
		result.Timestamp = r.now()
		return result, fmt.Errorf("list local mailboxes: %w", err)
	}
	result.LocalMailboxes = len(local)

	accounts, err := r.directory.ListAccounts(ctx)
	if err != nil {
		result.Error = err.Error()
		result.Timestamp = r.now()
		r.log.Warn("directory listing failed, no changes applied", zap.Error(err))
		return result, fmt.Errorf("list directory accounts: %w", err)
	}
	result.DirectoryAccounts = len(accounts)

	plan := Plan(local, accounts)
	outcome, err := r.store.ApplyReconcilePlan(ctx, plan)
	if err != nil {
		result.Error = "写入同步结果失败"
		result.Timestamp = r.now()
		return result, fmt.Errorf("apply reconcile plan: %w", err)
	}

	result.Status = domain.SyncStatusSuccess
	result.Deactivated = len(outcome.Deactivated)
	result.Removed = len(outcome.Removed)
	result.Timestamp = r.now()

	touched := append(append([]string{}, outcome.Deactivated...), outcome.Removed...)
	if len(touched) > 0 && r.cache != nil {
		if err := r.cache.Forget(ctx, touched...); err != nil {
			r.log.Warn("cache purge after sync failed", zap.Int("count", len(touched)), zap.Error(err))
		}
	}

	r.log.Info("directory sync completed",
		zap.Int("local", result.LocalMailboxes),
		zap.Int("directory", result.DirectoryAccounts),
		zap.Int("deactivated", result.Deactivated),
		zap.Int("removed", result.Removed),
	)
	return result, nil
}

// Plan 计算本地快照相对目录的变更：缺失且激活的停用，缺失且已停用的删除
func Plan(local []domain.Mailbox, accounts []directory.Account) storage.ReconcilePlan {
	upstream := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		upstream[strings.ToLower(strings.TrimSpace(a.Email))] = struct{}{}
	}

	var plan storage.ReconcilePlan
	for _, mb := range local {
		if _, ok := upstream[strings.ToLower(mb.Address)]; ok {
			continue
		}
		if mb.Active {
			plan.Deactivate = append(plan.Deactivate, mb.Address)
		} else {
			plan.Remove = append(plan.Remove, mb.Address)
		}
	}
	return plan
}
