package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
	"mailcode/backend/internal/tasks"
)

// Sweep 为每个可用邮箱派发一个轮询任务
func (h *Handlers) Sweep(ctx context.Context, _ tasks.SweepTask) error {
	mailboxes, err := h.store.ListUsableMailboxes(ctx, h.now())
	if err != nil {
		return fmt.Errorf("list usable mailboxes: %w", err)
	}

	failed := 0
	for _, mb := range mailboxes {
		if err := h.enqueuer.Enqueue(ctx, tasks.PollTask{Address: mb.Address}); err != nil {
			failed++
			h.log.Warn("enqueue poll task failed", zap.String("address", mb.Address), zap.Error(err))
		}
	}

	h.log.Info("mailbox sweep dispatched",
		zap.Int("mailboxes", len(mailboxes)),
		zap.Int("enqueue_failed", failed))
	return nil
}

// Poll 轮询一个邮箱，每封邮件派发一个提取任务
//
// 邮箱不存在或不可用时直接成功返回；lock:check:{address} 被占用时跳过本轮，
// 缓存不可用时不加锁继续执行。
func (h *Handlers) Poll(ctx context.Context, task tasks.PollTask) error {
	address := domain.NormalizeAddress(task.Address)
	log := h.log.With(zap.String("address", address))

	mb, err := h.store.GetMailboxByAddress(ctx, address)
	if err != nil {
		if isNotFound(err) {
			log.Warn("poll skipped: mailbox not found")
			return nil
		}
		return fmt.Errorf("load mailbox: %w", err)
	}
	if !mb.Usable(h.now()) {
		log.Debug("poll skipped: mailbox not usable")
		return nil
	}

	if h.cache != nil {
		token, acquired, err := h.cache.AcquireCheckLock(ctx, address, h.ttl.LockTTL)
		switch {
		case err != nil:
			log.Warn("check lock unavailable, polling without it", zap.Error(err))
		case !acquired:
			log.Debug("poll skipped: another check in progress")
			return nil
		default:
			defer func() {
				if err := h.cache.ReleaseCheckLock(context.WithoutCancel(ctx), address, token); err != nil {
					log.Warn("release check lock failed", zap.Error(err))
				}
			}()
		}
	}

	credential, err := h.cipher.Open(mb.Credential)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("open credential: %w", err))
	}

	messages, err := h.poller.Poll(ctx, address, credential)
	h.metrics.RecordPoll(len(messages), err)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		extract := tasks.ExtractTask{Address: address, Message: msg}
		if err := h.enqueuer.Enqueue(ctx, extract); err != nil {
			// 邮件已被标记为已读，入队失败时就地提取，避免丢失
			log.Warn("enqueue extract task failed, extracting inline",
				zap.String("message_id", msg.MessageID), zap.Error(err))
			if err := h.Extract(ctx, extract); err != nil {
				return err
			}
		}
	}

	if len(messages) > 0 {
		log.Info("mailbox polled", zap.Int("messages", len(messages)))
	}
	return nil
}

// Extract 从一封邮件中提取验证码并落库、刷新缓存、推送通知
func (h *Handlers) Extract(ctx context.Context, task tasks.ExtractTask) error {
	address := domain.NormalizeAddress(task.Address)
	msg := task.Message
	log := h.log.With(zap.String("address", address), zap.String("message_id", msg.MessageID))

	code, ok := h.extractor.Extract(msg.Text())
	if !ok {
		log.Debug("no verification code found", zap.String("subject", msg.Subject))
		return nil
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = h.now()
	}
	record := &domain.VerificationCode{
		Code:       code,
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		Content:    domain.Excerpt(msg.Body, domain.MaxContentLength, ""),
		ReceivedAt: receivedAt.UTC(),
	}

	if err := h.store.SaveCode(ctx, address, record); err != nil {
		if isNotFound(err) {
			log.Info("code discarded: mailbox no longer exists")
			return nil
		}
		return fmt.Errorf("save code: %w", err)
	}

	if h.cache != nil {
		if err := h.cache.SetCode(ctx, address, code, h.ttl.CodeTTL); err != nil {
			log.Warn("code cache write failed", zap.Error(err))
		}
	}

	h.notifier.NotifyCode(address, record)
	h.metrics.RecordCodeExtracted()
	log.Info("verification code extracted", zap.String("sender", msg.Sender))
	return nil
}

// Provision 在目录中创建账号并写入本地记录
//
// 本地已存在时直接成功；目录返回 409 视为账号已创建。
func (h *Handlers) Provision(ctx context.Context, task tasks.ProvisionTask) error {
	address := domain.NormalizeAddress(task.Address)
	log := h.log.With(zap.String("address", address))

	if _, err := h.store.GetMailboxByAddress(ctx, address); err == nil {
		log.Info("provision skipped: mailbox already exists")
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("load mailbox: %w", err)
	}

	err := h.directory.CreateAccount(ctx, directory.CreateAccountRequest{
		Email:       address,
		RawPassword: task.Credential,
		Comment:     "临时邮箱 - " + h.now().Format(time.RFC3339),
		Enabled:     true,
		EnableIMAP:  true,
		EnablePOP:   true,
	})
	switch {
	case err == nil:
	case directory.IsStatus(err, http.StatusConflict):
		log.Info("directory account already exists")
	case errors.Is(err, directory.ErrNotConfigured):
		return backoff.Permanent(err)
	default:
		return fmt.Errorf("create directory account: %w", err)
	}

	sealed, err := h.cipher.Seal(task.Credential)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("seal credential: %w", err))
	}

	mailboxDomain := task.Domain
	if mailboxDomain == "" {
		mailboxDomain = domain.DomainOf(address)
	}
	mb := &domain.Mailbox{
		Address:    address,
		Domain:     mailboxDomain,
		Credential: sealed,
		ExpiresAt:  task.ExpiresAt.UTC(),
		Active:     true,
		ClientIP:   task.ClientIP,
		UserAgent:  task.UserAgent,
	}
	if err := h.store.CreateMailbox(ctx, mb); err != nil {
		if errors.Is(err, storage.ErrMailboxExists) {
			log.Info("provision raced: mailbox already stored")
			return nil
		}
		return fmt.Errorf("store mailbox: %w", err)
	}

	if h.cache != nil {
		if err := h.cache.SetMailbox(ctx, mb.Snapshot(), h.ttl.EmailTTL); err != nil {
			log.Warn("mailbox cache write failed", zap.Error(err))
		}
	}

	h.metrics.RecordMailboxCreated(mailboxDomain)
	log.Info("mailbox provisioned", zap.Time("expires_at", mb.ExpiresAt))
	return nil
}

// Sync 执行目录对账，然后用对账结果刷新统计（失败时同样刷新）
func (h *Handlers) Sync(ctx context.Context, _ tasks.SyncTask) error {
	result, err := h.reconciler.Reconcile(ctx)
	h.metrics.RecordReconcile(result)
	h.refreshStats(ctx, result)

	if err != nil {
		if errors.Is(err, directory.ErrNotConfigured) {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// Cleanup 删除已过期的邮箱（无论是否激活）及其验证码
func (h *Handlers) Cleanup(ctx context.Context, _ tasks.CleanupTask) error {
	removed, err := h.store.DeleteExpiredMailboxes(ctx, h.now())
	if err != nil {
		return fmt.Errorf("delete expired mailboxes: %w", err)
	}

	h.forget(ctx, removed...)
	h.metrics.RecordMailboxesRemoved("expired", len(removed))

	var lastSync *domain.SyncResult
	if h.stats != nil {
		lastSync = h.stats.LastSync()
	}
	h.refreshStats(ctx, lastSync)

	h.log.Info("expired mailboxes cleaned", zap.Int("removed", len(removed)))
	return nil
}
