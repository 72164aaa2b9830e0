package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
)

// Store 使用内存保存邮箱与验证码数据，主要用于开发验证和测试。
type Store struct {
	mu        sync.RWMutex
	nextID    uint
	mailboxes map[uint]*domain.Mailbox
	byAddress map[string]uint
	codes     map[uint][]*domain.VerificationCode // mailboxID -> codes
	failures  []domain.TaskFailure
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes: make(map[uint]*domain.Mailbox),
		byAddress: make(map[string]uint),
		codes:     make(map[uint][]*domain.VerificationCode),
	}
}

func (s *Store) allocID() uint {
	s.nextID++
	return s.nextID
}

// ========== Mailbox Repository ==========

// CreateMailbox 保存新邮箱
func (s *Store) CreateMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox.Address = domain.NormalizeAddress(mailbox.Address)
	if _, exists := s.byAddress[mailbox.Address]; exists {
		return storage.ErrMailboxExists
	}
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = time.Now().UTC()
	}

	mailbox.ID = s.allocID()
	clone := *mailbox
	clone.Codes = nil
	s.mailboxes[clone.ID] = &clone
	s.byAddress[clone.Address] = clone.ID
	return nil
}

// GetMailboxByAddress 根据完整地址获取邮箱
func (s *Store) GetMailboxByAddress(_ context.Context, address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[domain.NormalizeAddress(address)]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	clone := *s.mailboxes[id]
	return &clone, nil
}

// ListMailboxes 返回全部邮箱的快照
func (s *Store) ListMailboxes(_ context.Context) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(*domain.Mailbox) bool { return true }), nil
}

// ListUsableMailboxes 返回激活且未过期的邮箱
func (s *Store) ListUsableMailboxes(_ context.Context, now time.Time) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(func(mb *domain.Mailbox) bool { return mb.Usable(now) }), nil
}

func (s *Store) collectLocked(keep func(*domain.Mailbox) bool) []domain.Mailbox {
	out := make([]domain.Mailbox, 0, len(s.mailboxes))
	for _, mb := range s.mailboxes {
		if keep(mb) {
			out = append(out, *mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeactivateMailbox 停用邮箱，返回本次调用是否改变了状态
func (s *Store) DeactivateMailbox(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[domain.NormalizeAddress(address)]
	if !ok {
		return false, storage.ErrMailboxNotFound
	}
	mb := s.mailboxes[id]
	if !mb.Active {
		return false, nil
	}
	mb.Active = false
	return true, nil
}

// DeleteMailbox 删除邮箱及其验证码
func (s *Store) DeleteMailbox(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[domain.NormalizeAddress(address)]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	s.deleteMailboxLocked(id)
	return nil
}

// DeleteExpiredMailboxes 删除 expires_at < now 的邮箱
func (s *Store) DeleteExpiredMailboxes(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, mb := range s.mailboxes {
		if mb.ExpiresAt.Before(now) {
			removed = append(removed, mb.Address)
			s.deleteMailboxLocked(id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// ApplyReconcilePlan 在同一把锁内执行停用与删除
func (s *Store) ApplyReconcilePlan(_ context.Context, plan storage.ReconcilePlan) (*storage.ReconcileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := &storage.ReconcileOutcome{}
	for _, address := range plan.Deactivate {
		id, ok := s.byAddress[domain.NormalizeAddress(address)]
		if !ok || !s.mailboxes[id].Active {
			continue
		}
		s.mailboxes[id].Active = false
		outcome.Deactivated = append(outcome.Deactivated, address)
	}
	for _, address := range plan.Remove {
		id, ok := s.byAddress[domain.NormalizeAddress(address)]
		if !ok || s.mailboxes[id].Active {
			continue
		}
		s.deleteMailboxLocked(id)
		outcome.Removed = append(outcome.Removed, address)
	}
	return outcome, nil
}

func (s *Store) deleteMailboxLocked(id uint) {
	if mb, ok := s.mailboxes[id]; ok {
		delete(s.byAddress, mb.Address)
	}
	delete(s.mailboxes, id)
	delete(s.codes, id)
}

// ========== Code Repository ==========

// SaveCode 追加验证码记录
func (s *Store) SaveCode(_ context.Context, address string, code *domain.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byAddress[domain.NormalizeAddress(address)]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	code.ID = s.allocID()
	code.MailboxID = id
	clone := *code
	s.codes[id] = append(s.codes[id], &clone)
	return nil
}

// LatestCode 返回最近收到的验证码
func (s *Store) LatestCode(ctx context.Context, mailboxID uint) (*domain.VerificationCode, error) {
	codes, _ := s.ListCodes(ctx, mailboxID, 1)
	if len(codes) == 0 {
		return nil, storage.ErrCodeNotFound
	}
	return &codes[0], nil
}

// ListCodes 按接收时间倒序返回验证码记录
func (s *Store) ListCodes(_ context.Context, mailboxID uint, limit int) ([]domain.VerificationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.VerificationCode, 0, len(s.codes[mailboxID]))
	for _, c := range s.codes[mailboxID] {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkCodeRead 标记验证码为已读
func (s *Store) MarkCodeRead(_ context.Context, mailboxID, codeID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.codes[mailboxID] {
		if c.ID == codeID {
			c.IsRead = true
			return nil
		}
	}
	return storage.ErrCodeNotFound
}

// ========== Stats Repository ==========

// CountMailboxes 返回邮箱总数与可用邮箱数
func (s *Store) CountMailboxes(_ context.Context, now time.Time) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var usable int64
	for _, mb := range s.mailboxes {
		if mb.Usable(now) {
			usable++
		}
	}
	return int64(len(s.mailboxes)), usable, nil
}

// CountCodes 返回验证码记录总数
func (s *Store) CountCodes(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, codes := range s.codes {
		total += int64(len(codes))
	}
	return total, nil
}

// ========== Task Failure Repository ==========

// RecordTaskFailure 保存永久失败的任务
func (s *Store) RecordTaskFailure(_ context.Context, failure *domain.TaskFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	failure.ID = s.allocID()
	s.failures = append(s.failures, *failure)
	return nil
}

// ListTaskFailures 返回最近的失败记录
func (s *Store) ListTaskFailures(_ context.Context, limit int) ([]domain.TaskFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]domain.TaskFailure, 0, limit)
	for i := len(s.failures) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.failures[i])
	}
	return out, nil
}

// Ping 内存存储总是可用
func (s *Store) Ping(context.Context) error { return nil }

// Close 内存存储无需释放资源
func (s *Store) Close() error { return nil }
