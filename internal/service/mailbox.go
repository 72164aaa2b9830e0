package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailcode/backend/internal/config"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
	"mailcode/backend/internal/tasks"
)

var (
	ErrDomainNotAllowed = errors.New("domain not allowed")
	ErrInvalidAddress   = errors.New("invalid email address")
	ErrInvalidExpiry    = errors.New("expire_hours out of range")
)

const (
	localPartLength  = 8
	credentialLength = 16
	contentPreview   = 200
	recentCodesLimit = 5

	localPartAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	credentialAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"
)

// AccountDeleter 删除目录中的账号
type AccountDeleter interface {
	DeleteAccount(ctx context.Context, email string) error
}

// MailboxService 封装邮箱相关业务操作。
type MailboxService struct {
	store     storage.Store
	cache     storage.Cache
	directory AccountDeleter
	enqueuer  tasks.Enqueuer
	cfg       config.MailboxConfig
	ttl       config.CacheConfig
	domainSet map[string]struct{}
	log       *zap.Logger
	now       func() time.Time
}

// NewMailboxService 创建邮箱业务服务，cache 与 directory 可以为 nil
func NewMailboxService(store storage.Store, cache storage.Cache, dir AccountDeleter, enqueuer tasks.Enqueuer,
	cfg config.MailboxConfig, ttl config.CacheConfig, log *zap.Logger) *MailboxService {
	domainSet := make(map[string]struct{}, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		domainSet[strings.ToLower(d)] = struct{}{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MailboxService{
		store:     store,
		cache:     cache,
		directory: dir,
		enqueuer:  enqueuer,
		cfg:       cfg,
		ttl:       ttl,
		domainSet: domainSet,
		log:       log.Named("mailbox"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateMailboxInput 定义创建邮箱所需的输入。
type CreateMailboxInput struct {
	Domain      string
	ExpireHours int // 0 表示使用默认有效期
	ClientIP    string
	UserAgent   string
}

// CreatedMailbox 是创建请求的返回，密码只在此处出现一次
type CreatedMailbox struct {
	Address    string
	Credential string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Create 生成地址与密码并派发开通任务，过期时间在此刻确定。
//
// 返回时邮箱尚未写入本地，开通任务完成后才能查询到。
func (s *MailboxService) Create(ctx context.Context, input CreateMailboxInput) (*CreatedMailbox, error) {
	selectedDomain, err := s.pickDomain(input.Domain)
	if err != nil {
		return nil, err
	}

	hours := input.ExpireHours
	if hours == 0 {
		hours = s.cfg.DefaultExpireHours
	}
	if hours < 1 || hours > s.cfg.MaxExpireHours {
		return nil, ErrInvalidExpiry
	}

	localPart, err := randomString(localPartAlphabet, localPartLength)
	if err != nil {
		return nil, err
	}
	credential, err := randomString(credentialAlphabet, credentialLength)
	if err != nil {
		return nil, err
	}

	now := s.now()
	created := &CreatedMailbox{
		Address:    localPart + "@" + selectedDomain,
		Credential: credential,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(hours) * time.Hour),
	}

	err = s.enqueuer.Enqueue(ctx, tasks.ProvisionTask{
		Address:    created.Address,
		Domain:     selectedDomain,
		Credential: credential,
		ExpiresAt:  created.ExpiresAt,
		ClientIP:   input.ClientIP,
		UserAgent:  input.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue provision: %w", err)
	}

	s.log.Info("mailbox requested",
		zap.String("address", created.Address),
		zap.Int("expire_hours", hours))
	return created, nil
}

// List 返回全部可用邮箱
func (s *MailboxService) List(ctx context.Context) ([]domain.Mailbox, error) {
	return s.store.ListUsableMailboxes(ctx, s.now())
}

// Lookup 返回邮箱快照，优先读取 email:{address} 缓存
func (s *MailboxService) Lookup(ctx context.Context, address string) (*domain.MailboxSnapshot, error) {
	address, err := normalize(address)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		snap, ok, err := s.cache.GetMailbox(ctx, address)
		if err != nil {
			s.log.Warn("mailbox cache read failed", zap.String("address", address), zap.Error(err))
		} else if ok {
			return snap, nil
		}
	}

	mb, err := s.store.GetMailboxByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	snap := mb.Snapshot()
	if s.cache != nil {
		if err := s.cache.SetMailbox(ctx, snap, s.ttl.EmailTTL); err != nil {
			s.log.Warn("mailbox cache write failed", zap.String("address", address), zap.Error(err))
		}
	}
	return &snap, nil
}

// CodeResult 是当前验证码查询结果
type CodeResult struct {
	Address       string
	Code          string
	Found         bool
	LastChecked   time.Time
	TimeRemaining string
	ExpiresAt     time.Time
}

// CurrentCode 返回当前验证码：缓存 code:{address}，否则取有效期内最近一条记录。
func (s *MailboxService) CurrentCode(ctx context.Context, address string) (*CodeResult, error) {
	address, err := normalize(address)
	if err != nil {
		return nil, err
	}
	mb, err := s.store.GetMailboxByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	now := s.now()
	result := &CodeResult{
		Address:       address,
		LastChecked:   now,
		TimeRemaining: mb.TimeRemaining(now),
		ExpiresAt:     mb.ExpiresAt,
	}

	if s.cache != nil {
		code, ok, err := s.cache.GetCode(ctx, address)
		if err != nil {
			s.log.Warn("code cache read failed", zap.String("address", address), zap.Error(err))
		} else if ok {
			result.Code, result.Found = code, true
			return result, nil
		}
	}

	latest, err := s.store.LatestCode(ctx, mb.ID)
	switch {
	case errors.Is(err, storage.ErrCodeNotFound):
		return result, nil
	case err != nil:
		return nil, err
	}

	codeTTL := s.ttl.CodeTTL
	if codeTTL <= 0 {
		codeTTL = time.Hour
	}
	if now.Sub(latest.ReceivedAt) <= codeTTL {
		result.Code, result.Found = latest.Code, true
		if s.cache != nil {
			remaining := codeTTL - now.Sub(latest.ReceivedAt)
			if err := s.cache.SetCode(ctx, address, latest.Code, remaining); err != nil {
				s.log.Debug("code cache refill failed", zap.Error(err))
			}
		}
	}
	return result, nil
}

// History 返回邮箱的验证码记录（新到旧），正文截断为预览
func (s *MailboxService) History(ctx context.Context, address string) ([]domain.VerificationCode, error) {
	address, err := normalize(address)
	if err != nil {
		return nil, err
	}
	mb, err := s.store.GetMailboxByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	codes, err := s.store.ListCodes(ctx, mb.ID, 0)
	if err != nil {
		return nil, err
	}
	return previewed(codes), nil
}

// MailboxCodes 是一个邮箱及其最近的验证码
type MailboxCodes struct {
	Address string
	Codes   []domain.VerificationCode
}

// RecentCodes 返回每个可用邮箱最近 5 条验证码，没有记录的邮箱不出现
func (s *MailboxService) RecentCodes(ctx context.Context) ([]MailboxCodes, error) {
	mailboxes, err := s.store.ListUsableMailboxes(ctx, s.now())
	if err != nil {
		return nil, err
	}

	out := make([]MailboxCodes, 0, len(mailboxes))
	for _, mb := range mailboxes {
		codes, err := s.store.ListCodes(ctx, mb.ID, recentCodesLimit)
		if err != nil {
			return nil, err
		}
		if len(codes) == 0 {
			continue
		}
		out = append(out, MailboxCodes{Address: mb.Address, Codes: previewed(codes)})
	}
	return out, nil
}

// MarkRead 标记验证码为已读
func (s *MailboxService) MarkRead(ctx context.Context, address string, codeID uint) error {
	address, err := normalize(address)
	if err != nil {
		return err
	}
	mb, err := s.store.GetMailboxByAddress(ctx, address)
	if err != nil {
		return err
	}
	return s.store.MarkCodeRead(ctx, mb.ID, codeID)
}

// Delete 停用邮箱、清除缓存，并尽力删除目录账号（失败只记录日志）
func (s *MailboxService) Delete(ctx context.Context, address string) error {
	address, err := normalize(address)
	if err != nil {
		return err
	}
	if _, err := s.store.DeactivateMailbox(ctx, address); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Forget(ctx, address); err != nil {
			s.log.Warn("cache purge failed", zap.String("address", address), zap.Error(err))
		}
	}

	if s.directory != nil {
		if err := s.directory.DeleteAccount(ctx, address); err != nil {
			s.log.Warn("directory account delete failed", zap.String("address", address), zap.Error(err))
		}
	}

	s.log.Info("mailbox deleted", zap.String("address", address))
	return nil
}

// RequestPoll 为单个邮箱派发一次轮询
func (s *MailboxService) RequestPoll(ctx context.Context, address string) error {
	address, err := normalize(address)
	if err != nil {
		return err
	}
	if _, err := s.store.GetMailboxByAddress(ctx, address); err != nil {
		return err
	}
	return s.enqueuer.Enqueue(ctx, tasks.PollTask{Address: address})
}

// TaskFailures 返回最近的永久失败任务
func (s *MailboxService) TaskFailures(ctx context.Context, limit int) ([]domain.TaskFailure, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListTaskFailures(ctx, limit)
}

// pickDomain 返回请求的域名，未指定时使用默认域名
func (s *MailboxService) pickDomain(requested string) (string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" {
		requested = s.cfg.DefaultDomain()
	}
	if _, ok := s.domainSet[requested]; !ok {
		return "", ErrDomainNotAllowed
	}
	return requested, nil
}

func normalize(address string) (string, error) {
	address = domain.NormalizeAddress(address)
	if !domain.IsValidEmail(address) {
		return "", ErrInvalidAddress
	}
	return address, nil
}

func previewed(codes []domain.VerificationCode) []domain.VerificationCode {
	for i := range codes {
		codes[i].Content = domain.Excerpt(codes[i].Content, contentPreview, "...")
	}
	return codes
}

// randomString 使用 crypto/rand 从字母表中均匀取样
func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}
