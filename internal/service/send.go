package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailcode/backend/internal/config"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/security"
	"mailcode/backend/internal/smtp"
	"mailcode/backend/internal/storage"
)

var (
	ErrSenderNotAllowed       = errors.New("sender not allowed")
	ErrRateLimited            = errors.New("send rate limit exceeded")
	ErrNoRecipients           = errors.New("no recipients")
	ErrRelayCredentialMissing = errors.New("relay service credential not configured")
)

// SendRecorder 记录发信指标
type SendRecorder interface {
	RecordEmailSent(provider string, err error)
	RecordRateLimitBlock(scope string)
}

// SendInput 外发请求
type SendInput struct {
	From     string
	To       string // 逗号或分号分隔
	Subject  string
	Body     string
	HTMLBody string
}

// SendResult 外发结果
type SendResult struct {
	From       string
	Recipients []string
	Provider   string
	SentAt     time.Time
}

// SendService 校验发件人并通过中继外发邮件
type SendService struct {
	store          storage.MailboxRepository
	sender         smtp.Sender
	cipher         *security.Cipher
	filter         *security.ContentFilter
	limiter        *smtp.SenderLimiter
	metrics        SendRecorder
	allowedDomains map[string]struct{}
	serviceCreds   smtp.Credentials
	log            *zap.Logger
	now            func() time.Time
}

// NewSendService 创建发信服务，metrics 可以为 nil
func NewSendService(store storage.MailboxRepository, sender smtp.Sender, cipher *security.Cipher,
	cfg config.SMTPConfig, metrics SendRecorder, log *zap.Logger) *SendService {
	allowed := make(map[string]struct{}, len(cfg.AllowedSenderDomains))
	for _, d := range cfg.AllowedSenderDomains {
		allowed[strings.ToLower(d)] = struct{}{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SendService{
		store:          store,
		sender:         sender,
		cipher:         cipher,
		filter:         security.NewContentFilter(),
		limiter:        smtp.NewSenderLimiter(cfg.RatePerMinute),
		metrics:        metrics,
		allowedDomains: allowed,
		serviceCreds:   smtp.Credentials{Username: cfg.Username, Password: cfg.Password},
		log:            log.Named("send"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Send 发送一封邮件。
//
// 发件人是可用的本地邮箱时使用该邮箱自己的密码登录中继；否则发件域名必须在白名单中，
// 此时使用中继的服务账号。
func (s *SendService) Send(ctx context.Context, input SendInput) (*SendResult, error) {
	from := domain.NormalizeAddress(input.From)
	if err := domain.ValidateEmail(from); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, input.From)
	}

	recipients := domain.SplitRecipients(input.To)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	for _, rcpt := range recipients {
		if err := domain.ValidateEmail(rcpt); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, rcpt)
		}
	}

	if err := s.filter.Check(input.Subject, input.Body, input.HTMLBody); err != nil {
		return nil, err
	}

	creds, err := s.credentialsFor(ctx, from)
	if err != nil {
		return nil, err
	}

	if !s.limiter.Allow(from) {
		s.recordBlock()
		return nil, ErrRateLimited
	}

	err = s.sender.Send(ctx, creds, &smtp.Message{
		From:    from,
		To:      recipients,
		Subject: input.Subject,
		Text:    input.Body,
		HTML:    input.HTMLBody,
	})
	if s.metrics != nil {
		s.metrics.RecordEmailSent(s.sender.Name(), err)
	}
	if err != nil {
		s.log.Warn("outbound email failed",
			zap.String("from", from),
			zap.Strings("to", recipients),
			zap.Error(err),
		)
		return nil, err
	}

	return &SendResult{
		From:       from,
		Recipients: recipients,
		Provider:   s.sender.Name(),
		SentAt:     s.now(),
	}, nil
}

func (s *SendService) credentialsFor(ctx context.Context, from string) (smtp.Credentials, error) {
	mailbox, err := s.store.GetMailboxByAddress(ctx, from)
	switch {
	case err == nil && mailbox.Usable(s.now()):
		password, err := s.cipher.Open(mailbox.Credential)
		if err != nil {
			return smtp.Credentials{}, fmt.Errorf("open credential: %w", err)
		}
		return smtp.Credentials{Username: from, Password: password}, nil
	case err != nil && !errors.Is(err, storage.ErrMailboxNotFound):
		return smtp.Credentials{}, err
	}

	if _, ok := s.allowedDomains[domain.DomainOf(from)]; !ok {
		return smtp.Credentials{}, ErrSenderNotAllowed
	}
	if s.serviceCreds.Username == "" {
		return smtp.Credentials{}, ErrRelayCredentialMissing
	}
	return s.serviceCreds, nil
}

func (s *SendService) recordBlock() {
	if s.metrics != nil {
		s.metrics.RecordRateLimitBlock("send")
	}
}
