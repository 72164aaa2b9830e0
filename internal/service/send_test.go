package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/config"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/security"
	"mailcode/backend/internal/smtp"
	"mailcode/backend/internal/storage/memory"
)

// MockSender 模拟外发中继
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, creds smtp.Credentials, msg *smtp.Message) error {
	args := m.Called(ctx, creds, msg)
	return args.Error(0)
}

func (m *MockSender) Name() string { return "smtp" }

// MockSendRecorder 模拟发信指标
type MockSendRecorder struct {
	mock.Mock
}

func (m *MockSendRecorder) RecordEmailSent(provider string, err error) {
	m.Called(provider, err)
}

func (m *MockSendRecorder) RecordRateLimitBlock(scope string) {
	m.Called(scope)
}

type sendFixture struct {
	store   *memory.Store
	sender  *MockSender
	metrics *MockSendRecorder
	cipher  *security.Cipher
	svc     *SendService
}

func newSendFixture(t *testing.T, cfg config.SMTPConfig) *sendFixture {
	t.Helper()
	cipher, err := security.NewCipher("unit-test-credential-key")
	require.NoError(t, err)

	f := &sendFixture{
		store:   memory.NewStore(),
		sender:  new(MockSender),
		metrics: new(MockSendRecorder),
		cipher:  cipher,
	}
	f.svc = NewSendService(f.store, f.sender, cipher, cfg, f.metrics, nil)
	f.svc.now = func() time.Time { return testNow }

	sealed, err := cipher.Seal("mailbox-pass")
	require.NoError(t, err)
	for _, mb := range []*domain.Mailbox{
		{Address: "abc12345@example.com", Domain: "example.com", Credential: sealed, ExpiresAt: testNow.Add(time.Hour), Active: true},
		{Address: "gone1234@example.com", Domain: "example.com", Credential: sealed, ExpiresAt: testNow.Add(-time.Hour), Active: true},
	} {
		require.NoError(t, f.store.CreateMailbox(context.Background(), mb))
	}
	return f
}

func TestSendServiceMailboxSender(t *testing.T) {
	f := newSendFixture(t, config.SMTPConfig{RatePerMinute: 10})
	f.sender.On("Send", mock.Anything, smtp.Credentials{Username: "abc12345@example.com", Password: "mailbox-pass"},
		mock.MatchedBy(func(msg *smtp.Message) bool {
			return msg.From == "abc12345@example.com" &&
				len(msg.To) == 2 && msg.To[0] == "alice@example.org" && msg.To[1] == "bob@example.org" &&
				msg.Subject == "hello" && msg.HTML == "<p>hi</p>"
		})).Return(nil).Once()
	f.metrics.On("RecordEmailSent", "smtp", nil).Once()

	res, err := f.svc.Send(context.Background(), SendInput{
		From:     "ABC12345@example.com",
		To:       "alice@example.org; bob@example.org,",
		Subject:  "hello",
		Body:     "hi",
		HTMLBody: "<p>hi</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, res.Recipients)
	assert.Equal(t, "smtp", res.Provider)
	assert.Equal(t, testNow, res.SentAt)

	f.sender.AssertExpectations(t)
	f.metrics.AssertExpectations(t)
}

func TestSendServiceAllowedDomainSender(t *testing.T) {
	cfg := config.SMTPConfig{
		Username:             "relay@notify.example.net",
		Password:             "relay-pass",
		AllowedSenderDomains: []string{"notify.example.net"},
	}

	t.Run("使用服务账号", func(t *testing.T) {
		f := newSendFixture(t, cfg)
		f.sender.On("Send", mock.Anything, smtp.Credentials{Username: "relay@notify.example.net", Password: "relay-pass"}, mock.Anything).
			Return(nil).Once()
		f.metrics.On("RecordEmailSent", "smtp", nil)

		_, err := f.svc.Send(context.Background(), SendInput{From: "noreply@notify.example.net", To: "alice@example.org", Subject: "s", Body: "b"})
		require.NoError(t, err)
		f.sender.AssertExpectations(t)
	})

	t.Run("未配置服务账号", func(t *testing.T) {
		noCreds := cfg
		noCreds.Username = ""
		f := newSendFixture(t, noCreds)

		_, err := f.svc.Send(context.Background(), SendInput{From: "noreply@notify.example.net", To: "alice@example.org", Body: "b"})
		assert.ErrorIs(t, err, ErrRelayCredentialMissing)
	})

	t.Run("过期邮箱所在域名不在白名单", func(t *testing.T) {
		f := newSendFixture(t, cfg)
		_, err := f.svc.Send(context.Background(), SendInput{From: "gone1234@example.com", To: "alice@example.org", Body: "b"})
		assert.ErrorIs(t, err, ErrSenderNotAllowed)
	})

	t.Run("陌生发件人", func(t *testing.T) {
		f := newSendFixture(t, cfg)
		_, err := f.svc.Send(context.Background(), SendInput{From: "someone@elsewhere.com", To: "alice@example.org", Body: "b"})
		assert.ErrorIs(t, err, ErrSenderNotAllowed)
		f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSendServiceValidation(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, config.SMTPConfig{})

	_, err := f.svc.Send(ctx, SendInput{From: "bad", To: "alice@example.org"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = f.svc.Send(ctx, SendInput{From: "abc12345@example.com", To: " ; , "})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = f.svc.Send(ctx, SendInput{From: "abc12345@example.com", To: "alice@example.org, not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = f.svc.Send(ctx, SendInput{
		From:     "abc12345@example.com",
		To:       "alice@example.org",
		HTMLBody: `<script>alert(1)</script>`,
	})
	assert.ErrorIs(t, err, security.ErrContentRejected)

	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendServiceRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newSendFixture(t, config.SMTPConfig{RatePerMinute: 2})
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.metrics.On("RecordEmailSent", "smtp", nil)
	f.metrics.On("RecordRateLimitBlock", "send").Once()

	input := SendInput{From: "abc12345@example.com", To: "alice@example.org", Body: "b"}
	for i := 0; i < 2; i++ {
		_, err := f.svc.Send(ctx, input)
		require.NoError(t, err)
	}
	_, err := f.svc.Send(ctx, input)
	assert.ErrorIs(t, err, ErrRateLimited)
	f.sender.AssertNumberOfCalls(t, "Send", 2)
	f.metrics.AssertExpectations(t)
}

func TestSendServiceRelayFailure(t *testing.T) {
	f := newSendFixture(t, config.SMTPConfig{})
	relayErr := errors.New("smtp auth: 535 authentication failed")
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(relayErr)
	f.metrics.On("RecordEmailSent", "smtp", relayErr).Once()

	_, err := f.svc.Send(context.Background(), SendInput{From: "abc12345@example.com", To: "alice@example.org", Body: "b"})
	assert.ErrorIs(t, err, relayErr)
	f.metrics.AssertExpectations(t)
}
