package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailcode/backend/internal/config"
)

// ErrRelayNotConfigured 没有配置 SMTP 中继地址
var ErrRelayNotConfigured = errors.New("smtp relay not configured")

// Relay 通过 SMTP 中继发信
//
// 465 端口且开启 UseSSL 时使用隐式 TLS，587 端口且开启 UseTLS 时使用 STARTTLS，
// 其余情况走明文连接。
type Relay struct {
	cfg       config.SMTPConfig
	tlsConfig *tls.Config
	log       *zap.Logger
	now       func() time.Time
}

// RelayOption 自定义 Relay
type RelayOption func(*Relay)

// WithTLSConfig 替换默认的 TLS 配置
func WithTLSConfig(tc *tls.Config) RelayOption {
	return func(r *Relay) { r.tlsConfig = tc }
}

// NewRelay 创建 SMTP 中继
func NewRelay(cfg config.SMTPConfig, log *zap.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &Relay{
		cfg:       cfg,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name 返回中继名称
func (r *Relay) Name() string { return "smtp" }

// Send 登录中继并投递邮件，creds.Username 为空时跳过认证
func (r *Relay) Send(ctx context.Context, creds Credentials, msg *Message) error {
	if r.cfg.Host == "" || r.cfg.Port == 0 {
		return ErrRelayNotConfigured
	}
	from, to, err := envelope(msg)
	if err != nil {
		return err
	}
	raw, err := Compose(msg, r.now())
	if err != nil {
		return err
	}

	client, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if creds.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", creds.Username, creds.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	if err := client.Quit(); err != nil {
		r.log.Debug("smtp quit failed", zap.Error(err))
	}

	r.log.Info("email sent via smtp relay",
		zap.String("from", from),
		zap.Int("recipients", len(to)),
	)
	return nil
}

func (r *Relay) connect(ctx context.Context) (*gosmtp.Client, error) {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := &net.Dialer{Timeout: r.cfg.Timeout}

	var (
		client *gosmtp.Client
		err    error
	)
	switch {
	case r.cfg.Port == 465 && r.cfg.UseSSL:
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: r.tlsConfig}
		conn, dialErr := tlsDialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", addr, dialErr)
		}
		client = gosmtp.NewClient(conn)
	case r.cfg.Port == 587 && r.cfg.UseTLS:
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", addr, dialErr)
		}
		client, err = gosmtp.NewClientStartTLS(conn, r.tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	default:
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", addr, dialErr)
		}
		client = gosmtp.NewClient(conn)
	}

	client.CommandTimeout = r.cfg.Timeout
	client.SubmissionTimeout = r.cfg.Timeout
	return client, nil
}

// envelope 返回 MAIL FROM 与 RCPT TO 使用的裸地址
func envelope(msg *Message) (string, []string, error) {
	if len(msg.To) == 0 {
		return "", nil, ErrNoRecipients
	}
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return "", nil, fmt.Errorf("parse from %q: %w", msg.From, err)
	}
	to := make([]string, 0, len(msg.To))
	for _, rcpt := range msg.To {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return "", nil, fmt.Errorf("parse recipient %q: %w", rcpt, err)
		}
		to = append(to, addr.Address)
	}
	return from.Address, to, nil
}
