// Package imap 通过 IMAP 拉取临时邮箱中的未读邮件。
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"mailcode/backend/internal/config"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/mailparse"
)

const (
	defaultPort       = 993
	defaultTimeout    = 30 * time.Second
	defaultFetchLimit = 10
	inbox             = "INBOX"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// Poller 每次调用都建立新的会话，只读取 INBOX 中的 UNSEEN 邮件。
//
// 拉取 BODY[] 会按协议语义把邮件标记为已读，Poller 自身不修改任何标志。
type Poller struct {
	host       string
	port       int
	useSSL     bool
	timeout    time.Duration
	fetchLimit int
	log        *zap.Logger
	now        func() time.Time
	newClient  func(ctx context.Context, deadline time.Time) (imapClient, error)
}

// Option 自定义 Poller
type Option func(*Poller)

// WithClock 替换时钟，主要用于测试
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func withClientFactory(factory func(ctx context.Context, deadline time.Time) (imapClient, error)) Option {
	return func(p *Poller) {
		p.newClient = factory
	}
}

// New 创建 Poller
func New(cfg config.IMAPConfig, log *zap.Logger, opts ...Option) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Poller{
		host:       cfg.Host,
		port:       cfg.Port,
		useSSL:     cfg.UseSSL,
		timeout:    cfg.Timeout,
		fetchLimit: cfg.FetchLimit,
		log:        log.Named("imap"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if p.port <= 0 {
		p.port = defaultPort
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.fetchLimit <= 0 {
		p.fetchLimit = defaultFetchLimit
	}
	p.newClient = p.dial
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll 返回最近的未读邮件（最多 FetchLimit 封，新的在前）。
//
// 连接、登录、选择邮箱或搜索失败时返回空结果和包装后的错误，调用方据此区分
// "没有新邮件"与"轮询失败"。单封邮件拉取或解码失败只记录日志并跳过。
func (p *Poller) Poll(ctx context.Context, address, credential string) ([]domain.InboundMessage, error) {
	if address == "" || credential == "" {
		return nil, errors.New("imap: address and credential are required")
	}

	deadline := p.now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	client, err := p.newClient(ctx, deadline)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	defer p.safeClose(client)
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(address, credential).Wait(); err != nil {
		return nil, fmt.Errorf("imap auth: %w", err)
	}
	if _, err := client.Select(inbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("imap select: %w", err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := recentUIDs(searchData.AllUIDs(), p.fetchLimit)
	messages := make([]domain.InboundMessage, 0, len(uids))
	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		msg, err := p.fetchOne(client, uid)
		if err != nil {
			p.log.Warn("skipping unreadable message",
				zap.String("address", address),
				zap.Uint32("uid", uint32(uid)),
				zap.Error(err),
			)
			continue
		}
		messages = append(messages, *msg)
	}

	if err := client.Logout().Wait(); err != nil {
		p.log.Debug("imap logout failed", zap.String("address", address), zap.Error(err))
	}
	return messages, nil
}

func (p *Poller) fetchOne(client imapClient, uid imap.UID) (*domain.InboundMessage, error) {
	section := &imap.FetchItemBodySection{}
	options := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uid), options).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if len(buffers) == 0 {
		return nil, errors.New("fetch: message vanished")
	}

	buf := buffers[0]
	body := buf.FindBodySection(section)
	if body == nil {
		return nil, errors.New("fetch: empty body section")
	}

	msg, err := mailparse.Parse(body, buf.InternalDate)
	if err != nil {
		return nil, err
	}
	msg.MessageID = strconv.FormatUint(uint64(uid), 10)
	return msg, nil
}

// recentUIDs 取最大的 limit 个 UID，按从新到旧排列
func recentUIDs(uids []imap.UID, limit int) []imap.UID {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	slices.Reverse(sorted)
	return sorted
}

func (p *Poller) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.log.Debug("imap close error", zap.Error(err))
	}
}

func (p *Poller) dial(ctx context.Context, deadline time.Time) (imapClient, error) {
	if p.host == "" {
		return nil, errors.New("imap host not configured")
	}
	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	netDialer := &net.Dialer{Timeout: p.timeout}

	var (
		conn net.Conn
		err  error
	)
	if p.useSSL {
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: &tls.Config{ServerName: p.host, MinVersion: tls.VersionTLS12}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &clientWrapper{Client: imapclient.New(conn, &imapclient.Options{})}, nil
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *clientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
