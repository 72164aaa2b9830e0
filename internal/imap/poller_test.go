package imap

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/config"
)

func rawMessage(subject, body string) []byte {
	return []byte(fmt.Sprintf("From: noreply@example.com\r\nSubject: %s\r\n\r\n%s", subject, body))
}

func newTestPoller(client *fakeIMAPClient, opts ...Option) *Poller {
	opts = append(opts, withClientFactory(func(context.Context, time.Time) (imapClient, error) {
		return client, nil
	}))
	return New(config.IMAPConfig{Host: "mail.example.com", FetchLimit: 10}, nil, opts...)
}

func TestPollReturnsNewestFirst(t *testing.T) {
	internal := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	client := &fakeIMAPClient{
		uids: []imap.UID{12, 11},
		bodies: map[imap.UID][]byte{
			11: rawMessage("Welcome", "hello"),
			12: rawMessage("Login", "Your code: 888123"),
		},
		internalDate: map[imap.UID]time.Time{12: internal},
	}
	p := newTestPoller(client)

	msgs, err := p.Poll(context.Background(), "abc12345@example.com", "secret")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "12", msgs[0].MessageID)
	assert.Equal(t, "Login", msgs[0].Subject)
	assert.Equal(t, "Your code: 888123", msgs[0].Body)
	assert.Equal(t, internal, msgs[0].ReceivedAt)
	assert.Equal(t, "11", msgs[1].MessageID)

	assert.Equal(t, "abc12345@example.com", client.loginUser)
	assert.Equal(t, "INBOX", client.selected)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, client.criteria.NotFlag)
	assert.Equal(t, 1, client.logoutCalls)
	assert.True(t, client.closed)
}

func TestPollFetchLimit(t *testing.T) {
	client := &fakeIMAPClient{bodies: map[imap.UID][]byte{}}
	for uid := imap.UID(1); uid <= 15; uid++ {
		client.uids = append(client.uids, uid)
		client.bodies[uid] = rawMessage("n", "body")
	}
	p := newTestPoller(client)

	msgs, err := p.Poll(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	assert.Equal(t, "15", msgs[0].MessageID)
	assert.Equal(t, "6", msgs[9].MessageID)
	assert.Len(t, client.fetched, 10)
}

func TestPollEmptyMailbox(t *testing.T) {
	client := &fakeIMAPClient{}
	msgs, err := newTestPoller(client).Poll(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.True(t, client.closed)
}

func TestPollSkipsBrokenMessages(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{1, 2, 3},
		bodies: map[imap.UID][]byte{
			1: rawMessage("ok", "1111"),
			3: rawMessage("ok", "3333"),
		},
		fetchErrs: map[imap.UID]error{2: errors.New("connection hiccup")},
	}
	msgs, err := newTestPoller(client).Poll(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "3", msgs[0].MessageID)
	assert.Equal(t, "1", msgs[1].MessageID)
}

func TestPollConnectionLevelErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeIMAPClient
		want   string
	}{
		{"登录失败", &fakeIMAPClient{loginErr: errors.New("bad creds")}, "imap auth"},
		{"选择邮箱失败", &fakeIMAPClient{selectErr: errors.New("no inbox")}, "imap select"},
		{"搜索失败", &fakeIMAPClient{searchErr: errors.New("timeout")}, "imap search"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := newTestPoller(tt.client).Poll(context.Background(), "a@example.com", "pw")
			require.ErrorContains(t, err, tt.want)
			assert.Empty(t, msgs)
			assert.True(t, tt.client.closed)
		})
	}

	t.Run("连接失败", func(t *testing.T) {
		p := New(config.IMAPConfig{}, nil, withClientFactory(func(context.Context, time.Time) (imapClient, error) {
			return nil, errors.New("dial failed")
		}))
		msgs, err := p.Poll(context.Background(), "a@example.com", "pw")
		require.ErrorContains(t, err, "imap connect")
		assert.Nil(t, msgs)
	})

	t.Run("未配置主机", func(t *testing.T) {
		_, err := New(config.IMAPConfig{}, nil).Poll(context.Background(), "a@example.com", "pw")
		require.ErrorContains(t, err, "imap connect")
	})
}

func TestPollRequiresCredentials(t *testing.T) {
	_, err := newTestPoller(&fakeIMAPClient{}).Poll(context.Background(), "a@example.com", "")
	assert.Error(t, err)
}

func TestPollSessionDeadline(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var got time.Time
	p := New(config.IMAPConfig{Timeout: 30 * time.Second}, nil,
		WithClock(func() time.Time { return now }),
		withClientFactory(func(_ context.Context, deadline time.Time) (imapClient, error) {
			got = deadline
			return &fakeIMAPClient{}, nil
		}),
	)

	_, err := p.Poll(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), got)

	ctx, cancel := context.WithDeadline(context.Background(), now.Add(5*time.Second))
	defer cancel()
	_, _ = p.Poll(ctx, "a@example.com", "pw")
	assert.Equal(t, now.Add(5*time.Second), got)
}

func TestRecentUIDs(t *testing.T) {
	assert.Equal(t, []imap.UID{9, 7, 5}, recentUIDs([]imap.UID{5, 9, 7}, 10))
	assert.Equal(t, []imap.UID{9, 7}, recentUIDs([]imap.UID{5, 9, 7}, 2))
	assert.Empty(t, recentUIDs(nil, 10))
}

func TestNewDefaults(t *testing.T) {
	p := New(config.IMAPConfig{Host: "mail.example.com"}, nil)
	assert.Equal(t, 993, p.port)
	assert.Equal(t, 30*time.Second, p.timeout)
	assert.Equal(t, 10, p.fetchLimit)
}

type fakeIMAPClient struct {
	uids         []imap.UID
	bodies       map[imap.UID][]byte
	internalDate map[imap.UID]time.Time
	fetchErrs    map[imap.UID]error

	loginErr  error
	selectErr error
	searchErr error

	loginUser   string
	selected    string
	criteria    *imap.SearchCriteria
	fetched     []imap.UID
	logoutCalls int
	closed      bool
}

func (c *fakeIMAPClient) Login(user, _ string) commandWaiter {
	c.loginUser = user
	return &fakeCommand{err: c.loginErr}
}
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Select(mailbox string, _ *imap.SelectOptions) selectWaiter {
	c.selected = mailbox
	return &fakeSelect{err: c.selectErr}
}
func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.criteria = criteria
	return &fakeSearch{err: c.searchErr, data: &imap.SearchData{All: imap.UIDSetNum(c.uids...)}}
}
func (c *fakeIMAPClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	set, _ := numSet.(imap.UIDSet)
	var bufs []*imapclient.FetchMessageBuffer
	for _, uid := range c.uids {
		if !uidInSet(set, uid) {
			continue
		}
		c.fetched = append(c.fetched, uid)
		if err := c.fetchErrs[uid]; err != nil {
			return &fakeFetch{err: err}
		}
		bufs = append(bufs, &imapclient.FetchMessageBuffer{
			SeqNum:       uint32(uid),
			UID:          uid,
			InternalDate: c.internalDate[uid],
			BodySection: []imapclient.FetchBodySectionBuffer{{
				Section: &imap.FetchItemBodySection{},
				Bytes:   append([]byte(nil), c.bodies[uid]...),
			}},
		})
	}
	return &fakeFetch{bufs: bufs}
}

func uidInSet(set imap.UIDSet, uid imap.UID) bool {
	for _, r := range set {
		if uid >= r.Start && uid <= r.Stop {
			return true
		}
	}
	return false
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return nil, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }
