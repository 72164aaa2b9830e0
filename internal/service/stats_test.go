package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailcode/backend/internal/cache"
	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage/memory"
)

// MockAccountCounter 模拟目录账号列表
type MockAccountCounter struct {
	mock.Mock
}

func (m *MockAccountCounter) ListAccounts(ctx context.Context) ([]directory.Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]directory.Account), args.Error(1)
}

func newStatsFixture(t *testing.T) (*StatsService, *memory.Store, *cache.LocalCache, *MockAccountCounter) {
	t.Helper()
	store := memory.NewStore()
	c := cache.NewLocalCache(0)
	dir := new(MockAccountCounter)
	svc := NewStatsService(store, c, dir, time.Minute, nil)
	svc.now = func() time.Time { return testNow }

	ctx := context.Background()
	for _, mb := range []*domain.Mailbox{
		{Address: "live@example.com", Domain: "example.com", ExpiresAt: testNow.Add(time.Hour), Active: true},
		{Address: "old@example.com", Domain: "example.com", ExpiresAt: testNow.Add(-time.Hour), Active: true},
	} {
		require.NoError(t, store.CreateMailbox(ctx, mb))
	}
	require.NoError(t, store.SaveCode(ctx, "live@example.com", &domain.VerificationCode{Code: "1234", ReceivedAt: testNow}))
	return svc, store, c, dir
}

func TestStatsServiceGet(t *testing.T) {
	ctx := context.Background()
	svc, _, c, dir := newStatsFixture(t)
	dir.On("ListAccounts", mock.Anything).Return([]directory.Account{{Email: "a@example.com"}, {Email: "b@example.com"}}, nil).Once()

	stats, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalMailboxes)
	assert.Equal(t, int64(1), stats.UsableMailboxes)
	assert.Equal(t, int64(1), stats.TotalCodes)
	assert.Equal(t, int64(2), stats.DirectoryAccounts)
	assert.Equal(t, domain.ServerStatusOK, stats.ServerStatus)

	// 第二次读取命中缓存，不再请求目录
	again, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.TotalMailboxes, again.TotalMailboxes)
	dir.AssertNumberOfCalls(t, "ListAccounts", 1)

	_, ok, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatsServiceGetDirectoryUnavailable(t *testing.T) {
	svc, _, _, dir := newStatsFixture(t)
	dir.On("ListAccounts", mock.Anything).Return(nil, errors.New("connection refused"))

	stats, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), stats.DirectoryAccounts)
}

func TestStatsServiceRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("对账成功时使用结果中的账号数", func(t *testing.T) {
		svc, _, _, dir := newStatsFixture(t)
		result := &domain.SyncResult{Status: domain.SyncStatusSuccess, DirectoryAccounts: 7, Timestamp: testNow}

		stats, err := svc.Refresh(ctx, result)
		require.NoError(t, err)
		assert.Equal(t, int64(7), stats.DirectoryAccounts)
		assert.Same(t, result, stats.LastSync)
		assert.Same(t, result, svc.LastSync())
		dir.AssertNotCalled(t, "ListAccounts", mock.Anything)
	})

	t.Run("对账失败时标记异常", func(t *testing.T) {
		svc, _, _, dir := newStatsFixture(t)
		dir.On("ListAccounts", mock.Anything).Return([]directory.Account{}, nil)
		result := &domain.SyncResult{Status: domain.SyncStatusFailed, Error: "directory unreachable", Timestamp: testNow}

		stats, err := svc.Refresh(ctx, result)
		require.NoError(t, err)
		assert.Equal(t, domain.ServerStatusDegraded, stats.ServerStatus)
		assert.Equal(t, int64(0), stats.DirectoryAccounts)
	})
}
