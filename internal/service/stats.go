package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/domain"
	"mailcode/backend/internal/storage"
)

// AccountCounter 返回目录中的账号列表，用于统计实时账号数
type AccountCounter interface {
	ListAccounts(ctx context.Context) ([]directory.Account, error)
}

// StatsService 汇总系统统计，结果缓存在 stats:system
type StatsService struct {
	store     storage.StatsRepository
	cache     storage.Cache
	directory AccountCounter
	ttl       time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	lastSync *domain.SyncResult
}

// NewStatsService 创建统计服务，directory 可以为 nil
func NewStatsService(store storage.StatsRepository, cache storage.Cache, dir AccountCounter, ttl time.Duration, log *zap.Logger) *StatsService {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StatsService{
		store:     store,
		cache:     cache,
		directory: dir,
		ttl:       ttl,
		log:       log.Named("stats"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get 优先返回缓存，未命中时重新计算（包括一次实时目录查询）并写回缓存
func (s *StatsService) Get(ctx context.Context) (*domain.SystemStats, error) {
	if s.cache != nil {
		stats, ok, err := s.cache.GetStats(ctx)
		if err != nil {
			s.log.Warn("stats cache read failed", zap.Error(err))
		} else if ok {
			return stats, nil
		}
	}

	stats, err := s.build(ctx, s.LastSync(), true)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, stats)
	return stats, nil
}

// Refresh 使用一次对账结果重算统计（对账失败时也会调用）
//
// 对账成功时目录账号数取自结果本身，不再额外请求目录。
func (s *StatsService) Refresh(ctx context.Context, result *domain.SyncResult) (*domain.SystemStats, error) {
	if result != nil {
		s.mu.Lock()
		s.lastSync = result
		s.mu.Unlock()
	}

	stats, err := s.build(ctx, result, false)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, stats)
	return stats, nil
}

// LastSync 返回进程内记录的最近一次对账结果
func (s *StatsService) LastSync() *domain.SyncResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

func (s *StatsService) build(ctx context.Context, lastSync *domain.SyncResult, live bool) (*domain.SystemStats, error) {
	now := s.now()
	total, usable, err := s.store.CountMailboxes(ctx, now)
	if err != nil {
		return nil, err
	}
	codes, err := s.store.CountCodes(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domain.SystemStats{
		TotalMailboxes:    total,
		UsableMailboxes:   usable,
		TotalCodes:        codes,
		DirectoryAccounts: -1,
		LastSync:          lastSync,
		ServerStatus:      domain.ServerStatusOK,
		UpdatedAt:         now,
	}

	switch {
	case lastSync.Succeeded() && !live:
		stats.DirectoryAccounts = int64(lastSync.DirectoryAccounts)
	case s.directory != nil:
		accounts, err := s.directory.ListAccounts(ctx)
		if err != nil {
			s.log.Warn("directory account count unavailable", zap.Error(err))
		} else {
			stats.DirectoryAccounts = int64(len(accounts))
		}
	}

	if lastSync != nil && !lastSync.Succeeded() {
		stats.ServerStatus = domain.ServerStatusDegraded
	}
	return stats, nil
}

func (s *StatsService) writeCache(ctx context.Context, stats *domain.SystemStats) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStats(ctx, stats, s.ttl); err != nil {
		s.log.Warn("stats cache write failed", zap.Error(err))
	}
}
