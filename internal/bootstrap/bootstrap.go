// Package bootstrap 按配置构建各进程共用的基础设施：存储、缓存、日志与外发中继。
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"mailcode/backend/internal/cache"
	"mailcode/backend/internal/config"
	"mailcode/backend/internal/logger"
	"mailcode/backend/internal/smtp"
	"mailcode/backend/internal/storage"
	"mailcode/backend/internal/storage/memory"
	rediscache "mailcode/backend/internal/storage/redis"
	sqlstore "mailcode/backend/internal/storage/sql"
)

// DefaultStoreWait 是启动时等待数据库就绪的默认上限
const DefaultStoreWait = time.Minute

// NewLogger 按日志配置创建 zap 日志记录器
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Level:       cfg.Level,
		Development: cfg.Development,
		File:        cfg.File,
		Compress:    true,
	})
}

// OpenStore 打开持久化存储，Database.Type 为空时使用内存存储。
//
// 数据库暂时不可达时按指数退避重试，直到 wait 用尽或 ctx 结束。
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, wait time.Duration, log *zap.Logger) (storage.Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Type {
	case "":
		log.Warn("no database configured, using in-memory store")
		return memory.NewStore(), nil
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required for %s", cfg.Type)
	}
	if wait <= 0 {
		wait = DefaultStoreWait
	}

	open := func() (*sqlstore.Store, error) {
		return sqlstore.Open(cfg, log)
	}
	notify := func(err error, next time.Duration) {
		log.Warn("database not ready, retrying",
			zap.String("type", cfg.Type),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	store, err := backoff.Retry(ctx, open,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(wait),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Type, err)
	}
	log.Info("database store ready", zap.String("type", cfg.Type))
	return store, nil
}

// OpenCache 连接 Redis，Address 为空时使用进程内缓存
func OpenCache(cfg config.RedisConfig, log *zap.Logger) (storage.Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Address == "" {
		log.Info("no redis configured, using local cache")
		return cache.NewLocalCache(time.Minute), nil
	}
	client, err := rediscache.NewClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return rediscache.NewCache(client), nil
}

// NewSender 按 SMTP.Provider 选择外发中继：smtp（默认）或 ses
func NewSender(ctx context.Context, cfg *config.Config, log *zap.Logger) (smtp.Sender, error) {
	switch cfg.SMTP.Provider {
	case "", "smtp":
		return smtp.NewRelay(cfg.SMTP, log), nil
	case "ses":
		relay, err := smtp.NewSESRelay(ctx, cfg.SES, log)
		if err != nil {
			return nil, err
		}
		return relay, nil
	default:
		return nil, fmt.Errorf("unsupported smtp provider: %s (supported: smtp, ses)", cfg.SMTP.Provider)
	}
}
