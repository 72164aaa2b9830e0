package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailcode/backend/internal/bootstrap"
	"mailcode/backend/internal/config"
	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/extractor"
	"mailcode/backend/internal/imap"
	"mailcode/backend/internal/pipeline"
	"mailcode/backend/internal/reconcile"
	"mailcode/backend/internal/security"
	"mailcode/backend/internal/service"
	"mailcode/backend/internal/storage"
)

// runtime 是单次命令使用的依赖集合
type runtime struct {
	log       *zap.Logger
	store     storage.Store
	cache     storage.Cache
	cipher    *security.Cipher
	poller    *imap.Poller
	extractor *extractor.Extractor
	stats     *service.StatsService
	handlers  *pipeline.Handlers
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := bootstrap.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := bootstrap.OpenStore(ctx, cfg.Database, bootstrap.DefaultStoreWait, log)
	if err != nil {
		return nil, err
	}
	cacheLayer, err := bootstrap.OpenCache(cfg.Redis, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cipher, err := security.NewCipher(cfg.Security.CredentialKey)
	if err != nil {
		_ = store.Close()
		_ = cacheLayer.Close()
		return nil, err
	}

	dir := directory.New(cfg.Directory, log)
	stats := service.NewStatsService(store, cacheLayer, dir, cfg.Cache.StatsTTL, log)
	poller := imap.New(cfg.IMAP, log)
	ex := extractor.New()

	// 命令行直接调用处理器，不需要任务入队
	handlers := pipeline.New(pipeline.Deps{
		Store:      store,
		Cache:      cacheLayer,
		Poller:     poller,
		Extractor:  ex,
		Directory:  dir,
		Reconciler: reconcile.New(store, dir, cacheLayer, log),
		Stats:      stats,
		Cipher:     cipher,
		CacheTTL:   cfg.Cache,
		Log:        log,
	})

	return &runtime{
		log:       log,
		store:     store,
		cache:     cacheLayer,
		cipher:    cipher,
		poller:    poller,
		extractor: ex,
		stats:     stats,
		handlers:  handlers,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.cache.Close(); err != nil {
		rt.log.Warn("close cache failed", zap.Error(err))
	}
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("close store failed", zap.Error(err))
	}
	_ = rt.log.Sync()
}
