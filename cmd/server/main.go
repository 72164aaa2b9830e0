package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "mailcode/backend/internal/auth/jwt"
	"mailcode/backend/internal/bootstrap"
	"mailcode/backend/internal/config"
	"mailcode/backend/internal/directory"
	"mailcode/backend/internal/extractor"
	"mailcode/backend/internal/health"
	"mailcode/backend/internal/imap"
	"mailcode/backend/internal/monitoring"
	"mailcode/backend/internal/pipeline"
	"mailcode/backend/internal/reconcile"
	"mailcode/backend/internal/scheduler"
	"mailcode/backend/internal/security"
	"mailcode/backend/internal/service"
	"mailcode/backend/internal/storage"
	"mailcode/backend/internal/tasks"
	httptransport "mailcode/backend/internal/transport/http"
	"mailcode/backend/internal/websocket"
)

const version = "1.0.0"

// queueMetricsInterval 是刷新队列积压指标的间隔
const queueMetricsInterval = 15 * time.Second

// main 启动 HTTP API、任务调度器与周期触发器。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := bootstrap.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailcode server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层与缓存
	store, err := bootstrap.OpenStore(ctx, cfg.Database, bootstrap.DefaultStoreWait, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeQuietly(log, "store", store.Close)

	cacheLayer, err := bootstrap.OpenCache(cfg.Redis, log)
	if err != nil {
		log.Fatal("failed to initialize cache", zap.Error(err))
	}
	defer closeQuietly(log, "cache", cacheLayer.Close)

	cipher, err := security.NewCipher(cfg.Security.CredentialKey)
	if err != nil {
		log.Fatal("failed to initialize credential cipher", zap.Error(err))
	}
	if !cipher.Enabled() {
		log.Warn("credential key not set, mailbox passwords are stored unencrypted")
	}

	dir := directory.New(cfg.Directory, log)
	if !dir.Configured() {
		log.Warn("directory api not configured, provisioning and reconciliation will fail until it is set")
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 任务调度器
	dispatcher := tasks.NewDispatcher(tasks.Config{
		Workers:     cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
		TaskTimeout: cfg.Scheduler.TaskTimeout,
	}, store, log, tasks.WithObserver(metrics))

	// 初始化服务层
	mailboxService := service.NewMailboxService(store, cacheLayer, dir, dispatcher, cfg.Mailbox, cfg.Cache, log)
	statsService := service.NewStatsService(store, cacheLayer, dir, cfg.Cache.StatsTTL, log)

	sender, err := bootstrap.NewSender(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize outbound relay", zap.Error(err))
	}
	sendService := service.NewSendService(store, sender, cipher, cfg.SMTP, metrics, log)

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, mailboxService, log.Named("websocket"))

	// 注册任务处理器
	handlers := pipeline.New(pipeline.Deps{
		Store:      store,
		Cache:      cacheLayer,
		Poller:     imap.New(cfg.IMAP, log),
		Extractor:  extractor.New(),
		Directory:  dir,
		Reconciler: reconcile.New(store, dir, cacheLayer, log),
		Stats:      statsService,
		Cipher:     cipher,
		Enqueuer:   dispatcher,
		Notifier:   wsHub,
		Metrics:    metrics,
		CacheTTL:   cfg.Cache,
		Log:        log,
	})
	handlers.Register(dispatcher)

	var triggers *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		triggers = scheduler.New(dispatcher, scheduler.DefaultTriggers(
			cfg.Scheduler.SweepInterval,
			cfg.Scheduler.SyncInterval,
			cfg.Scheduler.CleanupInterval,
		), log)
	} else {
		log.Warn("periodic triggers disabled")
	}

	healthChecker := health.NewHealthChecker(store, cacheLayer, log)
	alertManager := newAlertManager(cfg.Monitor, store, metrics, dispatcher, log)

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	if !jwtManager.Enabled() {
		log.Warn("jwt secret not set, admin api disabled")
	}

	deps := httptransport.RouterDependencies{
		Config:         cfg,
		MailboxService: mailboxService,
		StatsService:   statsService,
		SendService:    sendService,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		JWTManager:     jwtManager,
		Logger:         log,
	}
	if triggers != nil {
		deps.Scheduler = triggers
	}
	router := httptransport.NewRouter(deps)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	dispatcher.Start()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 周期触发器 goroutine
	if triggers != nil {
		group.Go(func() error {
			return triggers.Run(groupCtx)
		})
	}

	// 告警与队列指标 goroutine
	group.Go(func() error {
		log.Info("starting alert monitoring", zap.Duration("interval", cfg.Monitor.AlertInterval))
		alertManager.StartMonitoring(groupCtx, cfg.Monitor.AlertInterval)
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(queueMetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.UpdateQueueDepths(dispatcher.Stats())
			}
		}
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if triggers != nil {
			triggers.Stop()
		}
		dispatcher.Stop()

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// newAlertManager 注册内置告警规则与接收器
func newAlertManager(cfg config.MonitoringConfig, store storage.Store, metrics *monitoring.Metrics,
	dispatcher *tasks.Dispatcher, log *zap.Logger) *monitoring.AlertManager {
	am := monitoring.NewAlertManager(log)
	am.AddReceiver(monitoring.NewLogAlertReceiver(log))
	if cfg.AlertWebhookURL != "" {
		am.AddReceiver(monitoring.NewWebhookAlertReceiver(cfg.AlertWebhookURL))
	}

	am.AddRule(monitoring.HighMemoryUsageRule(cfg.MemoryLimitMB))
	am.AddRule(monitoring.DatabaseConnectionRule(store.Ping))
	am.AddRule(monitoring.ReconcileFailureRule(metrics, cfg.ReconcileFailureLimit))
	am.AddRule(monitoring.TaskFailureBurstRule(metrics, cfg.TaskFailureBurst))
	am.AddRule(monitoring.QueueBacklogRule(dispatcher.Stats, cfg.QueueBacklogLimit))
	return am
}

func closeQuietly(log *zap.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn("close failed", zap.String("component", name), zap.Error(err))
	}
}
