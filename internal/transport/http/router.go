package httptransport

import (
	"context"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailcode/backend/internal/auth/jwt"
	"mailcode/backend/internal/config"
	"mailcode/backend/internal/health"
	"mailcode/backend/internal/middleware"
	"mailcode/backend/internal/monitoring"
	"mailcode/backend/internal/scheduler"
	"mailcode/backend/internal/service"
	"mailcode/backend/internal/websocket"
)

// TriggerRunner 是管理接口使用的调度器能力
type TriggerRunner interface {
	Fire(ctx context.Context, name string) error
	Snapshot() []scheduler.TriggerState
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	mailboxes *service.MailboxService
	stats     *service.StatsService
	sender    *service.SendService
	triggers  TriggerRunner
	health    *health.HealthChecker
	log       *zap.Logger
	now       func() time.Time
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	MailboxService *service.MailboxService
	StatsService   *service.StatsService
	SendService    *service.SendService
	Scheduler      TriggerRunner // 调度器关闭时为 nil
	WebSocketHub   *websocket.Hub
	Health         *health.HealthChecker
	Metrics        *monitoring.Metrics // 必须提供
	JWTManager     *jwtpkg.Manager
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(monitor.HTTPMetrics())
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(middleware.SecurityHeaders())

	maxBody := deps.Config.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = middleware.DefaultBodyLimit
	}
	router.Use(middleware.BodySizeLimit(maxBody))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		mailboxes: deps.MailboxService,
		stats:     deps.StatsService,
		sender:    deps.SendService,
		triggers:  deps.Scheduler,
		health:    deps.Health,
		log:       logger.Named("api"),
		now:       func() time.Time { return time.Now().UTC() },
	}

	adminAuth := middleware.NewAdminAuth(deps.JWTManager, logger.Named("admin"))
	writeLimit := middleware.NewIPRateLimiter(deps.Config.Server.RatePerMinute, deps.Metrics)

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", handler.healthCheck)
		router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// WebSocket
	if deps.WebSocketHub != nil {
		router.GET("/ws/emails/:email", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	api := router.Group("/api")
	api.Use(middleware.ValidateContentType("application/json"))
	{
		// ========== Mailbox Routes ==========
		api.POST("/emails", writeLimit.Middleware(), handler.createMailbox)
		api.GET("/emails", handler.listMailboxes)
		api.GET("/emails/:email/code", handler.getCode)
		api.GET("/emails/:email/verifications", handler.listVerifications)
		api.PUT("/emails/:email/verifications/:id/read", handler.markVerificationRead)
		api.DELETE("/emails/:email", handler.deleteMailbox)

		api.GET("/verifications", handler.recentVerifications)
		api.GET("/stats", handler.getStats)

		// ========== Send Routes ==========
		if deps.SendService != nil {
			api.POST("/send-email", writeLimit.Middleware(), handler.sendEmail)
		}

		// ========== Admin Routes ==========
		admin := api.Group("/admin")
		admin.Use(adminAuth.RequireAdmin())
		{
			admin.GET("/triggers", handler.listTriggers)
			admin.POST("/triggers/:name", handler.fireTrigger)
			admin.POST("/emails/:email/poll", handler.requestPoll)
			admin.GET("/task-failures", handler.listTaskFailures)
		}
	}

	return router
}

// healthCheck 汇总数据库与缓存的连通性，任一失败返回 503
func (h *Handler) healthCheck(c *gin.Context) {
	results, healthy := h.health.CheckHealth(c.Request.Context())
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": results,
	})
}
