package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 是可探测连通性的依赖（数据库、缓存）
type Pinger interface {
	Ping(ctx context.Context) error
}

const checkTimeout = 3 * time.Second

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	deps   map[string]Pinger
	order  []string
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 存活检查只看进程本身（goroutine 数量），就绪检查覆盖 store 与 cache。
func NewHealthChecker(store, cache Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		deps:   make(map[string]Pinger),
		logger: logger,
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	hc.addDependency("database", store)
	hc.addDependency("cache", cache)

	return hc
}

func (hc *HealthChecker) addDependency(name string, p Pinger) {
	if p == nil {
		return
	}
	hc.deps[name] = p
	hc.order = append(hc.order, name)
	hc.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}, checkTimeout))
}

// LiveHandler 返回存活检查处理器
func (hc *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(hc.health.LiveEndpoint)
}

// ReadyHandler 返回就绪检查处理器
func (hc *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(hc.health.ReadyEndpoint)
}

// CheckHealth 执行健康检查，返回各依赖状态及整体是否健康
func (hc *HealthChecker) CheckHealth(ctx context.Context) (map[string]string, bool) {
	results := make(map[string]string, len(hc.deps)+1)
	healthy := true

	for _, name := range hc.order {
		pctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := hc.deps[name].Ping(pctx)
		cancel()
		if err != nil {
			healthy = false
			results[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		results[name] = "OK"
	}

	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results, healthy
}
