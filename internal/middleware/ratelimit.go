package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitRecorder 记录限流拦截
type RateLimitRecorder interface {
	RecordRateLimitBlock(scope string)
}

// IPRateLimiter 按客户端 IP 限制请求速率
type IPRateLimiter struct {
	perMinute int
	idleTTL   time.Duration
	metrics   RateLimitRecorder

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter 创建限流器，perMinute <= 0 时不限流，metrics 可以为 nil
func NewIPRateLimiter(perMinute int, metrics RateLimitRecorder) *IPRateLimiter {
	return &IPRateLimiter{
		perMinute: perMinute,
		idleTTL:   10 * time.Minute,
		metrics:   metrics,
		visitors:  make(map[string]*visitor),
	}
}

// Middleware 超出速率时返回 429
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.perMinute <= 0 || l.allow(c.ClientIP(), time.Now()) {
			c.Next()
			return
		}
		if l.metrics != nil {
			l.metrics.RecordRateLimitBlock("http")
		}
		c.Header("Retry-After", "60")
		abort(c, http.StatusTooManyRequests, "请求过于频繁，请稍后重试")
	}
}

func (l *IPRateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idleTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
