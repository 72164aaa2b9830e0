package smtp

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderLimiter 按发件人限制发信速率
//
// 每个发件人一个令牌桶，桶容量等于每分钟上限；perMinute <= 0 时不限流。
// 空闲超过 idleTTL 的桶在下一次 Allow 时被回收。
type SenderLimiter struct {
	perMinute int
	idleTTL   time.Duration

	mu       sync.Mutex
	limiters map[string]*senderBucket
	lastGC   time.Time
	now      func() time.Time
}

type senderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSenderLimiter 创建发件人限流器
func NewSenderLimiter(perMinute int) *SenderLimiter {
	return &SenderLimiter{
		perMinute: perMinute,
		idleTTL:   10 * time.Minute,
		limiters:  make(map[string]*senderBucket),
		now:       time.Now,
	}
}

// Allow 消耗发件人的一个令牌，超出速率时返回 false
func (l *SenderLimiter) Allow(sender string) bool {
	if l.perMinute <= 0 {
		return true
	}
	key := strings.ToLower(sender)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idleTTL {
		for k, b := range l.limiters {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	b, ok := l.limiters[key]
	if !ok {
		b = &senderBucket{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Size 当前跟踪的发件人数
func (l *SenderLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
