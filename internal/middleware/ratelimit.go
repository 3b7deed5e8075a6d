package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"creditmail/backend/internal/cache"
	"creditmail/backend/internal/monitoring"
)

// limiterIdleTTL 客户端空闲多久后回收其令牌桶
const limiterIdleTTL = 10 * time.Minute

// RateLimiter 按客户端 IP 的令牌桶限流
type RateLimiter struct {
	mu       sync.Mutex
	limiters *cache.LocalCache
	limit    rate.Limit
	burst    int
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewRateLimiter 创建限流器。rps <= 0 表示不限流。
func NewRateLimiter(rps float64, burst int, metrics *monitoring.Metrics, log *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		limiters: cache.NewLocalCache(10000, limiterIdleTTL),
		limit:    rate.Limit(rps),
		burst:    burst,
		metrics:  metrics,
		log:      log,
	}
}

// Stop 停止后台清理
func (rl *RateLimiter) Stop() {
	rl.limiters.Stop()
}

// limiter 获取或创建客户端的令牌桶，每次访问都会续期
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
	}
	rl.limiters.Set(key, l, 0)
	return l.(*rate.Limiter)
}

// Allow 判断客户端当前是否还有令牌
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}
	return rl.limiter(key).Allow()
}

// Middleware 超出速率时返回 429
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.Allow(ip) {
			rl.metrics.RecordRateLimitBlock()
			rl.log.Debug("rate limited", zap.String("ip", ip), zap.String("path", c.FullPath()))
			c.Header("Retry-After", strconv.Itoa(1))
			abort(c, http.StatusTooManyRequests, "请求过于频繁，请稍后重试")
			return
		}
		c.Next()
	}
}
