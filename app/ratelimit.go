package app

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"Gin_postgres_redis_laptop_checkout/logs"
)

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter 固定窗口计数
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

func decide(count int64, limit int, reset time.Time) Decision {
	rem := limit - int(count)
	if rem < 0 {
		rem = 0
	}
	return Decision{Allowed: count <= int64(limit), Limit: limit, Remaining: rem, ResetAt: reset}
}

type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	start := l.now().Truncate(l.window)
	k := "checkout:ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}
	return decide(incr.Val(), l.limit, start.Add(l.window)), nil
}

// MemoryLimiter 单实例/测试用
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int64
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, buckets: map[string]*bucket{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.now().Truncate(l.window)
	b, ok := l.buckets[key]
	if !ok || !b.start.Equal(start) {
		b = &bucket{start: start}
		l.buckets[key] = b
	}
	b.count++
	return decide(b.count, l.limit, start.Add(l.window)), nil
}

// RateLimit 按操作人（未登录时按 IP）限流；limiter 出错时放行
func RateLimit(l Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if act, ok := ActorFrom(c); ok && act.ID != "" {
			key = act.ID
		}
		d, err := l.Allow(c.Request.Context(), scope+":"+key)
		if err != nil {
			logs.Logger.WithError(err).Warn("rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds()) + 1
			h.Set("Retry-After", strconv.Itoa(retry))
			Fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, try again later")
			return
		}
		c.Next()
	}
}
