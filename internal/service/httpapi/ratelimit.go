package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserLimiter ограничивает частоту опроса verify/capture для каждого пользователя отдельно.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
	now      func() time.Time
	lastGC   time.Time
}

// NewUserLimiter создаёт лимитер. rps <= 0 отключает ограничение.
func NewUserLimiter(rps float64, burst int) *UserLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &UserLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow сообщает, можно ли выполнить запрос пользователя сейчас.
func (l *UserLimiter) Allow(key string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.collectLocked(now)

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// collectLocked удаляет лимитеры неактивных пользователей не чаще раза в idle TTL.
func (l *UserLimiter) collectLocked(now time.Time) {
	if now.Sub(l.lastGC) < limiterIdleTTL {
		return
	}
	l.lastGC = now
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
}

// Middleware отвечает 429, если пользователь превысил лимит.
func (l *UserLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := callerFrom(c).UserID
		if key == "" {
			key = c.ClientIP()
		}
		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			abortWithCode(c, http.StatusTooManyRequests, CodeRateLimited, "too many verification requests")
			return
		}
		c.Next()
	}
}
