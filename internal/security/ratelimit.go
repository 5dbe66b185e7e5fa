package security

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per user.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = l
	return l
}

// UserRateLimit throttles requests per authenticated user. A non-positive
// rps disables it. Must run after AuthMiddleware.
func UserRateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	pool := &limiterPool{m: map[string]*rate.Limiter{}, rps: rate.Limit(rps), burst: burst}
	retryAfter := strconv.Itoa(int(time.Duration(float64(time.Second)/rps).Seconds()) + 1)
	return func(c *gin.Context) {
		if !pool.get(GetUserID(c)).Allow() {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "error": "too many requests"})
			return
		}
		c.Next()
	}
}
