package mw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// limiterIdle is how long an unused limiter is kept before it is forgotten.
const limiterIdle = 10 * time.Minute

// KeyedRateLimiter stores a rate limiter per client key.
type KeyedRateLimiter struct {
	limiters *cache.Cache
	r        rate.Limit
	b        int
}

// NewKeyedRateLimiter creates a new KeyedRateLimiter.
func NewKeyedRateLimiter(r rate.Limit, b int) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: cache.New(limiterIdle, 2*limiterIdle),
		r:        r,
		b:        b,
	}
}

// GetLimiter returns the limiter for key, creating it on first use. Every
// lookup extends the limiter's lifetime.
func (k *KeyedRateLimiter) GetLimiter(key string) *rate.Limiter {
	if v, found := k.limiters.Get(key); found {
		limiter := v.(*rate.Limiter)
		k.limiters.Set(key, limiter, cache.DefaultExpiration)
		return limiter
	}
	limiter := rate.NewLimiter(k.r, k.b)
	if err := k.limiters.Add(key, limiter, cache.DefaultExpiration); err != nil {
		// Lost a race with another request for the same key.
		if v, found := k.limiters.Get(key); found {
			return v.(*rate.Limiter)
		}
	}
	return limiter
}

// clientKey limits authenticated callers by user and everyone else by IP.
func clientKey(c *gin.Context) string {
	if caller, ok := CallerFrom(c); ok && caller.User != "" {
		return "user:" + caller.User
	}
	return "ip:" + c.ClientIP()
}

// RateLimiter is a middleware for per-client rate limiting.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiter := NewKeyedRateLimiter(r, b)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(clientKey(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "Too many requests",
				"data":    nil,
			})
			return
		}
		c.Next()
	}
}
