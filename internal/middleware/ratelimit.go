package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorIdle     = 3 * time.Minute
	cleanupInterval = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks per-IP token bucket limiters.
type RateLimiter struct {
	visitors sync.Map
	rps      rate.Limit
	burst    int
	exempt   map[string]bool
}

// NewRateLimiter creates a Gin middleware that applies per-IP rate limiting.
// Requests to the exempt paths are never limited; the calling platform posts
// call reports from a handful of addresses and must not be turned away.
// Idle visitors are dropped until ctx is done.
func NewRateLimiter(ctx context.Context, rps rate.Limit, burst int, exempt ...string) gin.HandlerFunc {
	rl := &RateLimiter{rps: rps, burst: burst, exempt: make(map[string]bool, len(exempt))}
	for _, p := range exempt {
		rl.exempt[p] = true
	}
	go rl.cleanupLoop(ctx)
	return rl.handle
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	now := time.Now()
	val, loaded := rl.visitors.LoadOrStore(ip, &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst), lastSeen: now})
	v := val.(*visitor)
	if loaded {
		v.lastSeen = now
	}
	return v.limiter
}

func (rl *RateLimiter) handle(c *gin.Context) {
	if rl.exempt[c.FullPath()] || rl.exempt[c.Request.URL.Path] {
		c.Next()
		return
	}

	if !rl.getVisitor(c.ClientIP()).Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"message": "too many requests, please try again later",
		})
		return
	}

	c.Next()
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.visitors.Range(func(key, value any) bool {
				if time.Since(value.(*visitor).lastSeen) > visitorIdle {
					rl.visitors.Delete(key)
				}
				return true
			})
		}
	}
}
