package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateCounter struct {
	count     int
	windowEnd time.Time
}

// RateLimiter limits requests per (clientIP, path) within a fixed window.
// This is an in-memory limiter suitable for single-instance deployments and
// tests. Stop terminates the background cleanup goroutine.
type RateLimiter struct {
	maxRequests int
	window      time.Duration

	mu   sync.Mutex
	data map[string]*rateCounter

	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter builds a limiter allowing maxRequests per window. Non-positive
// values disable limiting.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		data:        make(map[string]*rateCounter),
		done:        make(chan struct{}),
	}

	if maxRequests > 0 && window > 0 {
		go rl.cleanupLoop()
	}

	return rl
}

// Stop ends the cleanup goroutine. Safe to call more than once; the
// middleware itself keeps working after Stop.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// cleanupLoop periodically drops counters from finished windows so the map
// does not grow without bound.
func (rl *RateLimiter) cleanupLoop() {
	tick := time.NewTicker(rl.window)
	defer tick.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-tick.C:
			now := time.Now()
			rl.mu.Lock()
			for k, v := range rl.data {
				if now.After(v.windowEnd) {
					delete(rl.data, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware returns the gin handler enforcing the limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.maxRequests <= 0 || rl.window <= 0 {
			c.Next()
			return
		}

		key := c.ClientIP() + "|" + c.FullPath()
		now := time.Now()

		rl.mu.Lock()
		ct, ok := rl.data[key]
		if !ok || now.After(ct.windowEnd) {
			ct = &rateCounter{count: 0, windowEnd: now.Add(rl.window)}
			rl.data[key] = ct
		}
		ct.count++
		count := ct.count
		remaining := rl.maxRequests - count
		resetIn := time.Until(ct.windowEnd)
		rl.mu.Unlock()

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.maxRequests))
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > rl.maxRequests {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}

		c.Next()
	}
}
