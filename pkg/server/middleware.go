package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mappingbitcoin/wot-oracle/pkg/metrics"
)

// maxBuckets bounds the number of tracked client IPs.
const maxBuckets = 100_000

// maxBodySize limits request bodies to 1 MiB.
const maxBodySize = 1 << 20

// MaxBodySize returns middleware that limits request body size.
func MaxBodySize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// RateLimiter implements a per-IP token bucket refilled per minute.
type RateLimiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	rate    int
}

type bucket struct {
	tokens   int
	lastFill time.Time
	rate     int
}

func (b *bucket) allow() bool {
	now := time.Now()
	refill := int(now.Sub(b.lastFill).Minutes() * float64(b.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > b.rate {
			b.tokens = b.rate
		}
		b.lastFill = now
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// NewRateLimiter creates a RateLimiter allowing ratePerMinute requests per
// client IP. A background goroutine evicts stale buckets until ctx ends.
func NewRateLimiter(ctx context.Context, ratePerMinute int) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*bucket), rate: ratePerMinute}
	go rl.cleanup(ctx)
	return rl
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	const maxAge = 10 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				if now.Sub(b.lastFill) > maxAge {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Handler returns the gin middleware enforcing the limit.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		rl.mu.Lock()
		b, ok := rl.buckets[ip]
		if !ok {
			if len(rl.buckets) >= maxBuckets {
				rl.buckets = make(map[string]*bucket)
			}
			b = &bucket{tokens: rl.rate, lastFill: time.Now(), rate: rl.rate}
			rl.buckets[ip] = b
		}
		allowed := b.allow()
		rl.mu.Unlock()

		if !allowed {
			respondError(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		}).Info("request")
	}
}

func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.RequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
	}
}
