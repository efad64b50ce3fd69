// Package ratelimit provides token-bucket rate limiting for the payment API.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rodrigojille/kustodia-sub014/internal/auth"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// ProviderMultiplier scales both values for provider webhook traffic,
	// which arrives in batches after an outage.
	ProviderMultiplier int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:  120,
		BurstSize:          20,
		ProviderMultiplier: 10,
		CleanupInterval:    time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.ProviderMultiplier <= 0 {
		cfg.ProviderMultiplier = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.allow(key, 1)
}

func (l *Limiter) allow(key string, scale int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	burst := float64(l.cfg.BurstSize * scale)
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    burst - 1,
			lastCheck: now,
		}
		return true
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute*scale) / 60.0
	state.tokens += elapsed * tokensPerSecond
	if state.tokens > burst {
		state.tokens = burst
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Middleware rate limits by authenticated user, by provider on webhook
// routes, and by client IP otherwise. Mount it after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		class, key, scale := l.classify(c)
		if !l.allow(class+":"+key, scale) {
			metrics.RateLimitedTotal.WithLabelValues(class).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

func (l *Limiter) classify(c *gin.Context) (class, key string, scale int) {
	if strings.HasPrefix(c.FullPath(), "/webhooks/") {
		return "provider", c.Param("provider"), l.cfg.ProviderMultiplier
	}
	if sub := auth.Subject(c); sub != "" {
		return "user", sub, 1
	}
	return "ip", c.ClientIP(), 1
}
