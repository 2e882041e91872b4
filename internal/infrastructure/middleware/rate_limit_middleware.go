package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"peerwire/pkg/config"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	// Try X-Forwarded-For first (behind proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := net.ParseIP(xff)
		if parts != nil {
			return parts.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple
// IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	return func(c *gin.Context) {
		ip := clientIP(c.Request)
		limiter := store.getLimiter(ip)
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int(time.Second),
			})
			return
		}
		c.Next()
	}
}

// NewWSConnectionLimiter returns a per-IP limiter for websocket upgrade
// attempts. A nil return means connection limiting is disabled.
func NewWSConnectionLimiter(cfg *config.Config) func(r *http.Request) bool {
	if !cfg.RateLimiting.Enabled || cfg.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
		return nil
	}
	perSecond := rate.Limit(float64(cfg.RateLimiting.WebSocket.ConnectionsPerMinute) / 60.0)
	store := newRateLimiterStore(perSecond, cfg.RateLimiting.WebSocket.ConnectionsPerMinute)
	return func(r *http.Request) bool {
		return store.getLimiter(clientIP(r)).Allow()
	}
}

// MessageLimiter throttles signaling messages on one websocket connection.
type MessageLimiter struct {
	limiter *rate.Limiter
	maxSize int64
}

// NewMessageLimiter builds a per-connection message limiter from the
// websocket rate limiting config. Returns nil when disabled.
func NewMessageLimiter(cfg *config.Config) *MessageLimiter {
	if !cfg.RateLimiting.Enabled || cfg.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
		return nil
	}
	return &MessageLimiter{
		limiter: rate.NewLimiter(
			rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond),
			cfg.RateLimiting.WebSocket.Burst,
		),
		maxSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
}

// Allow reports whether a message of the given size may be processed.
func (l *MessageLimiter) Allow(size int64) bool {
	if l == nil {
		return true
	}
	if l.maxSize > 0 && size > l.maxSize {
		return false
	}
	return l.limiter.Allow()
}

// MaxMessageSize returns the configured size cap, zero when unlimited.
func (l *MessageLimiter) MaxMessageSize() int64 {
	if l == nil {
		return 0
	}
	return l.maxSize
}
