package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"castdeck/pkg/config"
	"castdeck/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
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

// clientIP prefers the first X-Forwarded-For hop, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// evictIdle drops limiters that have refilled completely, which means
// their client has been quiet for at least one full burst.
func (s *rateLimiterStore) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, l := range s.limiters {
		if l.Tokens() >= float64(s.burstSize) {
			delete(s.limiters, key)
		}
	}
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// httpLimiter caps concurrent requests globally and request rate per client.
type httpLimiter struct {
	store    *rateLimiterStore
	inFlight chan struct{}
	requests atomic.Uint64
}

// NewHTTPRateLimitMiddleware limits API calls per client IP. Disabled config
// yields a pass-through handler.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	limits := cfg.RateLimiting.HTTP
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	l := &httpLimiter{store: newRateLimiterStore(rate.Limit(limits.RequestsPerSecond), limits.Burst)}
	if limits.MaxConcurrent > 0 {
		l.inFlight = make(chan struct{}, limits.MaxConcurrent)
	}
	return l.handle
}

func (l *httpLimiter) handle(c *gin.Context) {
	if l.inFlight != nil {
		select {
		case l.inFlight <- struct{}{}:
			defer func() { <-l.inFlight }()
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{
				Error:   string(errors.ErrCodeServiceUnavailable),
				Message: "too many concurrent requests",
			})
			return
		}
	}

	if !l.store.getLimiter(clientIP(c.Request)).Allow() {
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
			Error:   string(errors.ErrCodeRateLimit),
			Message: "rate limit exceeded",
		})
		return
	}
	if l.requests.Add(1)%1024 == 0 {
		l.store.evictIdle()
	}
	c.Next()
}
