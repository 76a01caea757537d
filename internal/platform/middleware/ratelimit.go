package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig tunes the burst limiter that sits in front of the API
// group. It caps request rate per tenant and source address; per-actor
// quotas are layered on top by ActorQuota.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns limits sized for a single care-team tenant.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}
}

// bucket is a token bucket refilled continuously at rate tokens/second.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	filled time.Time
	rate   float64
	cap    float64
}

// take refills from the elapsed time, then spends one token. When the bucket
// is empty it reports how many whole seconds until a token is available.
func (b *bucket) take(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.filled).Seconds() * b.rate
	if b.tokens > b.cap {
		b.tokens = b.cap
	}
	b.filled = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.rate) + 1
}

type bucketTable struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
}

func (t *bucketTable) lookup(key string) *bucket {
	t.mu.RLock()
	b, ok := t.buckets[key]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[key]; ok {
		return b
	}
	b = &bucket{
		tokens: float64(t.cfg.BurstSize),
		cap:    float64(t.cfg.BurstSize),
		rate:   t.cfg.RequestsPerSecond,
		filled: time.Now(),
	}
	t.buckets[key] = b
	return b
}

// RateLimit enforces a token-bucket limit keyed by tenant and client address.
// Rejections carry Retry-After so well-behaved delegation sync jobs back off.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	table := &bucketTable{buckets: make(map[string]*bucket), cfg: cfg}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
				key = tenantID + ":" + key
			}

			ok, retryAfter := table.lookup(key).take(time.Now())
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
