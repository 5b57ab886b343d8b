package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// HeaderClientID lets several local UI processes behind one address keep
// separate buckets.
const HeaderClientID = "X-Client-ID"

// maxBuckets bounds the number of tracked clients. The least recently seen
// client loses its bucket first and starts over with a full one.
const maxBuckets = 1024

// keyFunc maps a request to its bucket.
type keyFunc func(*gin.Context) string

// KeyByClientOrIP keys buckets by X-Client-ID when present, else by client
// IP. The prefixes keep the two namespaces apart.
func KeyByClientOrIP() keyFunc {
	return func(c *gin.Context) string {
		if id := clientID(c); id != "" {
			return "client:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiter is a per-client token bucket. Reads take one token. Mutating
// requests take WriteCost tokens because they usually fan out to every
// write relay.
type RateLimiter struct {
	rps       rate.Limit
	burst     int
	keyFn     keyFunc
	writeCost int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	exempt  map[string]struct{}
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	buckets, _ := lru.New[string, *rate.Limiter](maxBuckets)
	return &RateLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		keyFn:     keyFn,
		writeCost: 1,
		buckets:   buckets,
		exempt:    map[string]struct{}{},
	}
}

// Exempt skips limiting for the given routes as registered, e.g.
// "/api/v1/events".
func (rl *RateLimiter) Exempt(routes ...string) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, p := range routes {
		rl.exempt[p] = struct{}{}
	}
	return rl
}

// WriteCost sets the tokens a POST, PUT, PATCH or DELETE takes, capped at
// the burst so a full bucket always admits one write.
func (rl *RateLimiter) WriteCost(n int) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.writeCost = min(max(n, 1), rl.burst)
	return rl
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok := rl.buckets.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets.Add(key, lim)
	return lim
}

func (rl *RateLimiter) cost(method string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return rl.writeCost
	}
	return 1
}

func (rl *RateLimiter) isExempt(route string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	_, ok := rl.exempt[route]
	return ok
}

// Handler enforces the limits. A rejected request gets 429, a Retry-After
// in whole seconds and the standard error envelope.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := routeLabel(c)
		if rl.isExempt(route) {
			c.Next()
			return
		}

		n := rl.cost(c.Request.Method)
		now := time.Now()
		res := rl.bucket(rl.keyFn(c)).ReserveN(now, n)
		if res.OK() {
			delay := res.DelayFrom(now)
			if delay == 0 {
				c.Next()
				return
			}
			res.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
		} else {
			c.Header("Retry-After", "1")
		}

		httpRateLimited.WithLabelValues(route).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
