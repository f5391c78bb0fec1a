// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the in-memory token-bucket rate limiter. Buckets are
// keyed by caller (user ID, else client IP) and by request class, so posting
// messages can be held to a tighter budget than browsing listings without a
// second middleware. Buckets live in hash-sharded maps and idle ones are
// evicted opportunistically.
//
// The limiter is process-local. It bounds abuse from a single caller; it is
// not an authorization mechanism.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	rateShards         = 16
	rateSweepEvery     = 4096
	defaultRateIdleTTL = 10 * time.Minute
	defaultRateClass   = "default"
)

// keyFunc selects the caller identity used to key a bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by the caller identity set by Identity, falling
// back to the client IP for anonymous requests. The prefixes keep the two
// namespaces apart.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// RateRule is one token bucket: RPS tokens per second, at most Burst stored.
type RateRule struct {
	RPS   float64
	Burst int
}

// PerMinute builds a rule from a per-minute budget.
func PerMinute(n float64, burst int) RateRule {
	return RateRule{RPS: n / 60, Burst: burst}
}

// RateClassifier names the class a request is limited under; "" selects the
// default rule.
type RateClassifier func(*gin.Context) string

// RouteClasses classifies by "METHOD /route" where route is matched as a
// suffix of the registered Gin route, so the API base path does not need to
// be repeated. Example: {"POST /conversations/:id/messages": "messages"}.
func RouteClasses(routes map[string]string) RateClassifier {
	type entry struct{ method, suffix, class string }
	entries := make([]entry, 0, len(routes))
	for k, class := range routes {
		method, suffix, ok := strings.Cut(strings.TrimSpace(k), " ")
		if !ok {
			continue
		}
		entries = append(entries, entry{strings.ToUpper(method), strings.TrimSpace(suffix), class})
	}
	return func(c *gin.Context) string {
		route := c.FullPath()
		if route == "" {
			return ""
		}
		for _, e := range entries {
			if c.Request.Method == e.method && strings.HasSuffix(route, e.suffix) {
				return e.class
			}
		}
		return ""
	}
}

// RateLimiterOptions configures NewRateLimiter.
type RateLimiterOptions struct {
	Default  RateRule
	Classes  map[string]RateRule // rules by class name
	Classify RateClassifier      // nil puts every request in the default class
	Key      keyFunc             // nil means KeyByUserOrIP
	IdleTTL  time.Duration       // <= 0 means 10 minutes
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type rateShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int
}

// RateLimiter enforces per-caller, per-class token buckets. Safe for
// concurrent use.
type RateLimiter struct {
	opts   RateLimiterOptions
	shards [rateShards]rateShard
	now    func() time.Time
}

// NewRateLimiter builds a limiter. Bursts below 1 are raised to 1.
func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	if opts.Key == nil {
		opts.Key = KeyByUserOrIP()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultRateIdleTTL
	}
	opts.Default = normalizeRule(opts.Default)
	classes := make(map[string]RateRule, len(opts.Classes))
	for name, r := range opts.Classes {
		classes[name] = normalizeRule(r)
	}
	opts.Classes = classes

	rl := &RateLimiter{opts: opts, now: time.Now}
	for i := range rl.shards {
		rl.shards[i].buckets = make(map[string]*bucket)
	}
	return rl
}

func normalizeRule(r RateRule) RateRule {
	if r.Burst < 1 {
		r.Burst = 1
	}
	if r.RPS < 0 {
		r.RPS = 0
	}
	return r
}

// rule resolves the class name used for labels and the bucket rule.
func (rl *RateLimiter) rule(class string) (string, RateRule) {
	if class != "" {
		if r, ok := rl.opts.Classes[class]; ok {
			return class, r
		}
	}
	return defaultRateClass, rl.opts.Default
}

// limiter returns the bucket for key, creating it on first use. Every
// rateSweepEvery lookups the shard drops buckets idle for IdleTTL; the sweep
// runs before the lookup so a stale bucket is replaced, not refreshed.
func (rl *RateLimiter) limiter(key string, r RateRule, now time.Time) *rate.Limiter {
	sh := &rl.shards[xxhash.Sum64String(key)%rateShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.lookups++
	if sh.lookups >= rateSweepEvery {
		for k, b := range sh.buckets {
			if now.Sub(b.lastSeen) >= rl.opts.IdleTTL {
				delete(sh.buckets, k)
			}
		}
		sh.lookups = 0
	}

	if b, ok := sh.buckets[key]; ok {
		b.lastSeen = now
		return b.lim
	}
	lim := rate.NewLimiter(rate.Limit(r.RPS), r.Burst)
	sh.buckets[key] = &bucket{lim: lim, lastSeen: now}
	return lim
}

// size reports the number of live buckets.
func (rl *RateLimiter) size() int {
	n := 0
	for i := range rl.shards {
		sh := &rl.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay, which is served without spending tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware. A request over budget gets 429 with
// Retry-After set to the whole seconds until a token is available:
//
//	{ "request_id": "...", "code": "rate_limited", "message": "rate limit exceeded" }
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		var class string
		if rl.opts.Classify != nil {
			class = rl.opts.Classify(c)
		}
		label, r := rl.rule(class)
		now := rl.now()
		lim := rl.limiter(label+"|"+rl.opts.Key(c), r, now)

		res := lim.ReserveN(now, 1)
		if res.OK() {
			delay := res.DelayFrom(now)
			if delay == 0 {
				c.Next()
				return
			}
			res.CancelAt(now)
			c.Header("Retry-After", retryAfter(delay))
		} else {
			c.Header("Retry-After", "60")
		}

		httpRateLimited.WithLabelValues(label).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfter renders d as whole seconds, rounded up, at least 1.
func retryAfter(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
