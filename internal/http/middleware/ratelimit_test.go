package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	c, _ := gin.CreateTestContext(w)
	c.Request = req

	if key := KeyByUserOrIP()(c); key != "ip:203.0.113.9" {
		t.Fatalf("expected ip-based key; got %q", key)
	}
	c.Set(ctxKeyUserID, "u123")
	if key := KeyByUserOrIP()(c); key != "user:u123" {
		t.Fatalf("expected user-based key; got %q", key)
	}
}

func TestPerMinute(t *testing.T) {
	r := PerMinute(30, 4)
	if r.RPS != 0.5 || r.Burst != 4 {
		t.Fatalf("PerMinute(30,4) = %+v", r)
	}
}

func TestNewRateLimiter_NormalizesRules(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{
		Default: RateRule{RPS: -1, Burst: 0},
		Classes: map[string]RateRule{"messages": {RPS: 1, Burst: -3}},
	})
	if rl.opts.Default.RPS != 0 || rl.opts.Default.Burst != 1 {
		t.Fatalf("default rule = %+v", rl.opts.Default)
	}
	if label, r := rl.rule("messages"); label != "messages" || r.Burst != 1 {
		t.Fatalf("messages rule = %s %+v", label, r)
	}
	if label, _ := rl.rule("unknown"); label != defaultRateClass {
		t.Fatalf("unknown class should use default, got %q", label)
	}
	if rl.opts.Key == nil || rl.opts.IdleTTL != defaultRateIdleTTL {
		t.Fatalf("defaults not applied: %+v", rl.opts)
	}
}

func TestRateLimiter_limiter_ReuseAndSweep(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{Default: RateRule{RPS: 1, Burst: 1}, IdleTTL: time.Minute})
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := rl.opts.Default

	lim := rl.limiter("default|user:a", r, t0)
	if got := rl.limiter("default|user:a", r, t0); got != lim {
		t.Fatalf("expected the same bucket to be reused")
	}
	if rl.size() != 1 {
		t.Fatalf("size = %d; want 1", rl.size())
	}

	// Force a sweep on the shard holding the key, after the idle TTL.
	sh := &rl.shards[0]
	for i := range rl.shards {
		if len(rl.shards[i].buckets) == 1 {
			sh = &rl.shards[i]
		}
	}
	sh.lookups = rateSweepEvery - 1
	later := t0.Add(2 * time.Minute)
	if got := rl.limiter("default|user:a", r, later); got == lim {
		t.Fatalf("idle bucket should have been replaced")
	}
	if rl.size() != 1 || sh.lookups != 0 {
		t.Fatalf("size=%d lookups=%d after sweep", rl.size(), sh.lookups)
	}
}

func TestRouteClasses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	classify := RouteClasses(map[string]string{
		"post /conversations/:id/messages": "messages",
		"malformed":                        "ignored",
	})

	var got []string
	r := gin.New()
	r.Use(func(c *gin.Context) { got = append(got, classify(c)); c.Next() })
	api := r.Group("/api/v1")
	api.POST("/conversations/:id/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })
	api.GET("/conversations/:id/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/v1/conversations/c1/messages", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c1/messages", nil),
		httptest.NewRequest(http.MethodPost, "/nope", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	want := []string{"messages", "", ""}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("classes = %q; want %q", got, want)
	}
}

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Identity(), rl.Handler())
	r.GET("/ads", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/conversations/:id/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func hit(r *gin.Engine, method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_MessagesClassIsSeparate(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{
		Default:  RateRule{RPS: 100, Burst: 100},
		Classes:  map[string]RateRule{"messages": PerMinute(1, 2)},
		Classify: RouteClasses(map[string]string{"POST /conversations/:id/messages": "messages"}),
	})
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	r := newLimitedRouter(rl)
	base := testutil.ToFloat64(httpRateLimited.WithLabelValues("messages"))

	for i := 0; i < 2; i++ {
		if w := hit(r, http.MethodPost, "/conversations/c1/messages", "buyer-7"); w.Code != http.StatusCreated {
			t.Fatalf("message %d -> %d", i, w.Code)
		}
	}
	w := hit(r, http.MethodPost, "/conversations/c1/messages", "buyer-7")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third message -> %d; want 429", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "60" {
		t.Fatalf("Retry-After = %q; want 60", ra)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["code"] != "rate_limited" || body["request_id"] == "" {
		t.Fatalf("body = %s (%v)", w.Body.String(), err)
	}
	if got := testutil.ToFloat64(httpRateLimited.WithLabelValues("messages")); got != base+1 {
		t.Fatalf("rate limited counter = %v; want %v", got, base+1)
	}

	// Browsing and other senders keep their own budgets.
	if w := hit(r, http.MethodGet, "/ads", "buyer-7"); w.Code != http.StatusOK {
		t.Fatalf("browse after message limit -> %d", w.Code)
	}
	if w := hit(r, http.MethodPost, "/conversations/c1/messages", "seller-1"); w.Code != http.StatusCreated {
		t.Fatalf("other sender -> %d", w.Code)
	}

	// A denied request does not spend the token it waited for.
	now = now.Add(30 * time.Second)
	if w := hit(r, http.MethodPost, "/conversations/c1/messages", "buyer-7"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("half a token -> %d", w.Code)
	}
	now = now.Add(30 * time.Second)
	if w := hit(r, http.MethodPost, "/conversations/c1/messages", "buyer-7"); w.Code != http.StatusCreated {
		t.Fatalf("after refill -> %d", w.Code)
	}
}

func TestRateLimiter_ZeroRateAllowsBurstOnly(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{Default: RateRule{RPS: 0, Burst: 1}})
	r := newLimitedRouter(rl)

	if w := hit(r, http.MethodGet, "/ads", ""); w.Code != http.StatusOK {
		t.Fatalf("first -> %d", w.Code)
	}
	w := hit(r, http.MethodGet, "/ads", "")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "60" {
		t.Fatalf("second -> %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_BypassOnReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(RateLimiterOptions{Default: RateRule{RPS: 0, Burst: 1}})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") == "1" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.POST("/ads/:id/deals", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(replay bool) int {
		req := httptest.NewRequest(http.MethodPost, "/ads/a1/deals", nil)
		if replay {
			req.Header.Set("X-Replay", "1")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	if code := send(false); code != http.StatusOK {
		t.Fatalf("first -> %d", code)
	}
	for i := 0; i < 3; i++ {
		if code := send(true); code != http.StatusOK {
			t.Fatalf("replay %d -> %d", i, code)
		}
	}
	if code := send(false); code != http.StatusTooManyRequests {
		t.Fatalf("non-replay after burst -> %d", code)
	}
}

func Test_retryAfter(t *testing.T) {
	cases := map[time.Duration]string{
		time.Millisecond:        "1",
		time.Second:             "1",
		1500 * time.Millisecond: "2",
		59 * time.Second:        "59",
	}
	for d, want := range cases {
		if got := retryAfter(d); got != want {
			t.Fatalf("retryAfter(%v) = %q; want %q", d, got, want)
		}
	}
}
