// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, caller identity, logging/redaction, panic
// recovery, compression, metrics, CORS, security headers, idempotency, and
// rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → Identity → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-backend/internal/config"
	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/events"
	"github.com/tbourn/go-market-backend/internal/http/handlers"
	"github.com/tbourn/go-market-backend/internal/http/middleware"
	"github.com/tbourn/go-market-backend/internal/ranking"
	"github.com/tbourn/go-market-backend/internal/repo"
	"github.com/tbourn/go-market-backend/internal/services"
)

// rateClassMessages groups the endpoints that reach another user's inbox.
const rateClassMessages = "messages"

// conversationRepoShim adapts the repository free functions to the
// services.ConversationRepo interface expected by the ConversationService.
// This keeps services decoupled from the concrete repo package while reusing
// existing functions.
type conversationRepoShim struct{}

// GetAd proxies repo.GetAd.
func (conversationRepoShim) GetAd(ctx context.Context, db *gorm.DB, id string) (*domain.Ad, error) {
	return repo.GetAd(ctx, db, id)
}

// CreateConversation proxies repo.CreateConversation.
func (conversationRepoShim) CreateConversation(ctx context.Context, db *gorm.DB, adID, sellerID, buyerID string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, adID, sellerID, buyerID)
}

// FindConversation proxies repo.FindConversation.
func (conversationRepoShim) FindConversation(ctx context.Context, db *gorm.DB, adID, buyerID string) (*domain.Conversation, error) {
	return repo.FindConversation(ctx, db, adID, buyerID)
}

// GetConversation proxies repo.GetConversation.
func (conversationRepoShim) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id)
}

// CountConversations proxies repo.CountConversations (pagination support).
func (conversationRepoShim) CountConversations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountConversations(ctx, db, userID)
}

// ListConversationsPage proxies repo.ListConversationsPage (pagination support).
func (conversationRepoShim) ListConversationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Conversation, error) {
	return repo.ListConversationsPage(ctx, db, userID, offset, limit)
}

// idempotencyStore persists idempotency records through the repo package.
// It serves both the validator middleware (existence check) and the
// handlers (lookup and save).
type idempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup implements handlers.IdempotencyStore.
func (s idempotencyStore) Lookup(ctx context.Context, userID, scope, key string) (string, int, bool) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scope, key, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("scope", scope).Msg("idempotency lookup failed")
		}
		return "", 0, false
	}
	return rec.ResourceID, rec.Status, true
}

// Save implements handlers.IdempotencyStore. A duplicate means a concurrent
// request with the same key already recorded its result.
func (s idempotencyStore) Save(ctx context.Context, userID, scope, key, resourceID string, status int) {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scope, key, resourceID, status, s.ttl)
	if err != nil && !errors.Is(err, repo.ErrDuplicate) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("scope", scope).Msg("idempotency save failed")
	}
}

// exists is the middleware.IdempotencyLookup backed by the same table.
func (s idempotencyStore) exists(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Integrations carries the optional external collaborators. Zero values
// disable them.
type Integrations struct {
	// Cache stores ranked listings (Redis).
	Cache services.RankCache
	// Events receives domain events after commit (NATS).
	Events events.Publisher
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), identity,
// idempotency and rate limiting, CORS and security headers, health and
// metrics endpoints, and then mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Identity: caller from X-User-ID
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Gzip
//  8. Metrics
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per user/IP, bypass on replay)
//  11. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, in Integrations, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Caller identity
	r.Use(middleware.Identity())

	// 4) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		SkipPaths:   []string{"/health", "/healthz", "/readyz", "/metrics"},
	}))

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 7) Response compression; promhttp compresses /metrics itself
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 8) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 9) Idempotency validation (before rate limiting)
	idem := idempotencyStore{db: db, ttl: cfg.IdempotencyTTL}
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		idem.exists,
	))

	// 10) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(middleware.RateLimiterOptions{
		Default: middleware.RateRule{RPS: cfg.RateRPS, Burst: cfg.RateBurst},
		Classes: map[string]middleware.RateRule{
			rateClassMessages: middleware.PerMinute(cfg.MessageRatePerMin, cfg.MessageRateBurst),
		},
		Classify: middleware.RouteClasses(map[string]string{
			"POST /conversations/:id/messages": rateClassMessages,
			"POST /ads/:id/conversations":      rateClassMessages,
		}),
	})
	r.Use(rl.Handler())

	// 11) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match", middleware.HeaderUserID, middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:     cfg.Security.EnableHSTS,
		HSTSMaxAge:     cfg.Security.HSTSMaxAge,
		EnablePolicy:   true,
		ExposeHeaders:  []string{"ETag", "Idempotency-Replayed"},
		VaryOnIdentity: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(newServices(db, in, cfg, idem))

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Ads
		api.GET("/ads", h.ListAds)
		api.POST("/ads", h.CreateAd)
		api.GET("/ads/:id", h.GetAd)
		api.PUT("/ads/:id/status", h.SetAdStatus)
		api.DELETE("/ads/:id", h.DeleteAd)
		api.POST("/ads/:id/restore", h.RestoreAd)
		api.DELETE("/ads/:id/force", h.ForceDeleteAd)
		api.POST("/ads/:id/promotions", h.PromoteAd)
		api.POST("/ads/:id/images", h.AddAdImage)

		// Deals
		api.POST("/ads/:id/deals", h.OpenDeal)
		api.GET("/ads/:id/deals", h.ListAdDeals)
		api.GET("/deals/:id", h.GetDeal)
		api.PUT("/deals/:id/buyer", h.SetDealBuyer)
		api.POST("/deals/:id/buyer/from-conversation", h.SetDealBuyerFromConversation)
		api.PUT("/deals/:id/terms", h.SetDealTerms)
		api.POST("/deals/:id/transitions", h.TransitionDeal)

		// Reviews
		api.POST("/deals/:id/reviews", h.SubmitReview)
		api.GET("/deals/:id/reviews", h.ListDealReviews)
		api.GET("/users/:id/reviews", h.ListUserReviews)

		// Conversations
		api.POST("/ads/:id/conversations", h.StartConversation)
		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:id", h.GetConversation)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/conversations/:id/messages", h.PostMessage)
	}
}

// newServices is the dependency injection root: services ← repo/db/config.
func newServices(db *gorm.DB, in Integrations, cfg config.Config, idem idempotencyStore) handlers.Services {
	auth := services.NewStaticAuthorizer(cfg.Market.AdminUserIDs)
	loc := cfg.Market.RankingLocation
	if loc == nil {
		loc = time.UTC
	}

	adSvc := services.NewAdService(db, auth, ranking.New(loc), cfg.Market.AdDefaultDuration)
	adSvc.Cache = in.Cache
	dealSvc := services.NewDealService(db, auth)
	reviewSvc := services.NewReviewService(db, cfg.Market.ReviewWindow)
	msgSvc := services.NewMessageService(db)
	if in.Events != nil {
		adSvc.Events = in.Events
		dealSvc.Events = in.Events
		reviewSvc.Events = in.Events
		msgSvc.Events = in.Events
	}

	return handlers.Services{
		Ads:           adSvc,
		Deals:         dealSvc,
		Reviews:       reviewSvc,
		Conversations: services.NewConversationService(db, conversationRepoShim{}),
		Messages:      msgSvc,
		Idempotency:   idem,
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
