// Package handlers exposes the marketplace REST API.
//
// Handlers are transport-thin: they decode and validate input shapes, call
// the application services, and translate results (including service errors)
// into HTTP responses. Business rules live in internal/services.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/http/middleware"
	"github.com/tbourn/go-market-backend/internal/services"
	"github.com/tbourn/go-market-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// AdService defines ad lifecycle and listing operations.
type AdService interface {
	Create(ctx context.Context, actor string, in services.CreateAdInput) (*domain.Ad, error)
	Get(ctx context.Context, viewer, viewerKey, id string) (*services.AdDetail, error)
	SetStatus(ctx context.Context, actor, id string, status domain.AdStatus) (*domain.Ad, error)
	Delete(ctx context.Context, actor, id string) error
	Restore(ctx context.Context, actor, id string) (*domain.Ad, error)
	ForceDelete(ctx context.Context, actor, id string) error
	Promote(ctx context.Context, actor, adID string, in services.PromoteInput) (*domain.AdPromotion, error)
	AddImage(ctx context.Context, actor, adID, path string, position int) (*domain.AdImage, error)
	ListPublic(ctx context.Context, categoryID string, page, pageSize int) ([]services.ListedAd, int64, error)
	// ListingVersion returns the inputs of the listing ETag.
	ListingVersion(ctx context.Context, categoryID string) (services.ListingVersion, error)
}

// DealService defines the deal state machine operations.
type DealService interface {
	Open(ctx context.Context, actor, adID string) (*domain.Deal, bool, error)
	Get(ctx context.Context, actor, id string) (*domain.Deal, error)
	ListForAd(ctx context.Context, actor, adID string) ([]domain.Deal, error)
	SetBuyer(ctx context.Context, actor, id, buyerID string) (*domain.Deal, error)
	SetBuyerFromConversation(ctx context.Context, actor, id, conversationID string) (*domain.Deal, error)
	SetTerms(ctx context.Context, actor, id string, price *decimal.Decimal, currency string) (*domain.Deal, error)
	Transition(ctx context.Context, actor, id string, to domain.DealStatus) (*domain.Deal, error)
}

// ReviewService defines review submission and gated reads.
type ReviewService interface {
	Submit(ctx context.Context, actor, dealID string, in services.ReviewInput) (*domain.DealReview, error)
	ListForDeal(ctx context.Context, viewer, dealID string) (services.Reveal, error)
	ListReceived(ctx context.Context, userID string) (*services.ReceivedReviews, error)
}

// ConversationService defines buyer/seller conversation operations.
type ConversationService interface {
	Start(ctx context.Context, buyerID, adID string) (*domain.Conversation, bool, error)
	Get(ctx context.Context, actor, id string) (*domain.Conversation, error)
	ListPage(ctx context.Context, actor string, page, pageSize int) ([]domain.Conversation, int64, error)
}

// MessageService defines the conversation message log.
type MessageService interface {
	Send(ctx context.Context, actor, conversationID, body string) (*services.SendResult, error)
	ListPage(ctx context.Context, actor, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
}

// IdempotencyStore persists the resource created by a POST so a retry with
// the same Idempotency-Key can be answered with the original result.
type IdempotencyStore interface {
	// Lookup returns the stored resource ID and status for (user, scope, key).
	Lookup(ctx context.Context, userID, scope, key string) (resourceID string, status int, found bool)
	// Save records the result of a completed request. Failures are logged
	// by the implementation and never fail the request.
	Save(ctx context.Context, userID, scope, key, resourceID string, status int)
}

//
// Handler wiring
//

// Services bundles the dependencies of Handlers. Idempotency may be nil.
type Services struct {
	Ads           AdService
	Deals         DealService
	Reviews       ReviewService
	Conversations ConversationService
	Messages      MessageService
	Idempotency   IdempotencyStore
}

// Handlers groups the HTTP endpoints for ads, deals, reviews and
// conversations.
type Handlers struct {
	adSvc     AdService
	dealSvc   DealService
	reviewSvc ReviewService
	convSvc   ConversationService
	msgSvc    MessageService
	idem      IdempotencyStore
}

// New constructs and returns a Handlers instance bound to the given services.
func New(s Services) *Handlers {
	return &Handlers{
		adSvc:     s.Ads,
		dealSvc:   s.Deals,
		reviewSvc: s.Reviews,
		convSvc:   s.Conversations,
		msgSvc:    s.Messages,
		idem:      s.Idempotency,
	}
}

// userID returns the caller identity set by middleware.Identity, falling back
// to the X-User-ID header when the middleware is not installed (tests).
// Anonymous callers get "".
func userID(c *gin.Context) string {
	if uid := middleware.UserID(c); uid != "" {
		return uid
	}
	if c != nil && c.Request != nil {
		return strings.TrimSpace(c.GetHeader(middleware.HeaderUserID))
	}
	return ""
}

// requireUser returns the caller identity or aborts with 401.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Idempotency helpers
//

// replay answers the request from a stored idempotency record. load fetches
// the recorded resource; when it fails the request is processed normally.
func (h *Handlers) replay(c *gin.Context, actor string, load func(ctx context.Context, resourceID string) (any, error)) bool {
	key, has := middleware.GetIdempotencyKey(c)
	if !has || h.idem == nil {
		return false
	}
	ctx := c.Request.Context()
	resourceID, status, found := h.idem.Lookup(ctx, actor, middleware.IdempotencyScope(c), key)
	if !found {
		return false
	}
	body, err := load(ctx, resourceID)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("resource_id", resourceID).Msg("idempotent replay unavailable")
		return false
	}
	c.Header("Idempotency-Replayed", "true")
	ok(c, status, body)
	return true
}

// remember stores the result of a completed POST under its idempotency key.
func (h *Handlers) remember(c *gin.Context, actor, resourceID string, status int) {
	key, has := middleware.GetIdempotencyKey(c)
	if !has || h.idem == nil {
		return
	}
	h.idem.Save(c.Request.Context(), actor, middleware.IdempotencyScope(c), key, resourceID, status)
}
