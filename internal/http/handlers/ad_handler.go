// Ad HTTP handlers.
//
// This file exposes REST endpoints for ads:
//   - GET    /ads                    (ranked public listing, ETag support)
//   - POST   /ads                    (create)
//   - GET    /ads/{id}               (read, records a view)
//   - PATCH  /ads/{id}/status        (owner/admin status change)
//   - DELETE /ads/{id}               (soft delete)
//   - POST   /ads/{id}/restore       (undo soft delete)
//   - DELETE /ads/{id}/force         (admin hard delete)
//   - POST   /ads/{id}/promotions    (admin promotion)
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/services"
)

//
// DTOs
//

// CreateAdRequest is the JSON payload for creating an ad.
type CreateAdRequest struct {
	CategoryID  string           `json:"category_id" example:"bikes"`
	Title       string           `json:"title" example:"Road bike, 56cm"`
	Description string           `json:"description" example:"Barely used, new tyres."`
	Price       *decimal.Decimal `json:"price,omitempty" swaggertype:"string" example:"450.00"`
	Currency    string           `json:"currency,omitempty" example:"EUR"`
	// Status defaults to draft; "active" publishes immediately.
	Status string `json:"status,omitempty" example:"active"`
}

// SetAdStatusRequest is the JSON payload for changing an ad's stored status.
type SetAdStatusRequest struct {
	Status string `json:"status" binding:"required" example:"paused"`
}

// PromoteAdRequest is the JSON payload for creating a promotion.
type PromoteAdRequest struct {
	Type     string    `json:"type" binding:"required" example:"featured"`
	Priority int       `json:"priority" example:"10"`
	StartsAt time.Time `json:"starts_at" binding:"required" example:"2024-03-01T00:00:00Z"`
	EndsAt   time.Time `json:"ends_at" binding:"required" example:"2024-03-08T00:00:00Z"`
	Status   string    `json:"status,omitempty" example:"active"`
}

// AddImageRequest attaches an uploaded image to an ad.
type AddImageRequest struct {
	Path     string `json:"path" binding:"required" example:"ads/3f2a/front.jpg"`
	Position int    `json:"position" example:"0"`
}

// AdResponse is an ad together with its display status.
type AdResponse struct {
	*domain.Ad
	// DisplayStatus is the stored status, or "expired" once expires_at passed.
	DisplayStatus domain.AdStatus `json:"display_status" example:"active"`
}

// AdDetailResponse is a single ad as seen by the caller.
type AdDetailResponse struct {
	AdResponse
	Images []domain.AdImage `json:"images"`
	// Manageable is true when the caller owns the ad or is an admin.
	Manageable bool `json:"manageable"`
	// Promotions is only present for manageable callers.
	Promotions []domain.AdPromotion `json:"promotions,omitempty"`
}

// ListedAdResponse is one row of the ranked listing.
type ListedAdResponse struct {
	domain.Ad
	DisplayStatus domain.AdStatus      `json:"display_status"`
	Promoted      bool                 `json:"promoted"`
	Tier          domain.PromotionType `json:"tier,omitempty"`
}

// ListAdsResponse wraps a page of ranked ads and pagination information.
type ListAdsResponse struct {
	Ads        []ListedAdResponse `json:"ads"`
	Pagination Pagination         `json:"pagination"`
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

// viewerKey identifies the viewer for per-day view de-duplication.
func viewerKey(c *gin.Context, uid string) string {
	if uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.ClientIP()
}

//
// Handlers
//

// ListAds godoc
// @ID          listAds
// @Summary     Ranked public listing
// @Description Returns publicly visible ads: promoted ads first (featured, spotlight, bump), then a daily rotation, then the most recently published.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Ads
// @Produce     json
//
// @Param       category_id    query   string  false "Category filter"             example(bikes)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListAdsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /ads [get]
func (h *Handlers) ListAds(c *gin.Context) {
	ctx := c.Request.Context()
	category := strings.TrimSpace(c.Query("category_id"))
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if v, err := h.adSvc.ListingVersion(ctx, category); err == nil {
		etag := fmt.Sprintf(`W/"ads:%s:%s:%d:%d:%d:%d:%d:%d"`, category, v.Date,
			v.Ads, unixOrZero(v.AdsUpdated), v.Promotions, unixOrZero(v.PromotionsUpdated), page, pageSize)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.adSvc.ListPublic(ctx, category, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}

	out := make([]ListedAdResponse, 0, len(items))
	for _, it := range items {
		out = append(out, ListedAdResponse{
			Ad:            it.Ad,
			DisplayStatus: it.DisplayStatus,
			Promoted:      it.Entry.Promoted,
			Tier:          it.Entry.Tier,
		})
	}
	ok(c, http.StatusOK, ListAdsResponse{Ads: out, Pagination: newPagination(page, pageSize, total)})
}

// CreateAd godoc
// @ID          createAd
// @Summary     Create an ad
// @Description Creates an ad owned by the caller. An ad created as active is published immediately.
// @Tags        Ads
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       body       body    handlers.CreateAdRequest  true  "Ad payload"
//
// @Success     201  {object}  domain.Ad
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Router      /ads [post]
func (h *Handlers) CreateAd(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req CreateAdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ad, err := h.adSvc.Create(c.Request.Context(), actor, services.CreateAdInput{
		CategoryID:  req.CategoryID,
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Currency:    req.Currency,
		Status:      domain.AdStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, ad)
}

// GetAd godoc
// @ID          getAd
// @Summary     Get an ad
// @Description Returns a publicly visible ad to anyone, and a hidden ad only to its owner or an admin.
// @Description Reading a visible ad counts one view per viewer per UTC day.
// @Tags        Ads
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.AdDetailResponse
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Router      /ads/{id} [get]
func (h *Handlers) GetAd(c *gin.Context) {
	uid := userID(c)
	d, err := h.adSvc.Get(c.Request.Context(), uid, viewerKey(c, uid), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, AdDetailResponse{
		AdResponse: AdResponse{Ad: d.Ad, DisplayStatus: d.DisplayStatus},
		Images:     d.Images,
		Manageable: d.Manageable,
		Promotions: d.Promotions,
	})
}

// SetAdStatus godoc
// @ID          setAdStatus
// @Summary     Change an ad's status
// @Description Owner or admin only. Activating an ad (re)publishes it and extends an expired or missing expiry.
// @Tags        Ads
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
// @Param       body       body    handlers.SetAdStatusRequest  true  "New status"
//
// @Success     200  {object} domain.Ad
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Router      /ads/{id}/status [put]
func (h *Handlers) SetAdStatus(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req SetAdStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badField(c, "status", "status is required")
		return
	}
	ad, err := h.adSvc.SetStatus(c.Request.Context(), actor, c.Param("id"), domain.AdStatus(strings.TrimSpace(req.Status)))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ad)
}

// DeleteAd godoc
// @ID          deleteAd
// @Summary     Soft-delete an ad
// @Description Owner or admin only. Images and promotions are soft-deleted with the ad.
// @Tags        Ads
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Router      /ads/{id} [delete]
func (h *Handlers) DeleteAd(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	if err := h.adSvc.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// RestoreAd godoc
// @ID          restoreAd
// @Summary     Restore a soft-deleted ad
// @Description Owner or admin only. Restores the ad together with its images and promotions.
// @Tags        Ads
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Ad
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Failure     422  {object} handlers.ErrorResponse "Ad is not deleted"
// @Router      /ads/{id}/restore [post]
func (h *Handlers) RestoreAd(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	ad, err := h.adSvc.Restore(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ad)
}

// ForceDeleteAd godoc
// @ID          forceDeleteAd
// @Summary     Permanently delete an ad
// @Description Admin only. Removes the ad and everything attached to it.
// @Tags        Ads
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Router      /ads/{id}/force [delete]
func (h *Handlers) ForceDeleteAd(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	if err := h.adSvc.ForceDelete(c.Request.Context(), actor, c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// PromoteAd godoc
// @ID          promoteAd
// @Summary     Promote an ad
// @Description Admin only. Creates a time-boxed promotion; the window is [starts_at, ends_at).
// @Tags        Ads
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
// @Param       body       body    handlers.PromoteAdRequest  true  "Promotion"
//
// @Success     201  {object} domain.AdPromotion
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Router      /ads/{id}/promotions [post]
func (h *Handlers) PromoteAd(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req PromoteAdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "type, starts_at and ends_at are required")
		return
	}
	p, err := h.adSvc.Promote(c.Request.Context(), actor, c.Param("id"), services.PromoteInput{
		Type:     domain.PromotionType(strings.TrimSpace(req.Type)),
		Priority: req.Priority,
		StartsAt: req.StartsAt,
		EndsAt:   req.EndsAt,
		Status:   domain.PromotionStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

// AddAdImage godoc
// @ID          addAdImage
// @Summary     Attach an image to an ad
// @Description Owner or admin only. The path refers to an already uploaded file; images are listed by position.
// @Tags        Ads
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
// @Param       body       body    handlers.AddImageRequest  true  "Image"
//
// @Success     201  {object} domain.AdImage
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Router      /ads/{id}/images [post]
func (h *Handlers) AddAdImage(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req AddImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badField(c, "path", "path is required")
		return
	}
	img, err := h.adSvc.AddImage(c.Request.Context(), actor, c.Param("id"), req.Path, req.Position)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, img)
}
