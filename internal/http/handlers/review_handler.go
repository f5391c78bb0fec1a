// Review HTTP handlers.
//
// Endpoints:
//   - POST /deals/{id}/reviews   (participant reviews a completed deal)
//   - GET  /deals/{id}/reviews   (mutual-blind view for participants)
//   - GET  /users/{id}/reviews   (public reviews about a user)
package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-backend/internal/domain"
	"github.com/tbourn/go-market-backend/internal/services"
)

// SubmitReviewRequest is the JSON payload for a review. Rating is required
// and must be a whole number in [0, 5]; storage keeps one decimal for later
// half-star input.
type SubmitReviewRequest struct {
	Rating   *float64       `json:"rating" binding:"required" example:"4"`
	Comment  string         `json:"comment,omitempty" example:"Smooth handover"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UserReviewsResponse lists the public reviews about a user.
type UserReviewsResponse struct {
	UserID  string              `json:"user_id"`
	Reviews []domain.DealReview `json:"reviews"`
	Average float64             `json:"average" example:"4.25"`
}

var errReviewGone = errors.New("recorded review no longer visible")

// SubmitReview godoc
// @ID          submitReview
// @Summary     Review a completed deal
// @Description Seller or buyer, once per deal, within the review window after completion.
// @Description Supports idempotency via the Idempotency-Key header.
// @Tags        Reviews
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Caller user ID"
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       id               path    string  true  "Deal ID (UUID)"  format(uuid)
// @Param       body             body    handlers.SubmitReviewRequest  true  "Review"
//
// @Success     201  {object}  domain.DealReview
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse  "Deal not found"
// @Failure     422  {object}  handlers.ErrorResponse  "Not completed, window closed or already reviewed"
// @Router      /deals/{id}/reviews [post]
func (h *Handlers) SubmitReview(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	dealID := c.Param("id")
	if h.replay(c, actor, func(ctx context.Context, _ string) (any, error) {
		rv, err := h.reviewSvc.ListForDeal(ctx, actor, dealID)
		if err != nil {
			return nil, err
		}
		if rv.Own == nil {
			return nil, errReviewGone
		}
		return rv.Own, nil
	}) {
		return
	}

	var req SubmitReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Rating == nil {
		badField(c, "rating", "rating is required")
		return
	}
	if r := *req.Rating; r != math.Trunc(r) {
		badField(c, "rating", "rating must be a whole number")
		return
	}
	r, err := h.reviewSvc.Submit(c.Request.Context(), actor, dealID, services.ReviewInput{
		Rating:   *req.Rating,
		Comment:  req.Comment,
		Metadata: req.Metadata,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	h.remember(c, actor, r.ID, http.StatusCreated)
	ok(c, http.StatusCreated, r)
}

// ListDealReviews godoc
// @ID          listDealReviews
// @Summary     Reviews of a deal
// @Description Participants always see their own review. The counterparty's review is shown once both sides reviewed or the window closed.
// @Tags        Reviews
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Deal ID (UUID)"  format(uuid)
//
// @Success     200  {object} services.Reveal
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Router      /deals/{id}/reviews [get]
func (h *Handlers) ListDealReviews(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	rv, err := h.reviewSvc.ListForDeal(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, rv)
}

// ListUserReviews godoc
// @ID          listUserReviews
// @Summary     Public reviews about a user
// @Description Only reviews that are revealed are listed; average is over those.
// @Tags        Reviews
// @Produce     json
//
// @Param       id  path  string  true  "User ID"
//
// @Success     200  {object} handlers.UserReviewsResponse
// @Failure     500  {object} handlers.ErrorResponse
// @Router      /users/{id}/reviews [get]
func (h *Handlers) ListUserReviews(c *gin.Context) {
	uid := c.Param("id")
	rr, err := h.reviewSvc.ListReceived(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, UserReviewsResponse{UserID: uid, Reviews: rr.Items, Average: rr.Average})
}
