// Deal HTTP handlers.
//
// This file exposes REST endpoints for the deal state machine:
//   - POST /ads/{id}/deals                        (seller opens or reuses a deal)
//   - GET  /deals/{id}                            (participants)
//   - PUT  /deals/{id}/buyer                      (seller assigns the buyer)
//   - POST /deals/{id}/buyer/from-conversation    (seller marks a conversation partner as buyer)
//   - PUT  /deals/{id}/terms                      (seller sets final price/currency)
//   - POST /deals/{id}/transitions                (status change)
//
// Opening a deal honours Idempotency-Key: a retried request returns the deal
// created by the first one with `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-market-backend/internal/domain"
)

//
// DTOs
//

// SetBuyerRequest is the JSON payload for assigning a buyer.
type SetBuyerRequest struct {
	BuyerID string `json:"buyer_id" binding:"required" example:"user-7"`
}

// BuyerFromConversationRequest names the conversation whose other
// participant becomes the buyer.
type BuyerFromConversationRequest struct {
	ConversationID string `json:"conversation_id" binding:"required" format:"uuid"`
}

// SetTermsRequest is the JSON payload for the agreed terms. A null
// final_price clears it; an empty currency keeps the current one.
type SetTermsRequest struct {
	FinalPrice *decimal.Decimal `json:"final_price" swaggertype:"string" example:"420.00"`
	Currency   string           `json:"currency,omitempty" example:"EUR"`
}

// TransitionRequest is the JSON payload for a deal status change.
type TransitionRequest struct {
	Status string `json:"status" binding:"required" example:"confirmed" enums:"proposed,confirmed,completed,canceled,disputed"`
}

//
// Handlers
//

// OpenDeal godoc
// @ID          openDeal
// @Summary     Open a deal for an ad
// @Description Seller only. Returns the seller's latest proposed or confirmed deal for the ad, or creates a new proposed one.
// @Description Supports idempotency via the Idempotency-Key header (same key → same deal).
// @Tags        Deals
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Caller user ID"
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       id               path    string  true  "Ad ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Deal  "Existing open deal"
// @Success     201  {object}  domain.Deal  "New deal"
// @Failure     404  {object}  handlers.ErrorResponse  "Ad not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Concurrent update"
// @Router      /ads/{id}/deals [post]
func (h *Handlers) OpenDeal(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	if h.replay(c, actor, func(ctx context.Context, id string) (any, error) {
		return h.dealSvc.Get(ctx, actor, id)
	}) {
		return
	}

	d, created, err := h.dealSvc.Open(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.remember(c, actor, d.ID, status)
	ok(c, status, d)
}

// GetDeal godoc
// @ID          getDeal
// @Summary     Get a deal
// @Description Returns the deal to its seller, its buyer or an admin.
// @Tags        Deals
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Deal ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Deal
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Router      /deals/{id} [get]
func (h *Handlers) GetDeal(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	d, err := h.dealSvc.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// ListAdDeals godoc
// @ID          listAdDeals
// @Summary     Deals opened on an ad
// @Description Owner or admin only. Newest first.
// @Tags        Deals
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
//
// @Success     200  {array}  domain.Deal
// @Failure     404  {object} handlers.ErrorResponse "Ad not found"
// @Router      /ads/{id}/deals [get]
func (h *Handlers) ListAdDeals(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	deals, err := h.dealSvc.ListForAd(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, deals)
}

// SetDealBuyer godoc
// @ID          setDealBuyer
// @Summary     Assign the buyer
// @Description Seller only, while the deal is not completed. The buyer must differ from the seller.
// @Tags        Deals
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Deal ID (UUID)"  format(uuid)
// @Param       body       body    handlers.SetBuyerRequest  true  "Buyer"
//
// @Success     200  {object} domain.Deal
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Failure     422  {object} handlers.ErrorResponse "Deal already completed"
// @Router      /deals/{id}/buyer [put]
func (h *Handlers) SetDealBuyer(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req SetBuyerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badField(c, "buyer_id", "buyer_id is required")
		return
	}
	d, err := h.dealSvc.SetBuyer(c.Request.Context(), actor, c.Param("id"), req.BuyerID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// SetDealBuyerFromConversation godoc
// @ID          setDealBuyerFromConversation
// @Summary     Mark a conversation partner as buyer
// @Description Seller only. The conversation must be about the deal's ad; its other participant becomes the buyer.
// @Tags        Deals
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Deal ID (UUID)"  format(uuid)
// @Param       body       body    handlers.BuyerFromConversationRequest  true  "Conversation"
//
// @Success     200  {object} domain.Deal
// @Failure     404  {object} handlers.ErrorResponse "Deal or conversation not found"
// @Failure     422  {object} handlers.ErrorResponse "Conversation is about another ad"
// @Router      /deals/{id}/buyer/from-conversation [post]
func (h *Handlers) SetDealBuyerFromConversation(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req BuyerFromConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badField(c, "conversation_id", "conversation_id is required")
		return
	}
	d, err := h.dealSvc.SetBuyerFromConversation(c.Request.Context(), actor, c.Param("id"), req.ConversationID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// SetDealTerms godoc
// @ID          setDealTerms
// @Summary     Set final price and currency
// @Description Seller only, while the deal is neither completed nor canceled.
// @Tags        Deals
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Deal ID (UUID)"  format(uuid)
// @Param       body       body    handlers.SetTermsRequest  true  "Terms"
//
// @Success     200  {object} domain.Deal
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Failure     422  {object} handlers.ErrorResponse "Deal closed"
// @Router      /deals/{id}/terms [put]
func (h *Handlers) SetDealTerms(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req SetTermsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badField(c, "final_price", "final_price must be a decimal number")
		return
	}
	d, err := h.dealSvc.SetTerms(c.Request.Context(), actor, c.Param("id"), req.FinalPrice, req.Currency)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// TransitionDeal godoc
// @ID          transitionDeal
// @Summary     Change a deal's status
// @Description proposed, canceled and completed are seller-only; confirmed and completed need a buyer; disputed is open to both parties.
// @Description Milestone timestamps (confirmed_at, completed_at, canceled_at) are set once.
// @Tags        Deals
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Deal ID (UUID)"  format(uuid)
// @Param       body       body    handlers.TransitionRequest  true  "Target status"
//
// @Success     200  {object} domain.Deal
// @Failure     400  {object} handlers.ErrorResponse "Unknown status"
// @Failure     404  {object} handlers.ErrorResponse "Deal not found"
// @Failure     409  {object} handlers.ErrorResponse "Concurrent update"
// @Failure     422  {object} handlers.ErrorResponse "Precondition failed"
// @Router      /deals/{id}/transitions [post]
func (h *Handlers) TransitionDeal(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badField(c, "status", "status is required")
		return
	}
	to := domain.DealStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	d, err := h.dealSvc.Transition(c.Request.Context(), actor, c.Param("id"), to)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}
