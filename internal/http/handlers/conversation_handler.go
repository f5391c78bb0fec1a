// Conversation HTTP handlers.
//
// Endpoints:
//   - POST /ads/{id}/conversations          (buyer starts or resumes a thread)
//   - GET  /conversations                   (caller's threads, paginated)
//   - GET  /conversations/{id}              (participants)
//   - GET  /conversations/{id}/messages     (participants, paginated)
//   - POST /conversations/{id}/messages     (participants; a seller message opens a deal)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// PostMessageRequest is the JSON payload for a message.
type PostMessageRequest struct {
	Body string `json:"body" binding:"required" example:"Is it still available?"`
}

// PostMessageResponse is the stored message plus, for seller messages, the
// deal opened or reused for the ad.
type PostMessageResponse struct {
	Message     *domain.Message `json:"message"`
	Deal        *domain.Deal    `json:"deal,omitempty"`
	DealCreated bool            `json:"deal_created"`
}

// ListConversationsResponse is a page of conversations.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

// ListMessagesResponse is a page of messages, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// StartConversation godoc
// @ID          startConversation
// @Summary     Start a conversation about an ad
// @Description Returns the caller's existing thread on the ad or creates one. Owners cannot message their own ad.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Ad ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Conversation  "Existing conversation"
// @Success     201  {object}  domain.Conversation  "New conversation"
// @Failure     404  {object}  handlers.ErrorResponse  "Ad not found"
// @Failure     422  {object}  handlers.ErrorResponse  "Own ad"
// @Router      /ads/{id}/conversations [post]
func (h *Handlers) StartConversation(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	conv, created, err := h.convSvc.Start(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if created {
		ok(c, http.StatusCreated, conv)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List the caller's conversations
// @Description Most recently active first.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "Caller user ID"
// @Param       page       query   int     false  "Page number"      minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"   minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Failure     401  {object} handlers.ErrorResponse
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	page, size := clampPagination(c)
	items, total, err := h.convSvc.ListPage(c.Request.Context(), actor, page, size)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination:    newPagination(page, size, total),
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Get a conversation
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Conversation
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	conv, err := h.convSvc.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages of a conversation
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "Caller user ID"
// @Param       id         path    string  true   "Conversation ID (UUID)"  format(uuid)
// @Param       page       query   int     false  "Page number"      minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"   minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	page, size := clampPagination(c)
	items, total, err := h.msgSvc.ListPage(c.Request.Context(), actor, c.Param("id"), page, size)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, size, total),
	})
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message
// @Description When the ad's seller writes, their open deal for the ad is reused or a proposed one is created.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Caller user ID"
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body       body    handlers.PostMessageRequest  true  "Message"
//
// @Success     201  {object} handlers.PostMessageResponse
// @Failure     400  {object} handlers.ErrorResponse "Validation failed"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	actor, authed := requireUser(c)
	if !authed {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badField(c, "body", "body is required")
		return
	}
	res, err := h.msgSvc.Send(c.Request.Context(), actor, c.Param("id"), req.Body)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, PostMessageResponse{
		Message:     res.Message,
		Deal:        res.Deal,
		DealCreated: res.DealCreated,
	})
}
