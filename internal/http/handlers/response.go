// Package handlers implements the HTTP endpoints. Every error leaves through
// fail or failErr, so clients always get an ErrorResponse:
//
//	HTTP/1.1 422 Unprocessable Entity
//	{"request_id": "...", "code": "buyer_required", "message": "a buyer must be assigned first"}
//
// Service errors map by kind: validation 400, forbidden and not found 404,
// precondition 422 with the service code, conflict 409, anything else 500.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-backend/internal/http/middleware"
	"github.com/tbourn/go-market-backend/internal/services"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Echo of X-Request-ID for matching client reports to server logs
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code
	Code string `json:"code" example:"not_found"`
	// Message safe to show to users
	Message string `json:"message" example:"deal not found"`
	// Input field that failed validation
	Field string `json:"field,omitempty" example:"rating"`
}

// fail aborts with an ErrorResponse. 5xx responses are logged on the
// request-scoped logger; 4xx are already covered by the access log.
func fail(c *gin.Context, status int, code, msg string) {
	failField(c, status, code, msg, "")
}

func failField(c *gin.Context, status int, code, msg, field string) {
	rid := middleware.RequestIDFrom(c)
	if rid == "" {
		rid = c.Writer.Header().Get("X-Request-ID")
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{RequestID: rid, Code: code, Message: msg, Field: field})
}

// Fail lets the router answer 404/405 with the same envelope.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr translates a service error into an error response.
//
// Forbidden is rendered exactly like not found. Unknown errors become a 500
// with a generic message; the cause is only logged.
func failErr(c *gin.Context, err error) {
	var se *services.Error
	if !errors.As(err, &se) {
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	switch {
	case errors.Is(err, services.ErrValidation):
		failField(c, http.StatusBadRequest, ErrCodeValidation, se.Msg, se.Field)
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, se.Msg)
	case errors.Is(err, services.ErrPrecondition):
		code := se.Code
		if code == "" {
			code = ErrCodePrecondition
		}
		fail(c, http.StatusUnprocessableEntity, code, se.Msg)
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, se.Msg)
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// badField aborts with a 400 validation error for a request field that could
// not be decoded.
func badField(c *gin.Context, field, msg string) {
	failField(c, http.StatusBadRequest, ErrCodeValidation, msg, field)
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
