// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller identity. Authentication happens upstream (an
// API gateway or auth proxy) which forwards the authenticated user ID in the
// X-User-ID header. Identity() stores it under the "userID" context key that
// the logging, rate limiting and idempotency middleware already read.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID is the request header carrying the authenticated user ID.
const HeaderUserID = "X-User-ID"

// ctxKeyUserID is the Gin context key holding the caller identity.
const ctxKeyUserID = "userID"

// Identity copies X-User-ID into the Gin context unless an earlier middleware
// already set an identity. Requests without the header stay anonymous.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			if h := strings.TrimSpace(c.GetHeader(HeaderUserID)); h != "" {
				c.Set(ctxKeyUserID, h)
			}
		}
		c.Next()
	}
}

// UserID returns the caller identity or "" for anonymous requests.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
