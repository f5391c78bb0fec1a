// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders: baseline hardening headers for a JSON
// API behind a reverse proxy, opt-in HSTS, and cache headers that keep
// caller-specific responses out of shared caches. Ad detail and listing
// bodies depend on X-User-ID (owners and admins see drafts), so a shared
// cache must not serve one caller's response to another.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures HTTP security headers emitted by SecurityHeaders.
//
// EnableHSTS controls whether to emit Strict-Transport-Security for HTTPS
// requests (never for plain HTTP). Only enable when traffic is HTTPS
// end-to-end (including between proxy and app).
//
// HSTSMaxAge is the lifetime for HSTS. Common values are 15552000 (180 days)
// or 31536000 (1 year). Defaults to 180 days if not set (> 0 enforced).
//
// NoStore, when true, adds Cache-Control: no-store (plus legacy Pragma/Expires)
// to prevent caching of sensitive API responses.
//
// EnablePolicy controls whether modern browser feature policies are sent
// (Permissions-Policy and X-Permitted-Cross-Domain-Policies). They have effect
// only in user agents (browsers) and are harmless for non-browser clients.
//
// ExposeHeaders lists response headers, in addition to X-Request-ID, that
// browser clients may read (e.g. ETag for conditional listing requests and
// Idempotency-Replayed for retried POSTs).
//
// VaryOnIdentity adds "Vary: X-User-ID" to every response and marks responses
// to identified callers "Cache-Control: private, no-cache": browsers may keep
// them and revalidate with If-None-Match, shared caches may not. NoStore wins
// when both are set.
type SecurityOptions struct {
	EnableHSTS     bool          // set true only when traffic is HTTPS end-to-end
	HSTSMaxAge     time.Duration // e.g., 180 * 24h
	NoStore        bool          // add Cache-Control: no-store
	EnablePolicy   bool          // include Permissions-Policy, etc.
	ExposeHeaders  []string      // extra Access-Control-Expose-Headers entries
	VaryOnIdentity bool          // responses differ per X-User-ID
}

// SecurityHeaders sets nosniff, frame denial and no-referrer on every
// response, plus the optional headers selected by opt. HSTS is only sent on
// HTTPS requests, directly or via X-Forwarded-Proto. X-Request-ID and
// opt.ExposeHeaders are listed in Access-Control-Expose-Headers.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds()) // 180 days default
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()

		// Baseline hardening for APIs.
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		// Optional modern browser feature restrictions (harmless for non-browsers).
		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		switch {
		case opt.NoStore:
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		case opt.VaryOnIdentity && UserID(c) != "":
			h.Set("Cache-Control", "private, no-cache")
		}
		if opt.VaryOnIdentity {
			addVary(h, HeaderUserID)
		}

		// Strict-Transport-Security only for HTTPS requests (never for HTTP).
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security",
				"max-age="+strconv.Itoa(maxAge)+"; includeSubDomains; preload")
		}

		// Expose X-Request-ID (and configured headers) to browser clients.
		if h.Get(requestIDHeader) != "" {
			addExposed(h, requestIDHeader)
		}
		for _, name := range opt.ExposeHeaders {
			addExposed(h, name)
		}

		c.Next()
	}
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// (r.TLS != nil) or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// addExposed appends name to Access-Control-Expose-Headers unless present.
func addExposed(h http.Header, name string) {
	appendToken(h, "Access-Control-Expose-Headers", name)
}

// addVary appends name to Vary unless present. CORS may already have added
// Origin.
func addVary(h http.Header, name string) {
	appendToken(h, "Vary", name)
}

// appendToken adds name to the comma-separated list in header hdr, comparing
// tokens case-insensitively. Repeated header lines are folded into one.
func appendToken(h http.Header, hdr, name string) {
	vals := h.Values(hdr)
	if len(vals) == 0 {
		h.Set(hdr, name)
		return
	}
	for _, v := range vals {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), name) {
				return
			}
		}
	}
	h.Set(hdr, strings.Join(vals, ", ")+", "+name)
}
