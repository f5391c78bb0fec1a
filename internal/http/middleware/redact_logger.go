package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const redactedValue = "[REDACTED]"

// Order matters: ids first, then emails, then phones. The phone pattern is
// digits-only so it cannot eat the hex groups of a UUID.
var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Headers that never reach the log in any form.
var alwaysMasked = []string{"authorization", "cookie", "set-cookie"}

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are replaced with [REDACTED]. Case-insensitive, merged
	// with Authorization, Cookie and Set-Cookie.
	MaskHeaders []string
	// SkipPaths are logged at debug level only when the request succeeded;
	// probes and scrapes otherwise drown the access log.
	SkipPaths []string
}

// scrub removes identifiers that look like UUIDs, emails or phone numbers.
// Listing and conversation IDs in URLs are UUIDs too; route templates are
// logged instead of raw paths so only the query string and headers need it.
func scrub(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func lowerSet(base []string, extra []string) map[string]struct{} {
	m := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				m[v] = struct{}{}
			}
		}
	}
	return m
}

// RedactingLogger emits one structured "http_request" line per request and
// never logs bodies. Query strings and header values pass through scrub;
// masked headers are replaced outright. Level follows the outcome: info,
// warn for 4xx, error for 5xx or recorded gin errors.
//
// It also attaches the request-scoped logger (request_id, user_id, method,
// route) used by LoggerFrom and zerolog.Ctx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := lowerSet(alwaysMasked, opts.MaskHeaders)
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		rid := RequestIDFrom(c)
		if rid == "" {
			rid = c.Writer.Header().Get(requestIDHeader)
		}

		l := log.With().
			Str("request_id", rid).
			Str("user_id", UserID(c)).
			Str("method", c.Request.Method).
			Str("path", route).
			Logger()
		attachLogger(c, l)

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			if _, quiet := skip[c.Request.URL.Path]; quiet {
				ev = l.Debug()
			} else {
				ev = l.Info()
			}
		}
		if !ev.Enabled() {
			return
		}

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				headers[k] = redactedValue
				continue
			}
			headers[k] = scrub(strings.Join(vv, ", "))
		}

		ev.Str("query", scrub(truncate(c.Request.URL.RawQuery, maxQueryLogLength))).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
