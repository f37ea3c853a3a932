// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides request ids, the structured access log, and panic
// recovery:
//
//   - RequestID() reuses X-Request-ID or generates a UUIDv4 and echoes it.
//   - Logger() attaches a request-scoped zerolog.Logger to the context and
//     emits one access log line per request. Secret-bearing headers are
//     masked and integration credentials (bot tokens, Notion secrets) are
//     scrubbed from the query string.
//   - Recovery() turns panics into JSON 500 responses.
//   - LoggerFrom() returns the request-scoped logger for handlers.
//
// Order: RequestID, Logger, Recovery, so that panics carry the request id.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey      = "requestID"
	requestIDHeader   = "X-Request-ID"
	loggerKey         = "logger"
	maxQueryLogLength = 2048
	redacted          = "[REDACTED]"
)

var (
	// Telegram bot tokens look like "123456:AA..." (id, colon, 30+ chars).
	botTokenRE = regexp.MustCompile(`\b\d{5,}:[A-Za-z0-9_-]{30,}\b`)
	// Notion integration secrets.
	notionSecretRE = regexp.MustCompile(`\b(?:secret|ntn)_[A-Za-z0-9]{20,}\b`)
)

// LogOptions configures Logger.
type LogOptions struct {
	// Base is the parent logger. Zero value means the global log.Logger.
	Base *zerolog.Logger

	// MaskHeaders lists extra headers whose values are never logged.
	// Authorization, Cookie and Set-Cookie are always masked.
	MaskHeaders []string

	// LogHeaders includes the (masked) request headers in the access log.
	LogHeaders bool
}

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes a structured access log for each request.
//
// Level follows the outcome: error for 5xx or collected gin errors, warn for
// 4xx, info otherwise.
func Logger(opts LogOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		base := log.Logger
		if opts.Base != nil {
			base = *opts.Base
		}
		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		lc := base.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP())
		if pid := c.Param("platform_id"); pid != "" {
			lc = lc.Str("platform_id", pid)
		}
		if bid := c.Param("id"); bid != "" {
			lc = lc.Str("batch_id", bid)
		}
		l := lc.Logger()
		c.Set(loggerKey, &l)

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
			ev = l.Info()
		}
		ev = ev.
			Str("query", truncate(scrub(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("user_agent", c.Request.UserAgent()).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size())
		if opts.LogHeaders {
			ev = ev.Interface("headers", maskHeaders(c.Request.Header, masked))
		}
		ev.Msg("request")
	}
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			v, _ := c.Get(requestIDKey)
			rid := asString(v)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// Logger is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func maskHeaders(h http.Header, masked map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := masked[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = scrub(strings.Join(vv, ", "))
	}
	return out
}

// scrub removes integration credentials from s.
func scrub(s string) string {
	if s == "" {
		return s
	}
	s = botTokenRE.ReplaceAllString(s, redacted)
	return notionSecretRE.ReplaceAllString(s, redacted)
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at n bytes; n <= 0 disables truncation.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
