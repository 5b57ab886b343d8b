// Package middleware holds the Gin middleware of the local control API.
//
// This file covers request correlation and access logging. Place RequestID
// first, AccessLog second and Recovery third so that every log line and
// every error body carries the same request id.
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
	requestIDHeader = "X-Request-ID"

	ctxRequestID = "slimchat.request_id"
	ctxLogger    = "slimchat.logger"

	maxQueryLog = 512
)

// requestIDRE accepts ids a UI might mint itself. Anything else is replaced.
var requestIDRE = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,64}$`)

// RequestID reuses a well-formed X-Request-ID from the client or mints a
// UUID, and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !requestIDRE.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(ctxRequestID, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the request's correlation id, or "" before RequestID
// ran.
func RequestIDFrom(c *gin.Context) string {
	if rid := c.GetString(ctxRequestID); rid != "" {
		return rid
	}
	return c.Writer.Header().Get(requestIDHeader)
}

// AccessLogOptions tunes AccessLog.
type AccessLogOptions struct {
	// Redactor scrubs the logged query string and adds scrubbed request
	// headers to each line. Nil logs the query unmodified and no headers.
	Redactor *Redactor
	// Quiet routes log successful requests at debug level. Health checks and
	// metric scrapes would otherwise drown the log.
	Quiet []string
	// Streams are long-lived routes. They log when opened and when closed.
	Streams []string
}

// AccessLog writes one structured line per request and attaches a
// request-scoped logger for LoggerFrom. Level follows the outcome: error for
// 5xx or recorded gin errors, warn for 4xx, info (debug on quiet routes)
// otherwise.
func AccessLog(opts AccessLogOptions) gin.HandlerFunc {
	quiet := stringSet(opts.Quiet)
	streams := stringSet(opts.Streams)

	return func(c *gin.Context) {
		start := time.Now()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		query := truncate(c.Request.URL.RawQuery, maxQueryLog)
		if opts.Redactor != nil {
			query = opts.Redactor.Scrub(query)
		}

		lc := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("route", route)
		if id := c.Param("id"); id != "" {
			lc = lc.Str("identity_id", id)
		}
		if id := c.Param("contactID"); id != "" {
			lc = lc.Str("contact_id", id)
		}
		if client := clientID(c); client != "" {
			lc = lc.Str("client", client)
		}
		l := lc.Logger()
		c.Set(ctxLogger, &l)

		_, stream := streams[route]
		if stream {
			l.Info().Str("remote_ip", c.ClientIP()).Msg("stream opened")
		}

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0, status >= http.StatusInternalServerError:
			ev = l.Error()
		case status >= http.StatusBadRequest:
			ev = l.Warn()
		default:
			if _, q := quiet[route]; q {
				ev = l.Debug()
			} else {
				ev = l.Info()
			}
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		if query != "" {
			ev = ev.Str("query", query)
		}
		if opts.Redactor != nil {
			ev = ev.Interface("headers", opts.Redactor.Headers(c.Request.Header))
		}
		msg := "request"
		if stream {
			msg = "stream closed"
		}
		ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Int("bytes_out", max(c.Writer.Size(), 0)).
			Str("remote_ip", c.ClientIP()).
			Msg(msg)
	}
}

// Recovery turns a panic into a logged stack trace and, when nothing was
// written yet, the standard JSON error envelope with status 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")
			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one tagged
// with the request id when AccessLog did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(ctxLogger); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Str("request_id", RequestIDFrom(c)).Logger()
	return &l
}

// WithLogger installs l as the request-scoped logger.
func WithLogger(c *gin.Context, l *zerolog.Logger) {
	c.Set(ctxLogger, l)
}

// clientID is the trimmed X-Client-ID header, capped at 64 bytes.
func clientID(c *gin.Context) string {
	return truncate(strings.TrimSpace(c.GetHeader(HeaderClientID)), 64)
}

func stringSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}

// truncate cuts s to n bytes. n <= 0 disables the cap.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
