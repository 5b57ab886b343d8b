// Package httpapi assembles the control API: the middleware chain in front of
// every request and the route table that maps onto the handlers.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/941design/slim-chat/internal/config"
	"github.com/941design/slim-chat/internal/http/handlers"
	"github.com/941design/slim-chat/internal/http/middleware"
)

// maxBody bounds request bodies; profiles and messages are far smaller.
const maxBody = 1 << 20

// RegisterRoutes installs the middleware chain and mounts the API under
// cfg.APIBasePath. /health and /metrics stay at the root.
//
// Chain, outermost first: tracing, request id, access log, recovery, body
// cap, metrics, rate limit, CORS, security headers, gzip. The event stream
// is exempt from rate limiting and compression and is logged and counted as
// a stream.
func RegisterRoutes(r *gin.Engine, svc handlers.Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	events := joinPath(cfg.APIBasePath, "/events")

	r.Use(
		otelgin.Middleware(cfg.OTEL.ServiceName),
		middleware.RequestID(),
		middleware.AccessLog(accessLogOptions(cfg, events)),
		middleware.Recovery(),
		limitBody(maxBody),
		middleware.Metrics(events),
	)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(
		middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP()).
			Exempt(events).
			WriteCost(2).
			Handler(),
		corsMiddleware(cfg.CORS.AllowedOrigins),
		middleware.SecurityHeaders(middleware.SecurityOptions{
			EnableHSTS:   cfg.Security.EnableHSTS,
			HSTSMaxAge:   cfg.Security.HSTSMaxAge,
			NoStore:      true,
			EnablePolicy: true,
			AllowedHosts: cfg.Security.AllowedHosts,
		}),
		gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{events, "/metrics"})),
	)

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	mountAPI(groupWithPrefix(r, cfg.APIBasePath), handlers.New(svc))
}

func mountAPI(api *gin.RouterGroup, h *handlers.Handlers) {
	api.POST("/identities", h.CreateIdentity)
	api.GET("/identities", h.ListIdentities)

	identity := api.Group("/identities/:id")
	identity.GET("", h.GetIdentity)
	identity.PATCH("", h.RenameIdentity)
	identity.DELETE("", h.DeleteIdentity)
	identity.GET("/relays", h.GetRelays)
	identity.PUT("/relays", h.PutRelays)
	identity.PUT("/profile", h.SetProfile)
	identity.GET("/profile", h.GetProfile)
	identity.POST("/profile/send", h.SendProfile)
	identity.POST("/messages/:messageID/retry", h.RetryMessage)
	identity.POST("/contacts", h.AddContact)
	identity.GET("/contacts", h.ListContacts)

	contact := identity.Group("/contacts/:contactID")
	contact.DELETE("", h.RemoveContact)
	contact.PUT("/alias", h.SetContactAlias)
	contact.POST("/messages", h.SendMessage)
	contact.GET("/messages", h.ListMessages)
	contact.POST("/messages/read", h.MarkRead)

	api.POST("/profiles/:pubkey/discover", h.DiscoverProfile)
	api.POST("/sync/poll", h.Poll)
	api.POST("/sync/flush", h.Flush)
	api.GET("/relays", h.RelayStatus)
	api.GET("/events", h.Events)
}

func accessLogOptions(cfg config.Config, events string) middleware.AccessLogOptions {
	opts := middleware.AccessLogOptions{
		Quiet:   []string{"/health", "/metrics"},
		Streams: []string{events},
	}
	if cfg.LogRedact {
		opts.Redactor = middleware.NewRedactor("X-API-Key", "X-Nostr-Secret")
	}
	return opts
}

// corsMiddleware admits the listed origins, or any origin when the list is
// empty. Credentials are never allowed.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "If-Match", "If-None-Match", middleware.HeaderClientID},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// limitBody answers 413 up front for a declared oversize body and caps
// chunked bodies so later reads fail.
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > n {
			handlers.Fail(c, http.StatusRequestEntityTooLarge, handlers.ErrCodeBodyTooLarge,
				"request body exceeds "+strconv.FormatInt(n, 10)+" bytes")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// groupWithPrefix treats "" and "/" as the root group.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "/" {
		prefix = ""
	}
	return r.Group(prefix)
}

func joinPath(prefix, p string) string {
	if prefix == "/" {
		return p
	}
	return prefix + p
}
