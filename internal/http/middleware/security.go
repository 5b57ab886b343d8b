// Response hardening for the control API. The API has no authentication and
// its responses carry decrypted messages and profiles, so SecurityHeaders
// pins the accepted Host names (browsers on other origins can otherwise reach
// a loopback listener through DNS rebinding) and keeps responses out of
// caches. HSTS stays opt-in for the rare deployment behind a TLS proxy.

package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
//
// AllowedHosts, when non-empty, lists the Host header names (without port)
// the API answers to. Anything else is rejected with 421.
type SecurityOptions struct {
	EnableHSTS   bool          // only when traffic is HTTPS end-to-end
	HSTSMaxAge   time.Duration // defaults to 180 days
	NoStore      bool          // Cache-Control: no-store
	EnablePolicy bool          // Permissions-Policy and friends
	AllowedHosts []string
}

// LoopbackHosts are the Host names of a listener bound to the local machine.
var LoopbackHosts = []string{"localhost", "127.0.0.1", "::1"}

// SecurityHeaders returns a Gin middleware that rejects foreign Host headers
// and sets:
//
//	X-Content-Type-Options: nosniff
//	X-Frame-Options: DENY
//	Referrer-Policy: no-referrer
//	Permissions-Policy, X-Permitted-Cross-Domain-Policies (EnablePolicy)
//	Cache-Control: no-store, Pragma, Expires (NoStore)
//	Strict-Transport-Security (EnableHSTS, HTTPS requests only)
//
// X-Request-ID is appended to Access-Control-Expose-Headers when present.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	var hosts map[string]struct{}
	if len(opt.AllowedHosts) > 0 {
		hosts = make(map[string]struct{}, len(opt.AllowedHosts))
		for _, h := range opt.AllowedHosts {
			hosts[strings.ToLower(strings.Trim(h, "[]"))] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()

		if hosts != nil {
			if _, ok := hosts[hostname(c.Request.Host)]; !ok {
				c.AbortWithStatusJSON(http.StatusMisdirectedRequest, gin.H{
					"request_id": RequestIDFrom(c),
					"code":       "unknown_host",
					"message":    "host not allowed",
				})
				return
			}
		}

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if rid := h.Get("X-Request-ID"); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			if cur == "" {
				h.Set(hdr, "X-Request-ID")
			} else if !strings.Contains(strings.ToLower(cur), "x-request-id") {
				h.Set(hdr, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

// hostname strips the port and IPv6 brackets from a Host header value.
func hostname(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

// isHTTPS reports whether the incoming request used HTTPS either directly
// (r.TLS != nil) or via a reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
