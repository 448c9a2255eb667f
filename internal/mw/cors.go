package mw

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// ParseOrigins splits a comma separated ALLOWED_ORIGINS value.
func ParseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// OriginAllowed decides whether a browser origin may talk to this server.
// dev allows everything; otherwise the origin must be listed or share the
// request host.
func OriginAllowed(env string, allowed []string, origin, host string) bool {
	if origin == "" || env == "dev" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

// CheckOrigin adapts OriginAllowed for the websocket upgrader.
func CheckOrigin(env string, allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return OriginAllowed(env, allowed, r.Header.Get("Origin"), r.Host)
	}
}

// CORS answers preflight requests and echoes allowed origins.
func CORS(env string, allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if OriginAllowed(env, allowed, origin, c.Request.Host) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
