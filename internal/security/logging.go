package security

import (
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs each HTTP request once it completes. Paths in
// skipPaths pass through silently. Live streams are logged when they close,
// so their duration is the lifetime of the subscription.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		kv := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"user", c.GetString(ContextKeyUserID),
			"client", c.GetString(ContextKeyClientID),
			"clientIP", c.ClientIP(),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("HTTP request", kv...)
			return
		}
		log.Info("HTTP request", kv...)
	}
}

// AdminAuditMiddleware records admin routes and message archival with the
// caller identity, whether or not they succeeded.
func AdminAuditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		path := c.Request.URL.Path
		archive := c.Request.Method == http.MethodDelete && strings.Contains(path, "/messages/")
		if !strings.HasPrefix(path, "/v1/admin") && !archive {
			return
		}
		log.Info("Audit",
			"caller", c.GetString(ContextKeyUserID),
			"admin", IsAdmin(c),
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"clientIP", c.ClientIP(),
		)
	}
}
