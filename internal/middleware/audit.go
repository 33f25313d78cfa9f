// audit.go provides Gin middleware that records every completed write
// operation to the audit trail. Read operations (GET) and CORS preflights are
// not recorded; neither is the trail itself queried through it, so the
// middleware cannot recurse.
package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/domestica-portal/domestica-portal/internal/audit"
)

// UserHeader carries the acting user's identifier, set by the portal frontend.
// Requests without it are recorded as "anonimo".
const UserHeader = "X-Usuario"

// AuditMiddleware returns a Gin handler that records write operations after
// the handler chain completes. Recording is best-effort by the audit
// service's own contract and never fails the request.
func AuditMiddleware(audits *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		method := c.Request.Method
		if method == "GET" || method == "OPTIONS" || method == "HEAD" {
			return
		}

		user := c.GetHeader(UserHeader)
		if user == "" {
			user = "anonimo"
		}

		result := audit.ResultSuccess
		if c.Writer.Status() >= 400 {
			result = audit.ResultError
		}

		audits.LogAction(c.Request.Context(), audit.Entry{
			User:       user,
			Action:     fmt.Sprintf("%s %s", method, c.Request.URL.Path),
			Resource:   resourceFromPath(c.Request.URL.Path),
			Details:    map[string]interface{}{"statusCode": c.Writer.Status()},
			Result:     result,
			DurationMS: time.Since(start).Milliseconds(),
			IP:         c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			SessionID:  c.GetString(RequestIDKey),
		})
	}
}

// resourceFromPath maps an API path to its audit resource category.
func resourceFromPath(path string) string {
	switch {
	case strings.Contains(path, "/auditoria"):
		return "auditoria"
	case strings.Contains(path, "/backups"):
		return "backup"
	case strings.Contains(path, "/webhooks"):
		return "webhook"
	case strings.Contains(path, "/eventos"):
		return "esocial"
	default:
		return "api"
	}
}
