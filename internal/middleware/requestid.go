package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier between the portal and
	// its callers.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key the identifier is stored under.
	// The audit middleware and the request logger both read it from here.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware tags every request with an identifier. An inbound
// X-Request-ID (from the portal's ingress or a caller correlating a retry)
// is reused as-is; otherwise a fresh UUID v4 is minted. The value lands in
// the gin context under RequestIDKey and is echoed in the response header,
// which is how an audit trail entry gets matched to the log lines of the
// request that produced it.
//
// Must be registered before the logger and audit middleware or they log an
// empty identifier.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
