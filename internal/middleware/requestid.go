package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader propagates the request identifier to and from callers.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request ID string.
	RequestIDKey = "request_id"

	// maxInboundIDLen caps how much of a caller-supplied request ID is
	// accepted. Anything longer is replaced; the header is echoed into logs
	// and must not become an injection vector.
	maxInboundIDLen = 128
)

// RequestIDMiddleware tags every request with an identifier. An inbound
// X-Request-ID from an upstream gateway is reused so the ID stays stable
// across hops; otherwise a fresh UUID is minted. The ID is stored in the
// context for log correlation and echoed back in the response header.
//
// Register this before the logger so every log line carries the ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxInboundIDLen {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}

// RequestID returns the request's identifier, or "" outside the middleware.
func RequestID(c *gin.Context) string {
	if id, ok := c.Get(RequestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
