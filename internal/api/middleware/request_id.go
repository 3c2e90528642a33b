package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the correlation ID in both directions.
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the gin context key; response.GetRequestID reads the same key.
	RequestIDKey = "request_id"
	// MaxRequestIDLength bounds client IDs, which end up in stored event metadata.
	MaxRequestIDLength = 128
)

// RequestID tags every request with a correlation ID. A client-supplied
// X-Request-ID is kept only when it is a short printable token; anything else
// is replaced with a fresh UUID so junk never reaches the ledger.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)

		c.Next()
	}
}

// RequestIDFrom returns the ID assigned by RequestID, or false when the
// middleware did not run for this request.
func RequestIDFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(RequestIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func validRequestID(id string) bool {
	if id == "" || len(id) > MaxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}
	return true
}
