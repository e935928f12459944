package logging

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey int

const requestIDKey contextKey = 0

// WithRequestID assigns a correlation ID to each request, propagated via
// gin's context and the request's context.Context, and surfaced to the
// client as X-Request-ID so reports can be matched to a log line without
// ever needing to log the request body.
func WithRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(c.Request.Context(), requestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// RequestID extracts the correlation ID stashed by WithRequestID, or "" if
// none is present (e.g. a background job outside any request).
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Printf logs a line prefixed with the request ID when ctx carries one.
// Minimal by design - matches the teacher's unadorned log.Printf style
// rather than introducing a structured-logging library the pack never uses.
func Printf(ctx context.Context, format string, args ...interface{}) {
	if id := RequestID(ctx); id != "" {
		log.Printf("["+id+"] "+format, args...)
		return
	}
	log.Printf(format, args...)
}
