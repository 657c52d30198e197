package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogging tags every request with an id and logs its lifecycle.
// The id rides the context into the dispatcher so method logs correlate
// with the transport logs.
func RequestLogging(logger *Logger) gin.HandlerFunc {
	httpLog := logger.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()

		// Reuse the request ID from the request headers if present.
		requestID := c.Request.Header.Get("x-request-id")
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		ctx := WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", requestID)

		log := httpLog.WithContext(ctx)
		log.Debug("request started",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("remote_addr", c.ClientIP()),
		)

		c.Next()

		log.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.Int("response_size", c.Writer.Size()),
		)
	}
}
