package middleware

import (
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
)

// RequestLogger logs every request once it has been handled. Server errors
// log at error level, client errors at info and the rest at debug.
func RequestLogger(logger slog.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []slog.Field{
			slog.F("method", c.Request.Method),
			slog.F("path", c.FullPath()),
			slog.F("status", status),
			slog.F("latency_ms", time.Since(start).Milliseconds()),
			slog.F("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, slog.F("errors", c.Errors.String()))
		}

		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error(ctx, "request failed", fields...)
		case status >= http.StatusBadRequest:
			logger.Info(ctx, "request rejected", fields...)
		default:
			logger.Debug(ctx, "request", fields...)
		}
	}
}

// BodyLimit caps the request body at n bytes.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
