package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "liveroom-backend/pkg/errors"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/response"
)

// Timeout bounds the request context. Handlers that observe the deadline
// and return without writing get a 504.
func Timeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		logger.Warn("Request timed out",
			zap.Duration("timeout", timeout),
			zap.Duration("duration", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))

		if !c.Writer.Written() {
			response.FromError(c, apperrors.NewWithStatus(apperrors.ErrCodeServiceUnavail, "Request timeout", http.StatusGatewayTimeout))
			c.Abort()
		}
	}
}
