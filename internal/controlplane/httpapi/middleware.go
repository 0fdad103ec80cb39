package httpapi

import (
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
	"github.com/trinity-platform/orchestrator/internal/platform/logging"
)

// RequestLogger tags every request with an id and logs its outcome.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.NewString()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler maps a deferred gin error onto its apierr status, the last
// line of defense for errors a handler attached via c.Error instead of
// writing a response itself.
func ErrorHandler(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var appErr *apierr.Error
		if stderrors.As(err, &appErr) {
			log.Error("request error", zap.String("kind", string(appErr.Kind)), zap.Error(appErr))
			c.JSON(appErr.Kind.HTTPStatus(), gin.H{"kind": string(appErr.Kind), "message": appErr.Error()})
			return
		}

		log.Error("internal server error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"kind": string(apierr.Internal), "message": "an internal error occurred"})
	}
}

// Recovery recovers from a panic in a handler and returns a 500 instead of
// tearing down the server.
func Recovery(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"kind":    string(apierr.Internal),
					"message": "an internal error occurred",
				})
			}
		}()
		c.Next()
	}
}

// CORS allows the operator dashboard to call the control plane from a
// different origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Principal-ID, X-Principal-Role, X-Agent-Name, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimit is a basic per-process token bucket. Placeholder, same as the
// teacher's own: swap for a distributed limiter before running more than
// one control-plane replica.
func RateLimit(requestsPerSecond int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		tokens   = float64(requestsPerSecond)
		lastTime = time.Now()
	)

	return func(c *gin.Context) {
		mu.Lock()

		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()
		lastTime = now

		tokens += elapsed * float64(requestsPerSecond)
		if tokens > float64(requestsPerSecond) {
			tokens = float64(requestsPerSecond)
		}

		if tokens < 1 {
			mu.Unlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"kind":    string(apierr.RateLimited),
				"message": "too many requests, please try again later",
			})
			return
		}

		tokens--
		mu.Unlock()
		c.Next()
	}
}
