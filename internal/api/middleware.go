package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs every request with latency and status.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		s.logger.Info("request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    path,
			"status":  c.Writer.Status(),
			"latency": latency.String(),
			"client":  c.ClientIP(),
		})
		s.metrics.RecordDuration("http_request_duration", latency)
		s.metrics.IncrementCounterWithLabels("http_requests", 1, map[string]string{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
	}
}

// rateLimit rejects requests above the configured sustained rate.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			s.metrics.IncrementCounter("http_rate_limited", 1)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
