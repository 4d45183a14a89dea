package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebhookRateLimit throttles webhook deliveries per provider. A redis
// failure lets the request through.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Enabled() {
			c.Next()
			return
		}

		provider := strings.TrimSpace(c.Param("provider"))
		allowed, err := s.webhookLimiter.AllowProvider(c.Request.Context(), provider)
		if err != nil {
			s.log.Warn("webhook rate limit check failed",
				zap.String("provider", provider),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if !allowed {
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
