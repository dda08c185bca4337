package server

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// AdminRequired guards operator routes with the configured admin token. An
// unset token closes the routes entirely.
func (s *Server) AdminRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.AdminToken)
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if expected == "" || !strings.HasPrefix(header, bearerPrefix) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// WebhookRateLimit throttles deliveries per provider and client address.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := strings.TrimSpace(c.Param("provider"))
		c.Set("webhook_provider", provider)
		if s.limiter == nil {
			c.Next()
			return
		}

		res, err := s.limiter.Allow(c.Request.Context(), provider, c.ClientIP())
		if err != nil {
			s.log.Warn("webhook rate limit check failed", zap.String("provider", provider), zap.Error(err))
			c.Next()
			return
		}
		endpoint := c.FullPath()
		if !res.Allowed {
			s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), provider, endpoint, "limit_exceeded")
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
				Type:    "rate_limited",
				Message: "too many requests",
			}})
			return
		}
		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), provider, endpoint)
		c.Next()
	}
}
