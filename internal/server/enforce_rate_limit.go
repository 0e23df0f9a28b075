package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grantor/internal/observability/logger"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	"go.uber.org/zap"
)

// EnforceRateLimit throttles entitlement checks and enforcement calls per
// organization. Denials carry Retry-After so well-behaved SDKs back off.
func (s *Server) EnforceRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.enforceLimiter == nil || !s.enforceLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		orgID, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok || orgID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		result, err := s.enforceLimiter.AllowOrg(ctx, orgID.String())
		if err != nil {
			logger.FromContext(ctx).Warn("enforce rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(ctx, orgID.String(), endpointForRateLimit(c), "org-rate")
			}
			logger.FromContext(ctx).Warn("enforce rate limit exceeded",
				zap.String("endpoint", endpointForRateLimit(c)),
			)
			AbortWithError(c, ErrRateLimited)
			return
		}

		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitAllowed(ctx, orgID.String(), endpointForRateLimit(c))
		}
		c.Next()
	}
}

func endpointForRateLimit(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	if endpoint := c.FullPath(); endpoint != "" {
		return endpoint
	}
	if c.Request != nil && c.Request.URL != nil && c.Request.URL.Path != "" {
		return c.Request.URL.Path
	}
	return "unknown"
}
