package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	enforcementdomain "github.com/smallbiznis/grantor/internal/enforcement/domain"
	"github.com/smallbiznis/grantor/internal/observability/logger"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	"go.uber.org/zap"
)

type enforceRequest struct {
	CustomerID   string  `json:"customer_id"`
	FeatureKey   string  `json:"feature_key"`
	Soft         bool    `json:"soft"`
	IncrementBy  float64 `json:"increment_by"`
	ErrorMessage string  `json:"error_message"`
}

func (s *Server) Enforce(c *gin.Context) {
	var req enforceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.enforcementsvc.Enforce(c.Request.Context(), strings.TrimSpace(req.CustomerID), strings.TrimSpace(req.FeatureKey), enforcementdomain.Options{
		Soft:         req.Soft,
		IncrementBy:  req.IncrementBy,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordEnforceMetric(c, result)
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type enforceBatchRequest struct {
	CustomerID  string   `json:"customer_id"`
	FeatureKeys []string `json:"feature_keys"`
	IncrementBy float64  `json:"increment_by"`
}

func (s *Server) EnforceBatch(c *gin.Context) {
	var req enforceBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	results, err := s.enforcementsvc.EnforceMany(c.Request.Context(), strings.TrimSpace(req.CustomerID), req.FeatureKeys, enforcementdomain.Options{
		IncrementBy: req.IncrementBy,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	for i := range results {
		s.recordEnforceMetric(c, &results[i])
	}
	c.JSON(http.StatusOK, gin.H{"data": results})
}

type enforceAndRecordRequest struct {
	CustomerID   string  `json:"customer_id"`
	FeatureKey   string  `json:"feature_key"`
	Soft         bool    `json:"soft"`
	IncrementBy  float64 `json:"increment_by"`
	ErrorMessage string  `json:"error_message"`
}

// EnforceAndRecord evaluates and, when allowed, writes the usage event in
// the same call. A short-lived per (customer, feature) lock keeps
// concurrent callers from double-spending the last units of a quota.
func (s *Server) EnforceAndRecord(c *gin.Context) {
	var req enforceAndRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	customerID := strings.TrimSpace(req.CustomerID)
	featureKey := strings.TrimSpace(req.FeatureKey)

	if s.enforceLimiter != nil && s.enforceLimiter.Enabled() {
		orgID, ok := orgcontext.OrgIDFromContext(ctx)
		if !ok || orgID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		token, acquired, err := s.enforceLimiter.TryLockCustomerFeature(ctx, orgID.String(), customerID, featureKey)
		if err != nil {
			logger.FromContext(ctx).Warn("enforce-and-record lock failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !acquired {
			c.Header("Retry-After", "1")
			AbortWithError(c, ErrRateLimited)
			return
		}
		defer func() {
			if err := s.enforceLimiter.ReleaseCustomerFeature(ctx, orgID.String(), customerID, featureKey, token); err != nil {
				logger.FromContext(ctx).Warn("enforce-and-record unlock failed", zap.Error(err))
			}
		}()
	}

	result, err := s.enforcementsvc.EnforceAndRecord(ctx, customerID, featureKey, enforcementdomain.Options{
		Soft:         req.Soft,
		IncrementBy:  req.IncrementBy,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordEnforceMetric(c, result)
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type recordUsageRequest struct {
	CustomerID     string  `json:"customer_id"`
	FeatureKey     string  `json:"feature_key"`
	Quantity       float64 `json:"quantity"`
	SubscriptionID string  `json:"subscription_id"`
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	event, err := s.enforcementsvc.RecordUsage(c.Request.Context(), strings.TrimSpace(req.CustomerID), strings.TrimSpace(req.FeatureKey), req.Quantity, strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": event})
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))

	summary, err := s.enforcementsvc.UsageSummary(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) recordEnforceMetric(c *gin.Context, result *enforcementdomain.Result) {
	if s.obsMetrics == nil || result == nil {
		return
	}
	outcome := "allowed"
	if !result.Allowed {
		outcome = "denied"
	}
	s.obsMetrics.RecordEnforceRequest(c.Request.Context(), result.FeatureKey, outcome)
}
