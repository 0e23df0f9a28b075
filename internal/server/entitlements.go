package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
)

type checkEntitlementRequest struct {
	CustomerID string `json:"customer_id"`
	FeatureKey string `json:"feature_key"`
}

func (s *Server) CheckEntitlement(c *gin.Context) {
	var req checkEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	check, err := s.entitlementsvc.Check(c.Request.Context(), strings.TrimSpace(req.CustomerID), strings.TrimSpace(req.FeatureKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": check})
}

type checkEntitlementBatchRequest struct {
	CustomerID  string   `json:"customer_id"`
	FeatureKeys []string `json:"feature_keys"`
}

func (s *Server) CheckEntitlementBatch(c *gin.Context) {
	var req checkEntitlementBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	checks, err := s.entitlementsvc.CheckMany(c.Request.Context(), strings.TrimSpace(req.CustomerID), req.FeatureKeys)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": checks})
}

func (s *Server) ListCustomerEntitlements(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))

	resp, err := s.entitlementsvc.CustomerEntitlements(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GrantEntitlement(c *gin.Context) {
	var req entitlementdomain.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entitlement, err := s.entitlementsvc.Grant(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entitlement})
}

func (s *Server) RevokeEntitlement(c *gin.Context) {
	var req entitlementdomain.RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.entitlementsvc.Revoke(c.Request.Context(), req); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (s *Server) RevokeSubscriptionEntitlements(c *gin.Context) {
	subscriptionID := strings.TrimSpace(c.Param("id"))

	revoked, err := s.entitlementsvc.RevokeAllForSubscription(c.Request.Context(), subscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"revoked": revoked}})
}

type refreshExpirationRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) RefreshEntitlementExpiration(c *gin.Context) {
	subscriptionID := strings.TrimSpace(c.Param("id"))

	var req refreshExpirationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	updated, err := s.entitlementsvc.RefreshExpiration(c.Request.Context(), subscriptionID, req.ExpiresAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"updated": updated}})
}
