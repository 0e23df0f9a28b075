package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	seatdomain "github.com/smallbiznis/grantor/internal/seat/domain"
)

func (s *Server) AssignSeat(c *gin.Context) {
	var req seatdomain.AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	assignment, err := s.seatsvc.Assign(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordSeatMetric(c, "assign")
	c.JSON(http.StatusOK, gin.H{"data": assignment})
}

type unassignSeatRequest struct {
	CustomerID string `json:"customer_id"`
	FeatureKey string `json:"feature_key"`
	UserID     string `json:"user_id"`
}

func (s *Server) UnassignSeat(c *gin.Context) {
	var req unassignSeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.seatsvc.Unassign(c.Request.Context(), strings.TrimSpace(req.CustomerID), strings.TrimSpace(req.FeatureKey), strings.TrimSpace(req.UserID)); err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordSeatMetric(c, "unassign")
	c.JSON(http.StatusOK, gin.H{"status": "unassigned"})
}

func (s *Server) UnassignSeatByID(c *gin.Context) {
	assignmentID := strings.TrimSpace(c.Param("id"))

	if err := s.seatsvc.UnassignByID(c.Request.Context(), assignmentID); err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordSeatMetric(c, "unassign")
	c.JSON(http.StatusOK, gin.H{"status": "unassigned"})
}

func (s *Server) BulkAssignSeats(c *gin.Context) {
	var req seatdomain.BulkAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.seatsvc.BulkAssign(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordSeatMetric(c, "bulk_assign")
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) BulkUnassignSeats(c *gin.Context) {
	var req seatdomain.BulkUnassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.seatsvc.BulkUnassign(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordSeatMetric(c, "bulk_unassign")
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) TransferSeat(c *gin.Context) {
	var req seatdomain.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	assignment, err := s.seatsvc.Transfer(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordSeatMetric(c, "transfer")
	c.JSON(http.StatusOK, gin.H{"data": assignment})
}

func (s *Server) ListCustomerSeats(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	featureKey := strings.TrimSpace(c.Query("feature_key"))

	assignments, err := s.seatsvc.Assignments(c.Request.Context(), customerID, featureKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": assignments})
}

// GetSeatUsage reports occupancy for one feature when feature_key is set,
// otherwise for every seat-bearing feature the customer holds.
func (s *Server) GetSeatUsage(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	featureKey := strings.TrimSpace(c.Query("feature_key"))

	if featureKey != "" {
		usage, err := s.seatsvc.Usage(c.Request.Context(), customerID, featureKey)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": usage})
		return
	}

	usage, err := s.seatsvc.AllUsage(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usage})
}

func (s *Server) RevokeAllSeats(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	featureKey := strings.TrimSpace(c.Query("feature_key"))

	revoked, err := s.seatsvc.RevokeAll(c.Request.Context(), customerID, featureKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordSeatMetric(c, "revoke_all")
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"revoked": revoked}})
}

func (s *Server) recordSeatMetric(c *gin.Context, operation string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordSeatOperation(c.Request.Context(), operation)
}
