package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/grantor/internal/customer/domain"
	enforcementdomain "github.com/smallbiznis/grantor/internal/enforcement/domain"
	featuredomain "github.com/smallbiznis/grantor/internal/feature/domain"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	"github.com/smallbiznis/grantor/internal/providers/pdf"
)

// GetUsageReportPDF renders the customer's current usage position as a
// downloadable PDF.
func (s *Server) GetUsageReportPDF(c *gin.Context) {
	ctx := c.Request.Context()
	customerID := strings.TrimSpace(c.Param("customer_id"))

	customer, err := s.customersvc.GetByID(ctx, customerdomain.GetCustomerRequest{ID: customerID})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.enforcementsvc.UsageSummary(ctx, customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	orgName := ""
	if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok && orgID != 0 {
		if org, err := s.organizationvc.GetByID(ctx, orgID.String()); err == nil && org != nil {
			orgName = org.Name
		}
	}

	featureNames := s.featureNamesByCode(c)

	period := ""
	if subscription, err := s.subscriptionvc.GetActiveByCustomerID(ctx, customerID); err == nil {
		if subscription.CurrentPeriodStart != nil && subscription.CurrentPeriodEnd != nil {
			period = fmt.Sprintf("%s to %s",
				subscription.CurrentPeriodStart.UTC().Format(dateOnlyLayout),
				subscription.CurrentPeriodEnd.UTC().Format(dateOnlyLayout),
			)
		}
	}

	data := pdf.UsageReportData{
		OrgName:       orgName,
		CustomerName:  customer.Name,
		CustomerEmail: customer.Email,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Period:        period,
		Items:         usageReportItems(summary, featureNames),
	}

	report, err := s.pdfProvider.GenerateUsageReport(ctx, data)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "usage-report-"+customerID+".pdf"))
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, report)
}

func (s *Server) featureNamesByCode(c *gin.Context) map[string]string {
	features, err := s.featuresvc.List(c.Request.Context(), featuredomain.ListRequest{})
	if err != nil {
		return nil
	}
	names := make(map[string]string, len(features))
	for _, feature := range features {
		names[feature.Code] = feature.Name
	}
	return names
}

func usageReportItems(summary []enforcementdomain.FeatureUsage, featureNames map[string]string) []pdf.UsageReportItem {
	items := make([]pdf.UsageReportItem, 0, len(summary))
	for _, row := range summary {
		name := featureNames[row.FeatureKey]
		if name == "" {
			name = row.FeatureKey
		}

		item := pdf.UsageReportItem{
			FeatureName: name,
			FeatureKey:  row.FeatureKey,
			Kind:        string(row.ValueType),
			Used:        formatQuantity(row.CurrentUsage),
			Limit:       "unlimited",
			Remaining:   "unlimited",
			Status:      "ok",
		}
		if !row.Unlimited && row.Limit != nil {
			item.Limit = formatQuantity(*row.Limit)
			if row.Remaining != nil {
				item.Remaining = formatQuantity(*row.Remaining)
				if *row.Remaining <= 0 {
					item.Status = "exhausted"
				}
			}
		}
		items = append(items, item)
	}
	return items
}

func formatQuantity(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
