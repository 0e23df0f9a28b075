package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/grantor/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/grantor/internal/audit/domain"
	customerdomain "github.com/smallbiznis/grantor/internal/customer/domain"
	enforcementdomain "github.com/smallbiznis/grantor/internal/enforcement/domain"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/grantor/internal/feature/domain"
	organizationdomain "github.com/smallbiznis/grantor/internal/organization/domain"
	seatdomain "github.com/smallbiznis/grantor/internal/seat/domain"
	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/grantor/internal/usage/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, enforcementdomain.ErrLimitExceeded),
		errors.Is(err, enforcementdomain.ErrNoEntitlement),
		errors.Is(err, enforcementdomain.ErrFeatureDisabled):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: forbiddenMessage(err),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case isOrganizationValidationError(err),
		isCustomerValidationError(err),
		isFeatureValidationError(err),
		isSubscriptionValidationError(err),
		isEntitlementValidationError(err),
		isEnforcementValidationError(err),
		isSeatValidationError(err),
		isUsageValidationError(err),
		isAPIKeyValidationError(err),
		isAuditValidationError(err):
		return true
	default:
		return false
	}
}

func isOrganizationValidationError(err error) bool {
	return errors.Is(err, organizationdomain.ErrInvalidName) ||
		errors.Is(err, organizationdomain.ErrInvalidID) ||
		errors.Is(err, organizationdomain.ErrInvalidOrganization)
}

func isCustomerValidationError(err error) bool {
	return errors.Is(err, customerdomain.ErrInvalidOrganization) ||
		errors.Is(err, customerdomain.ErrInvalidName) ||
		errors.Is(err, customerdomain.ErrInvalidEmail) ||
		errors.Is(err, customerdomain.ErrInvalidID)
}

func isFeatureValidationError(err error) bool {
	return errors.Is(err, featuredomain.ErrInvalidOrganization) ||
		errors.Is(err, featuredomain.ErrInvalidCode) ||
		errors.Is(err, featuredomain.ErrInvalidName) ||
		errors.Is(err, featuredomain.ErrInvalidValueType) ||
		errors.Is(err, featuredomain.ErrInvalidID)
}

func isSubscriptionValidationError(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrInvalidOrganization) ||
		errors.Is(err, subscriptiondomain.ErrInvalidCustomer) ||
		errors.Is(err, subscriptiondomain.ErrInvalidID) ||
		errors.Is(err, subscriptiondomain.ErrInvalidStatus) ||
		errors.Is(err, subscriptiondomain.ErrInvalidPeriod)
}

func isEntitlementValidationError(err error) bool {
	return errors.Is(err, entitlementdomain.ErrInvalidOrganization) ||
		errors.Is(err, entitlementdomain.ErrInvalidCustomer) ||
		errors.Is(err, entitlementdomain.ErrInvalidSubscription) ||
		errors.Is(err, entitlementdomain.ErrInvalidFeatureKey) ||
		errors.Is(err, entitlementdomain.ErrInvalidValue) ||
		errors.Is(err, entitlementdomain.ErrInvalidValueType)
}

func isEnforcementValidationError(err error) bool {
	return errors.Is(err, enforcementdomain.ErrInvalidQuantity) ||
		errors.Is(err, enforcementdomain.ErrInvalidCustomer) ||
		errors.Is(err, enforcementdomain.ErrInvalidFeatureKey)
}

func isSeatValidationError(err error) bool {
	return errors.Is(err, seatdomain.ErrInvalidOrganization) ||
		errors.Is(err, seatdomain.ErrInvalidCustomer) ||
		errors.Is(err, seatdomain.ErrInvalidFeatureKey) ||
		errors.Is(err, seatdomain.ErrInvalidUser) ||
		errors.Is(err, seatdomain.ErrInvalidAssignment) ||
		errors.Is(err, seatdomain.ErrNoEntitlementForSeat) ||
		errors.Is(err, seatdomain.ErrSeatNotAssignable)
}

func isUsageValidationError(err error) bool {
	return errors.Is(err, usagedomain.ErrInvalidOrganization) ||
		errors.Is(err, usagedomain.ErrInvalidCustomer) ||
		errors.Is(err, usagedomain.ErrInvalidFeatureKey) ||
		errors.Is(err, usagedomain.ErrInvalidQuantity) ||
		errors.Is(err, usagedomain.ErrInvalidSubscription) ||
		errors.Is(err, usagedomain.ErrInvalidWindow)
}

func isAPIKeyValidationError(err error) bool {
	return errors.Is(err, apikeydomain.ErrInvalidOrganization) ||
		errors.Is(err, apikeydomain.ErrInvalidName) ||
		errors.Is(err, apikeydomain.ErrInvalidKeyID)
}

func isAuditValidationError(err error) bool {
	return errors.Is(err, auditdomain.ErrInvalidOrganization) ||
		errors.Is(err, auditdomain.ErrInvalidPageToken) ||
		errors.Is(err, auditdomain.ErrInvalidTimeRange) ||
		errors.Is(err, auditdomain.ErrInvalidAction)
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, seatdomain.ErrNoSeatsAvailable),
		errors.Is(err, seatdomain.ErrSeatAlreadyAssigned),
		errors.Is(err, subscriptiondomain.ErrAlreadyCanceled):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, featuredomain.ErrNotFound),
		errors.Is(err, organizationdomain.ErrNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, entitlementdomain.ErrCustomerNotFound),
		errors.Is(err, entitlementdomain.ErrEntitlementNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, seatdomain.ErrSeatNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func forbiddenMessage(err error) string {
	switch {
	case errors.Is(err, enforcementdomain.ErrLimitExceeded):
		return "usage limit exceeded"
	case errors.Is(err, enforcementdomain.ErrNoEntitlement):
		return "no entitlement for feature"
	case errors.Is(err, enforcementdomain.ErrFeatureDisabled):
		return "feature is disabled"
	default:
		return "forbidden"
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, seatdomain.ErrNoSeatsAvailable):
		return "no seats available"
	case errors.Is(err, seatdomain.ErrSeatAlreadyAssigned):
		return "seat already assigned"
	case errors.Is(err, subscriptiondomain.ErrAlreadyCanceled):
		return "subscription already canceled"
	default:
		return "conflict"
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog maps an error to the (type, code) pair attached to
// request logs, mirroring the HTTP mapping without the payload shaping.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if vErr := asValidationErrors(err); vErr != nil {
		if len(vErr.Errors) > 0 {
			return "validation_error", vErr.Errors[0].Code
		}
		return "validation_error", ""
	}
	if isValidationError(err) {
		return "validation_error", validationErrorCode(err)
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized", "unauthorized"
	case errors.Is(err, ErrForbidden),
		errors.Is(err, enforcementdomain.ErrLimitExceeded),
		errors.Is(err, enforcementdomain.ErrNoEntitlement),
		errors.Is(err, enforcementdomain.ErrFeatureDisabled):
		return "forbidden", err.Error()
	case isConflictError(err):
		return "conflict", err.Error()
	case isNotFoundError(err):
		return "not_found", err.Error()
	case errors.Is(err, ErrRateLimited):
		return "rate_limited", "rate_limited"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable", "service_unavailable"
	default:
		return "internal_error", "internal_error"
	}
}
