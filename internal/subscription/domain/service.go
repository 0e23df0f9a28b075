package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/grantor/pkg/db/pagination"
)

type CreateSubscriptionRequest struct {
	CustomerID         string     `json:"customer_id"`
	Status             string     `json:"status"`
	StartAt            *time.Time `json:"start_at,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
}

type ListSubscriptionRequest struct {
	pagination.Pagination
	CustomerID string
	Status     string
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

// CancelResult reports what the cancel swept along with the status change.
type CancelResult struct {
	Subscription        Subscription `json:"subscription"`
	EntitlementsRevoked int64        `json:"entitlements_revoked"`
	SeatsRevoked        int64        `json:"seats_revoked"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	GetByID(ctx context.Context, id string) (Subscription, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
	// GetActiveByCustomerID returns the most recently started
	// active/trialing subscription for the customer.
	GetActiveByCustomerID(ctx context.Context, customerID string) (Subscription, error)
	// Cancel marks the subscription canceled and revokes every entitlement
	// and seat assignment it granted.
	Cancel(ctx context.Context, id string) (CancelResult, error)
	// SetCurrentPeriod moves the usage window, typically on renewal.
	SetCurrentPeriod(ctx context.Context, id string, start, end time.Time) (Subscription, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidCustomer      = errors.New("invalid_customer")
	ErrInvalidID            = errors.New("invalid_id")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrAlreadyCanceled      = errors.New("subscription_already_canceled")
)
