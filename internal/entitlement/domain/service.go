package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Check is the resolver's answer for a single (customer, feature) pair.
// Absence of an active entitlement is a first-class HasAccess=false result,
// not an error, so negative answers are cacheable too.
type Check struct {
	FeatureKey     string       `json:"feature_key"`
	HasAccess      bool         `json:"has_access"`
	Value          *Value       `json:"value,omitempty"`
	ValueType      ValueType    `json:"value_type,omitempty"`
	EntitlementID  snowflake.ID `json:"entitlement_id,omitempty"`
	SubscriptionID snowflake.ID `json:"subscription_id,omitempty"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
}

// CustomerEntitlements lists everything a customer currently holds.
type CustomerEntitlements struct {
	CustomerID      snowflake.ID   `json:"customer_id"`
	Entitlements    []Entitlement  `json:"entitlements"`
	SubscriptionIDs []snowflake.ID `json:"subscription_ids"`
}

type GrantRequest struct {
	CustomerID     string     `json:"customer_id"`
	SubscriptionID string     `json:"subscription_id"`
	FeatureKey     string     `json:"feature_key"`
	Value          string     `json:"value"`
	ValueType      string     `json:"value_type"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type RevokeRequest struct {
	SubscriptionID string `json:"subscription_id"`
	FeatureKey     string `json:"feature_key"`
}

type Service interface {
	Check(ctx context.Context, customerID, featureKey string) (*Check, error)
	CheckMany(ctx context.Context, customerID string, featureKeys []string) ([]Check, error)
	CustomerEntitlements(ctx context.Context, customerID string) (*CustomerEntitlements, error)
	Grant(ctx context.Context, req GrantRequest) (*Entitlement, error)
	Revoke(ctx context.Context, req RevokeRequest) error
	RevokeAllForSubscription(ctx context.Context, subscriptionID string) (int64, error)
	RefreshExpiration(ctx context.Context, subscriptionID string, expiresAt *time.Time) (int64, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidFeatureKey   = errors.New("invalid_feature_key")
	ErrInvalidValue        = errors.New("invalid_value")
	ErrInvalidValueType    = errors.New("invalid_value_type")
	ErrCustomerNotFound    = errors.New("customer_not_found")
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
)
