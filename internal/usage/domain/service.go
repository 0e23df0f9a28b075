package domain

import (
	"context"
	"errors"
	"time"
)

type IngestRequest struct {
	CustomerID     string     `json:"customer_id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	FeatureKey     string     `json:"feature_key"`
	Quantity       float64    `json:"quantity"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	RecordedAt     *time.Time `json:"recorded_at,omitempty"`
}

type Service interface {
	// Ingest appends one usage event. Replays with the same idempotency
	// key return the stored event unchanged.
	Ingest(ctx context.Context, req IngestRequest) (*UsageEvent, error)
	// WindowTotal sums quantities for (customer, feature) with
	// start <= recorded_at < end.
	WindowTotal(ctx context.Context, customerID, featureKey string, start, end time.Time) (float64, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidFeatureKey   = errors.New("invalid_feature_key")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidWindow       = errors.New("invalid_window")
)
