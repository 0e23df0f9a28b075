package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type AssignRequest struct {
	CustomerID string         `json:"customer_id"`
	FeatureKey string         `json:"feature_key"`
	UserID     string         `json:"user_id"`
	UserEmail  string         `json:"user_email,omitempty"`
	UserName   string         `json:"user_name,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Usage reports seat occupancy for one feature, including who holds the
// seats. TotalSeats and AvailableSeats are nil for unlimited entitlements;
// a customer without access gets zero capacity, not an error.
type Usage struct {
	CustomerID     snowflake.ID `json:"customer_id"`
	FeatureKey     string       `json:"feature_key"`
	UsedSeats      int64        `json:"used_seats"`
	TotalSeats     *int64       `json:"total_seats,omitempty"`
	AvailableSeats *int64       `json:"available_seats,omitempty"`
	Unlimited      bool         `json:"unlimited"`
	Assignments    []Assignment `json:"assignments"`
}

type SeatUser struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`
	UserName  string `json:"user_name,omitempty"`
}

type BulkAssignRequest struct {
	CustomerID string     `json:"customer_id"`
	FeatureKey string     `json:"feature_key"`
	Users      []SeatUser `json:"users"`
}

type BulkUnassignRequest struct {
	CustomerID string   `json:"customer_id"`
	FeatureKey string   `json:"feature_key"`
	UserIDs    []string `json:"user_ids"`
}

// BulkError records why one user in a batch failed; the rest of the batch
// proceeds.
type BulkError struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type BulkAssignResult struct {
	Assigned []Assignment `json:"assigned"`
	Errors   []BulkError  `json:"errors,omitempty"`
}

type BulkUnassignResult struct {
	Removed []string    `json:"removed"`
	Errors  []BulkError `json:"errors,omitempty"`
}

type TransferRequest struct {
	CustomerID  string `json:"customer_id"`
	FeatureKey  string `json:"feature_key"`
	FromUserID  string `json:"from_user_id"`
	ToUserID    string `json:"to_user_id"`
	ToUserEmail string `json:"to_user_email,omitempty"`
	ToUserName  string `json:"to_user_name,omitempty"`
}

type Service interface {
	// Assign is idempotent: an existing active seat is returned unchanged.
	Assign(ctx context.Context, req AssignRequest) (*Assignment, error)
	Unassign(ctx context.Context, customerID, featureKey, userID string) error
	UnassignByID(ctx context.Context, assignmentID string) error
	HasSeat(ctx context.Context, customerID, featureKey, userID string) (bool, error)
	// Assignments lists active seats; featureKey may be empty for all.
	Assignments(ctx context.Context, customerID, featureKey string) ([]Assignment, error)
	Usage(ctx context.Context, customerID, featureKey string) (*Usage, error)
	AllUsage(ctx context.Context, customerID string) ([]Usage, error)
	BulkAssign(ctx context.Context, req BulkAssignRequest) (*BulkAssignResult, error)
	BulkUnassign(ctx context.Context, req BulkUnassignRequest) (*BulkUnassignResult, error)
	// Transfer moves a seat between users in one transaction, preserving
	// the expiry. No partial state survives a failure.
	Transfer(ctx context.Context, req TransferRequest) (*Assignment, error)
	// RevokeAll removes every active seat; featureKey may be empty for all.
	RevokeAll(ctx context.Context, customerID, featureKey string) (int64, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidCustomer      = errors.New("invalid_customer")
	ErrInvalidFeatureKey    = errors.New("invalid_feature_key")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidAssignment    = errors.New("invalid_assignment")
	ErrNoEntitlementForSeat = errors.New("no_entitlement_for_seat")
	ErrSeatNotAssignable    = errors.New("seat_not_assignable")
	ErrNoSeatsAvailable     = errors.New("no_seats_available")
	ErrSeatAlreadyAssigned  = errors.New("seat_already_assigned")
	ErrSeatNotFound         = errors.New("seat_not_found")
)
