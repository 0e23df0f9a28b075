package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the entitlement store accessor. Methods take the db handle
// so services control transaction scope; "active" always means the owning
// subscription is active/trialing and expires_at has not passed at now.
type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, entitlement *Entitlement) error
	FindActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (*Entitlement, error)
	// FindActiveForUpdate locks the granting row for the duration of the
	// surrounding transaction. Seat capacity checks serialize on it.
	FindActiveForUpdate(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (*Entitlement, error)
	FindActiveMany(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKeys []string, now time.Time) ([]Entitlement, error)
	FindAllActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, now time.Time) ([]Entitlement, error)
	FindBySubscriptionFeature(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, featureKey string) (*Entitlement, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]Entitlement, error)
	Delete(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, featureKey string) (int64, error)
	DeleteBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) (int64, error)
	UpdateExpiration(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, expiresAt *time.Time) (int64, error)
}
