package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the seat store accessor. "Active" means expires_at IS NULL
// or later than now.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, assignment *Assignment) error
	FindActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey, userID string, now time.Time) (*Assignment, error)
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Assignment, error)
	ListActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) ([]Assignment, error)
	CountActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (int64, error)
	DeleteByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (int64, error)
	DeleteActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey, userID string, now time.Time) (int64, error)
	// DeleteAll removes active seats for the customer, optionally scoped
	// to one feature.
	DeleteAll(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (int64, error)
}
