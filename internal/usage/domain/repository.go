package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert appends the event; a duplicate (org_id, idempotency_key) is a
	// no-op, detectable by re-fetching the key.
	Insert(ctx context.Context, db *gorm.DB, event *UsageEvent) error
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*UsageEvent, error)
	WindowTotal(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, start, end time.Time) (float64, error)
}
