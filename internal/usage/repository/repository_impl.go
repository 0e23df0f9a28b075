package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantor/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.UsageEvent) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(event).Error
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*domain.UsageEvent, error) {
	var event domain.UsageEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, customer_id, subscription_id, feature_key, quantity, idempotency_key, recorded_at, created_at
		 FROM usage_events WHERE org_id = ? AND idempotency_key = ?`,
		orgID,
		key,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) WindowTotal(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, start, end time.Time) (float64, error) {
	var total float64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM usage_events
		 WHERE org_id = ? AND customer_id = ? AND feature_key = ?
		   AND recorded_at >= ? AND recorded_at < ?`,
		orgID, customerID, featureKey, start, end,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
