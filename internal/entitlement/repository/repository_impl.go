package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantor/internal/entitlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const activeJoin = `JOIN subscriptions s ON s.id = e.subscription_id
	 AND s.status IN ('active', 'trialing')`

const activeColumns = `e.id, e.org_id, e.customer_id, e.subscription_id, e.feature_key,
	 e.value, e.value_type, e.expires_at, e.created_at, e.updated_at`

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}, {Name: "feature_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_id", "value", "value_type", "expires_at", "updated_at",
		}),
	}).Create(entitlement).Error
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (*domain.Entitlement, error) {
	return r.findActive(ctx, db, orgID, customerID, featureKey, now, false)
}

func (r *repo) FindActiveForUpdate(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (*domain.Entitlement, error) {
	return r.findActive(ctx, db, orgID, customerID, featureKey, now, true)
}

func (r *repo) findActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time, lock bool) (*domain.Entitlement, error) {
	query := `SELECT ` + activeColumns + `
	 FROM entitlements e
	 ` + activeJoin + `
	 WHERE e.org_id = ? AND e.customer_id = ? AND e.feature_key = ?
	   AND (e.expires_at IS NULL OR e.expires_at > ?)
	 ORDER BY e.created_at DESC
	 LIMIT 1`
	if lock && db.Dialector.Name() != "sqlite" {
		// sqlite serializes writers already; FOR UPDATE is a syntax error there.
		query += " FOR UPDATE OF e"
	}

	var entitlement domain.Entitlement
	err := db.WithContext(ctx).Raw(query, orgID, customerID, featureKey, now).Scan(&entitlement).Error
	if err != nil {
		return nil, err
	}
	if entitlement.ID == 0 {
		return nil, nil
	}
	return &entitlement, nil
}

func (r *repo) FindActiveMany(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKeys []string, now time.Time) ([]domain.Entitlement, error) {
	if len(featureKeys) == 0 {
		return nil, nil
	}
	var entitlements []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+activeColumns+`
		 FROM entitlements e
		 `+activeJoin+`
		 WHERE e.org_id = ? AND e.customer_id = ? AND e.feature_key IN ?
		   AND (e.expires_at IS NULL OR e.expires_at > ?)
		 ORDER BY e.created_at DESC`,
		orgID, customerID, featureKeys, now,
	).Scan(&entitlements).Error
	if err != nil {
		return nil, err
	}
	return entitlements, nil
}

func (r *repo) FindAllActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, now time.Time) ([]domain.Entitlement, error) {
	var entitlements []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT `+activeColumns+`
		 FROM entitlements e
		 `+activeJoin+`
		 WHERE e.org_id = ? AND e.customer_id = ?
		   AND (e.expires_at IS NULL OR e.expires_at > ?)
		 ORDER BY e.feature_key ASC`,
		orgID, customerID, now,
	).Scan(&entitlements).Error
	if err != nil {
		return nil, err
	}
	return entitlements, nil
}

func (r *repo) FindBySubscriptionFeature(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, featureKey string) (*domain.Entitlement, error) {
	var entitlement domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, customer_id, subscription_id, feature_key, value, value_type, expires_at, created_at, updated_at
		 FROM entitlements
		 WHERE org_id = ? AND subscription_id = ? AND feature_key = ?`,
		orgID, subscriptionID, featureKey,
	).Scan(&entitlement).Error
	if err != nil {
		return nil, err
	}
	if entitlement.ID == 0 {
		return nil, nil
	}
	return &entitlement, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]domain.Entitlement, error) {
	var entitlements []domain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, customer_id, subscription_id, feature_key, value, value_type, expires_at, created_at, updated_at
		 FROM entitlements
		 WHERE org_id = ? AND subscription_id = ?
		 ORDER BY feature_key ASC`,
		orgID, subscriptionID,
	).Scan(&entitlements).Error
	if err != nil {
		return nil, err
	}
	return entitlements, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, featureKey string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM entitlements WHERE org_id = ? AND subscription_id = ? AND feature_key = ?`,
		orgID, subscriptionID, featureKey,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM entitlements WHERE org_id = ? AND subscription_id = ?`,
		orgID, subscriptionID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) UpdateExpiration(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, expiresAt *time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE entitlements SET expires_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_id = ? AND subscription_id = ?`,
		expiresAt, orgID, subscriptionID,
	)
	return result.RowsAffected, result.Error
}
