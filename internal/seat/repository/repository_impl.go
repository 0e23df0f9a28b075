package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantor/internal/seat/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const assignmentColumns = `id, org_id, customer_id, feature_key, user_id, user_email, user_name,
	 assigned_at, expires_at, metadata, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, assignment *domain.Assignment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO seat_assignments (
			id, org_id, customer_id, feature_key, user_id, user_email, user_name,
			assigned_at, expires_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		assignment.ID,
		assignment.OrgID,
		assignment.CustomerID,
		assignment.FeatureKey,
		assignment.UserID,
		assignment.UserEmail,
		assignment.UserName,
		assignment.AssignedAt,
		assignment.ExpiresAt,
		assignment.Metadata,
		assignment.CreatedAt,
		assignment.UpdatedAt,
	).Error
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey, userID string, now time.Time) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := db.WithContext(ctx).Raw(
		`SELECT `+assignmentColumns+`
		 FROM seat_assignments
		 WHERE org_id = ? AND customer_id = ? AND feature_key = ? AND user_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 LIMIT 1`,
		orgID, customerID, featureKey, userID, now,
	).Scan(&assignment).Error
	if err != nil {
		return nil, err
	}
	if assignment.ID == 0 {
		return nil, nil
	}
	return &assignment, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := db.WithContext(ctx).Raw(
		`SELECT `+assignmentColumns+`
		 FROM seat_assignments WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&assignment).Error
	if err != nil {
		return nil, err
	}
	if assignment.ID == 0 {
		return nil, nil
	}
	return &assignment, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) ([]domain.Assignment, error) {
	var assignments []domain.Assignment
	stmt := db.WithContext(ctx).
		Model(&domain.Assignment{}).
		Where("org_id = ? AND customer_id = ?", orgID, customerID).
		Where("expires_at IS NULL OR expires_at > ?", now)
	if featureKey != "" {
		stmt = stmt.Where("feature_key = ?", featureKey)
	}
	err := stmt.
		Order("feature_key asc, assigned_at asc").
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *repo) CountActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM seat_assignments
		 WHERE org_id = ? AND customer_id = ? AND feature_key = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		orgID, customerID, featureKey, now,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) DeleteByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM seat_assignments WHERE org_id = ? AND id = ?`,
		orgID, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey, userID string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM seat_assignments
		 WHERE org_id = ? AND customer_id = ? AND feature_key = ? AND user_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		orgID, customerID, featureKey, userID, now,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteAll(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey string, now time.Time) (int64, error) {
	stmt := `DELETE FROM seat_assignments
		 WHERE org_id = ? AND customer_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{orgID, customerID, now}
	if featureKey != "" {
		stmt += ` AND feature_key = ?`
		args = append(args, featureKey)
	}
	result := db.WithContext(ctx).Exec(stmt, args...)
	return result.RowsAffected, result.Error
}
