// Package domain contains the seat assignment model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Assignment occupies one seat of a numeric entitlement for a user. A row
// is active while expires_at is NULL or in the future; at most one active
// row exists per (customer_id, feature_key, user_id), enforced by a partial
// unique index.
type Assignment struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID      `gorm:"not null;index" json:"organization_id"`
	CustomerID snowflake.ID      `gorm:"not null;index" json:"customer_id"`
	FeatureKey string            `gorm:"type:text;not null" json:"feature_key"`
	UserID     string            `gorm:"type:text;not null" json:"user_id"`
	UserEmail  string            `gorm:"type:text" json:"user_email,omitempty"`
	UserName   string            `gorm:"type:text" json:"user_name,omitempty"`
	AssignedAt time.Time         `gorm:"not null" json:"assigned_at"`
	ExpiresAt  *time.Time        `gorm:"" json:"expires_at,omitempty"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Assignment) TableName() string { return "seat_assignments" }
