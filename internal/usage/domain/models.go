// Package domain contains the usage ledger model. The engine only appends
// and sums; production pipelines feeding it live elsewhere.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageEvent is one metered increment against a feature.
type UsageEvent struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID  `gorm:"not null;uniqueIndex:ux_usage_events_idempotency" json:"organization_id"`
	CustomerID     snowflake.ID  `gorm:"not null;index:ix_usage_events_window" json:"customer_id"`
	SubscriptionID *snowflake.ID `gorm:"index" json:"subscription_id,omitempty"`
	FeatureKey     string        `gorm:"type:text;not null;index:ix_usage_events_window" json:"feature_key"`
	Quantity       float64       `gorm:"not null" json:"quantity"`
	IdempotencyKey string        `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency" json:"idempotency_key"`
	RecordedAt     time.Time     `gorm:"not null;index:ix_usage_events_window" json:"recorded_at"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
