// Package domain contains persistence models for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusDraft    SubscriptionStatus = "draft"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusEnded    SubscriptionStatus = "ended"
)

// ActiveStatuses are the states whose entitlements count as granted.
var ActiveStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusTrialing,
}

// Subscription anchors entitlements to a customer. The current period
// bounds the usage window for metered enforcement; when absent the engine
// falls back to the UTC calendar month.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID       `gorm:"not null;index" json:"organization_id"`
	CustomerID         snowflake.ID       `gorm:"not null;index" json:"customer_id"`
	Status             SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	StartAt            time.Time          `gorm:"not null" json:"start_at"`
	EndAt              *time.Time         `gorm:"" json:"end_at,omitempty"`
	CurrentPeriodStart *time.Time         `gorm:"" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `gorm:"" json:"current_period_end,omitempty"`
	CanceledAt         *time.Time         `gorm:"" json:"canceled_at,omitempty"`
	Metadata           datatypes.JSONMap  `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsActive reports whether the subscription grants entitlements.
func (s Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}

// PeriodAt returns the usage window covering now, preferring the stored
// current period.
func (s Subscription) PeriodAt(now time.Time) (time.Time, time.Time, bool) {
	if s.CurrentPeriodStart != nil && s.CurrentPeriodEnd != nil &&
		!s.CurrentPeriodStart.After(now) && s.CurrentPeriodEnd.After(now) {
		return *s.CurrentPeriodStart, *s.CurrentPeriodEnd, true
	}
	return time.Time{}, time.Time{}, false
}
