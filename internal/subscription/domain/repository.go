package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantor/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListSubscriptionFilter struct {
	CustomerID snowflake.ID
	Status     SubscriptionStatus
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	// FindMostRecentActive returns the newest-started subscription in an
	// active status, nil when the customer has none.
	FindMostRecentActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListSubscriptionFilter, page pagination.Pagination) ([]*Subscription, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	UpdatePeriod(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
