// Package seed bootstraps a usable local deployment: the default
// organization plus a demo customer, subscription, and entitlement set so
// enforcement can be exercised immediately after startup.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	apikeydomain "github.com/smallbiznis/grantor/internal/apikey/domain"
	customerdomain "github.com/smallbiznis/grantor/internal/customer/domain"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/grantor/internal/feature/domain"
	organizationdomain "github.com/smallbiznis/grantor/internal/organization/domain"
	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultOrgName = "Main"
	defaultOrgSlug = "main"

	demoCustomerName  = "Demo Customer"
	demoCustomerEmail = "demo@example.com"
	demoAPIKeyName    = "Demo Key"
)

type demoEntitlement struct {
	featureKey  string
	featureName string
	value       string
	valueType   entitlementdomain.ValueType
}

var demoEntitlements = []demoEntitlement{
	{featureKey: "api_calls", featureName: "API Calls", value: "1000", valueType: entitlementdomain.ValueTypeNumber},
	{featureKey: "seats", featureName: "Seats", value: "3", valueType: entitlementdomain.ValueTypeNumber},
	{featureKey: "advanced-analytics", featureName: "Advanced Analytics", value: "true", valueType: entitlementdomain.ValueTypeBoolean},
	{featureKey: "support-tier", featureName: "Support Tier", value: "gold", valueType: entitlementdomain.ValueTypeString},
	{featureKey: "storage", featureName: "Storage", value: "", valueType: entitlementdomain.ValueTypeUnlimited},
}

// EnsureMainOrg seeds the default organization for startup bootstrap.
func EnsureMainOrg(db *gorm.DB) error {
	return ensureMainOrg(db, 0)
}

// EnsureMainOrgWithID seeds the default organization under a fixed ID,
// used when DEFAULT_ORG pins the tenant for cloud deployments.
func EnsureMainOrgWithID(db *gorm.DB, orgID int64) error {
	return ensureMainOrg(db, snowflake.ID(orgID))
}

func ensureMainOrg(db *gorm.DB, orgID snowflake.ID) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := ensureMainOrgTx(ctx, tx, node, orgID)
		return err
	})
}

func ensureMainOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) (*organizationdomain.Organization, error) {
	var org organizationdomain.Organization
	err := tx.WithContext(ctx).Where("slug = ?", defaultOrgSlug).First(&org).Error
	if err == nil {
		return &org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if orgID == 0 {
		orgID = node.Generate()
	}
	now := time.Now().UTC()
	org = organizationdomain.Organization{
		ID:        orgID,
		Name:      defaultOrgName,
		Slug:      defaultOrgSlug,
		IsDefault: true,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

// EnsureDemoData seeds a demo API key, customer, subscription, feature
// catalog, and entitlements for local mode. The generated key is logged
// once on first creation and never stored in plain text.
func EnsureDemoData(db *gorm.DB, log *zap.Logger) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := ensureMainOrgTx(ctx, tx, node, 0)
		if err != nil {
			return err
		}
		if err := ensureDemoAPIKeyTx(ctx, tx, node, org.ID, log); err != nil {
			return err
		}
		customer, err := ensureDemoCustomerTx(ctx, tx, node, org.ID)
		if err != nil {
			return err
		}
		if err := ensureDemoFeaturesTx(ctx, tx, node, org.ID); err != nil {
			return err
		}
		subscription, err := ensureDemoSubscriptionTx(ctx, tx, node, org.ID, customer.ID)
		if err != nil {
			return err
		}
		return ensureDemoEntitlementsTx(ctx, tx, node, org.ID, customer.ID, subscription.ID)
	})
}

func ensureDemoAPIKeyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID, log *zap.Logger) error {
	var count int64
	if err := tx.WithContext(ctx).Model(&apikeydomain.APIKey{}).Where("org_id = ?", orgID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	id := node.Generate()
	keyID := "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	plain := fmt.Sprintf("gr_live_key_%s_%s", strings.TrimPrefix(keyID, "key_"), hex.EncodeToString(secret))

	now := time.Now().UTC()
	key := apikeydomain.APIKey{
		ID:        id,
		OrgID:     orgID,
		KeyID:     keyID,
		Name:      demoAPIKeyName,
		Scopes:    pq.StringArray{apikeydomain.ScopeUsageWrite, "admin"},
		KeyHash:   apikeydomain.HashAPIKey(plain),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&key).Error; err != nil {
		return err
	}

	if log != nil {
		log.Info("seeded demo api key; store it now, it is not shown again",
			zap.String("key_id", keyID),
			zap.String("api_key", plain),
		)
	}
	return nil
}

func ensureDemoCustomerTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) (*customerdomain.Customer, error) {
	var customer customerdomain.Customer
	err := tx.WithContext(ctx).
		Where("org_id = ? AND email = ?", orgID, demoCustomerEmail).
		First(&customer).Error
	if err == nil {
		return &customer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	customer = customerdomain.Customer{
		ID:        node.Generate(),
		OrgID:     orgID,
		Name:      demoCustomerName,
		Email:     demoCustomerEmail,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func ensureDemoFeaturesTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) error {
	now := time.Now().UTC()
	for _, item := range demoEntitlements {
		var count int64
		if err := tx.WithContext(ctx).Model(&featuredomain.Feature{}).
			Where("org_id = ? AND code = ?", orgID, item.featureKey).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		feature := featuredomain.Feature{
			ID:        node.Generate(),
			OrgID:     orgID,
			Code:      item.featureKey,
			Name:      item.featureName,
			ValueType: string(item.valueType),
			Active:    true,
			Metadata:  datatypes.JSONMap{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&feature).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureDemoSubscriptionTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID, customerID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := tx.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND status IN ?", orgID, customerID, subscriptiondomain.ActiveStatuses).
		First(&subscription).Error
	if err == nil {
		return &subscription, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	subscription = subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		OrgID:              orgID,
		CustomerID:         customerID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		StartAt:            now,
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
		Metadata:           datatypes.JSONMap{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.WithContext(ctx).Create(&subscription).Error; err != nil {
		return nil, err
	}
	return &subscription, nil
}

func ensureDemoEntitlementsTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID, customerID, subscriptionID snowflake.ID) error {
	now := time.Now().UTC()
	for _, item := range demoEntitlements {
		var count int64
		if err := tx.WithContext(ctx).Model(&entitlementdomain.Entitlement{}).
			Where("subscription_id = ? AND feature_key = ?", subscriptionID, item.featureKey).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		entitlement := entitlementdomain.Entitlement{
			ID:             node.Generate(),
			OrgID:          orgID,
			CustomerID:     customerID,
			SubscriptionID: subscriptionID,
			FeatureKey:     item.featureKey,
			Value:          item.value,
			ValueType:      item.valueType,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.WithContext(ctx).Create(&entitlement).Error; err != nil {
			return err
		}
	}
	return nil
}
