package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/grantor/internal/cache"
	"github.com/smallbiznis/grantor/internal/clock"
	"github.com/smallbiznis/grantor/internal/config"
	customerdomain "github.com/smallbiznis/grantor/internal/customer/domain"
	customerrepo "github.com/smallbiznis/grantor/internal/customer/repository"
	"github.com/smallbiznis/grantor/internal/entitlement/domain"
	"github.com/smallbiznis/grantor/internal/entitlement/repository"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type harness struct {
	svc   domain.Service
	db    *gorm.DB
	repo  domain.Repository
	clk   *clock.FakeClock
	node  *snowflake.Node
	orgID snowflake.ID
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&customerdomain.Customer{},
		&subscriptiondomain.Subscription{},
		&domain.Entitlement{},
	))

	holder, err := config.NewEnforcementHolder()
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide()

	svc := New(Params{
		DB:           gdb,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         repo,
		CustomerRepo: customerrepo.Provide(),
		Store:        cache.NewMemoryStore(),
		Holder:       holder,
	})

	orgID := node.Generate()
	return &harness{
		svc:   svc,
		db:    gdb,
		repo:  repo,
		clk:   clk,
		node:  node,
		orgID: orgID,
		ctx:   orgcontext.WithOrgID(context.Background(), int64(orgID)),
	}
}

func (h *harness) seedCustomer(t *testing.T) snowflake.ID {
	t.Helper()
	customer := customerdomain.Customer{
		ID:       h.node.Generate(),
		OrgID:    h.orgID,
		Name:     "Acme",
		Email:    "billing@acme.test",
		Metadata: datatypes.JSONMap{},
	}
	require.NoError(t, h.db.Create(&customer).Error)
	return customer.ID
}

func (h *harness) seedSubscription(t *testing.T, customerID snowflake.ID, status subscriptiondomain.SubscriptionStatus) snowflake.ID {
	t.Helper()
	subscription := subscriptiondomain.Subscription{
		ID:         h.node.Generate(),
		OrgID:      h.orgID,
		CustomerID: customerID,
		Status:     status,
		StartAt:    h.clk.Now().Add(-24 * time.Hour),
		Metadata:   datatypes.JSONMap{},
	}
	require.NoError(t, h.db.Create(&subscription).Error)
	return subscription.ID
}

func (h *harness) grant(t *testing.T, customerID, subscriptionID snowflake.ID, featureKey, value, valueType string) *domain.Entitlement {
	t.Helper()
	entitlement, err := h.svc.Grant(h.ctx, domain.GrantRequest{
		CustomerID:     customerID.String(),
		SubscriptionID: subscriptionID.String(),
		FeatureKey:     featureKey,
		Value:          value,
		ValueType:      valueType,
	})
	require.NoError(t, err)
	return entitlement
}

func TestCheck_AbsenceIsNotAnError(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)

	check, err := h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	assert.False(t, check.HasAccess)
	assert.Equal(t, "api_calls", check.FeatureKey)
	assert.Nil(t, check.Value)
}

func TestCheck_NegativeResultIsCached(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)

	check, err := h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	require.False(t, check.HasAccess)

	// Writing behind the service's back leaves the cached miss in place.
	require.NoError(t, h.repo.Upsert(h.ctx, h.db, &domain.Entitlement{
		ID:             h.node.Generate(),
		OrgID:          h.orgID,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		FeatureKey:     "api_calls",
		Value:          "10",
		ValueType:      domain.ValueTypeNumber,
		CreatedAt:      h.clk.Now(),
		UpdatedAt:      h.clk.Now(),
	}))

	check, err = h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	assert.False(t, check.HasAccess)
}

func TestGrant_MakesCheckPass(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)

	// Prime the cache with a miss; Grant must invalidate it.
	check, err := h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	require.False(t, check.HasAccess)

	h.grant(t, customerID, subscriptionID, "api_calls", "100", "number")

	check, err = h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	require.True(t, check.HasAccess)
	require.NotNil(t, check.Value)
	assert.Equal(t, domain.ValueTypeNumber, check.Value.Kind)
	assert.Equal(t, float64(100), check.Value.Number)
	assert.Equal(t, subscriptionID, check.SubscriptionID)
}

func TestGrant_UpsertsOnSubscriptionFeature(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)

	first := h.grant(t, customerID, subscriptionID, "api_calls", "5", "number")
	second := h.grant(t, customerID, subscriptionID, "api_calls", "10", "number")
	assert.Equal(t, "10", second.Value)
	assert.Equal(t, first.FeatureKey, second.FeatureKey)

	var count int64
	require.NoError(t, h.db.Model(&domain.Entitlement{}).
		Where("subscription_id = ? AND feature_key = ?", subscriptionID, "api_calls").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGrant_ReparentInvalidatesPreviousCustomer(t *testing.T) {
	h := newHarness(t)
	previous := h.seedCustomer(t)
	next := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, previous, subscriptiondomain.SubscriptionStatusActive)

	h.grant(t, previous, subscriptionID, "sso", "true", "boolean")
	check, err := h.svc.Check(h.ctx, previous.String(), "sso")
	require.NoError(t, err)
	require.True(t, check.HasAccess)

	// Same subscription and feature, different customer: the upsert moves
	// the grant, and the previous owner's cached check must go with it.
	h.grant(t, next, subscriptionID, "sso", "true", "boolean")

	check, err = h.svc.Check(h.ctx, previous.String(), "sso")
	require.NoError(t, err)
	assert.False(t, check.HasAccess, "the grant no longer belongs to the previous customer")

	check, err = h.svc.Check(h.ctx, next.String(), "sso")
	require.NoError(t, err)
	assert.True(t, check.HasAccess)
}

func TestGrant_CanonicalizesValues(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)

	granted := h.grant(t, customerID, subscriptionID, "SSO Login", " TRUE ", "BOOLEAN")
	assert.Equal(t, "sso-login", granted.FeatureKey)
	assert.Equal(t, "true", granted.Value)

	granted = h.grant(t, customerID, subscriptionID, "storage", "whatever", "unlimited")
	assert.Equal(t, "unlimited", granted.Value)
}

func TestGrant_RejectsInvalidValues(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)

	_, err := h.svc.Grant(h.ctx, domain.GrantRequest{
		CustomerID:     customerID.String(),
		SubscriptionID: subscriptionID.String(),
		FeatureKey:     "api_calls",
		Value:          "not-a-number",
		ValueType:      "number",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidValue)

	_, err = h.svc.Grant(h.ctx, domain.GrantRequest{
		CustomerID:     customerID.String(),
		SubscriptionID: subscriptionID.String(),
		FeatureKey:     "api_calls",
		Value:          "10",
		ValueType:      "gauge",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidValueType)
}

func TestCheck_ExpiredEntitlement(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)

	expired := h.clk.Now().Add(-time.Hour)
	_, err := h.svc.Grant(h.ctx, domain.GrantRequest{
		CustomerID:     customerID.String(),
		SubscriptionID: subscriptionID.String(),
		FeatureKey:     "api_calls",
		Value:          "10",
		ValueType:      "number",
		ExpiresAt:      &expired,
	})
	require.NoError(t, err)

	check, err := h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	assert.False(t, check.HasAccess)
}

func TestCheck_InactiveSubscription(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusCanceled)

	h.grant(t, customerID, subscriptionID, "api_calls", "10", "number")

	check, err := h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	assert.False(t, check.HasAccess, "canceled subscriptions grant nothing")
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)
	h.grant(t, customerID, subscriptionID, "api_calls", "10", "number")

	req := domain.RevokeRequest{SubscriptionID: subscriptionID.String(), FeatureKey: "api_calls"}
	require.NoError(t, h.svc.Revoke(h.ctx, req))

	check, err := h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	assert.False(t, check.HasAccess)

	assert.ErrorIs(t, h.svc.Revoke(h.ctx, req), domain.ErrEntitlementNotFound)
}

func TestRevokeAllForSubscription(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)
	h.grant(t, customerID, subscriptionID, "api_calls", "10", "number")
	h.grant(t, customerID, subscriptionID, "sso", "true", "boolean")

	count, err := h.svc.RevokeAllForSubscription(h.ctx, subscriptionID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	checks, err := h.svc.CheckMany(h.ctx, customerID.String(), []string{"api_calls", "sso"})
	require.NoError(t, err)
	for _, check := range checks {
		assert.False(t, check.HasAccess)
	}
}

func TestRefreshExpiration(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)
	h.grant(t, customerID, subscriptionID, "api_calls", "10", "number")

	past := h.clk.Now().Add(-time.Minute)
	count, err := h.svc.RefreshExpiration(h.ctx, subscriptionID.String(), &past)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	check, err := h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	require.False(t, check.HasAccess)

	// Renewal pushes the expiry forward and access comes back.
	future := h.clk.Now().Add(30 * 24 * time.Hour)
	_, err = h.svc.RefreshExpiration(h.ctx, subscriptionID.String(), &future)
	require.NoError(t, err)

	check, err = h.svc.Check(h.ctx, customerID.String(), "api_calls")
	require.NoError(t, err)
	assert.True(t, check.HasAccess)
}

func TestCheckMany_DeduplicatesKeys(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)
	h.grant(t, customerID, subscriptionID, "api_calls", "10", "number")

	checks, err := h.svc.CheckMany(h.ctx, customerID.String(), []string{"api_calls", "API_CALLS", "sso"})
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.True(t, checks[0].HasAccess)
	assert.False(t, checks[1].HasAccess)
}

func TestCustomerEntitlements(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)
	subscriptionID := h.seedSubscription(t, customerID, subscriptiondomain.SubscriptionStatusActive)
	h.grant(t, customerID, subscriptionID, "api_calls", "10", "number")
	h.grant(t, customerID, subscriptionID, "sso", "true", "boolean")

	all, err := h.svc.CustomerEntitlements(h.ctx, customerID.String())
	require.NoError(t, err)
	assert.Len(t, all.Entitlements, 2)
	assert.Equal(t, []snowflake.ID{subscriptionID}, all.SubscriptionIDs)

	_, err = h.svc.CustomerEntitlements(h.ctx, h.node.Generate().String())
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestCheck_RequiresOrgContext(t *testing.T) {
	h := newHarness(t)
	customerID := h.seedCustomer(t)

	_, err := h.svc.Check(context.Background(), customerID.String(), "api_calls")
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}
