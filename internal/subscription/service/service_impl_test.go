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
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/grantor/internal/entitlement/repository"
	entitlementsvc "github.com/smallbiznis/grantor/internal/entitlement/service"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	seatdomain "github.com/smallbiznis/grantor/internal/seat/domain"
	seatrepo "github.com/smallbiznis/grantor/internal/seat/repository"
	seatsvc "github.com/smallbiznis/grantor/internal/seat/service"
	"github.com/smallbiznis/grantor/internal/subscription/domain"
	"github.com/smallbiznis/grantor/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type harness struct {
	svc        domain.Service
	entSvc     entitlementdomain.Service
	seatSvc    seatdomain.Service
	db         *gorm.DB
	clk        *clock.FakeClock
	node       *snowflake.Node
	orgID      snowflake.ID
	customerID snowflake.ID
	ctx        context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&customerdomain.Customer{},
		&domain.Subscription{},
		&entitlementdomain.Entitlement{},
		&seatdomain.Assignment{},
	))

	holder, err := config.NewEnforcementHolder()
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))

	entRepo := entitlementrepo.Provide()
	entSvc := entitlementsvc.New(entitlementsvc.Params{
		DB:           gdb,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         entRepo,
		CustomerRepo: customerrepo.Provide(),
		Store:        cache.NewMemoryStore(),
		Holder:       holder,
	})
	seatService := seatsvc.New(seatsvc.Params{
		DB:              gdb,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		Repo:            seatrepo.Provide(),
		Entitlements:    entSvc,
		EntitlementRepo: entRepo,
	})

	svc := New(Params{
		DB:              gdb,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		Repo:            repository.Provide(),
		CustomerRepo:    customerrepo.Provide(),
		EntitlementRepo: entRepo,
		EntitlementSvc:  entSvc,
		SeatSvc:         seatService,
		ResolverCache:   cache.NewSubscriptionResolverCache(),
	})

	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	customer := customerdomain.Customer{
		ID:       node.Generate(),
		OrgID:    orgID,
		Name:     "Acme",
		Email:    "billing@acme.test",
		Metadata: datatypes.JSONMap{},
	}
	require.NoError(t, gdb.Create(&customer).Error)

	return &harness{
		svc:        svc,
		entSvc:     entSvc,
		seatSvc:    seatService,
		db:         gdb,
		clk:        clk,
		node:       node,
		orgID:      orgID,
		customerID: customer.ID,
		ctx:        ctx,
	}
}

func (h *harness) create(t *testing.T, req domain.CreateSubscriptionRequest) domain.Subscription {
	t.Helper()
	if req.CustomerID == "" {
		req.CustomerID = h.customerID.String()
	}
	subscription, err := h.svc.Create(h.ctx, req)
	require.NoError(t, err)
	return subscription
}

func TestCreate_DefaultsToActive(t *testing.T) {
	h := newHarness(t)

	subscription := h.create(t, domain.CreateSubscriptionRequest{})
	assert.Equal(t, domain.SubscriptionStatusActive, subscription.Status)
	assert.Equal(t, h.clk.Now(), subscription.StartAt)
	assert.True(t, subscription.IsActive())
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Create(h.ctx, domain.CreateSubscriptionRequest{
		CustomerID: h.node.Generate().String(),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer, "unknown customer")

	_, err = h.svc.Create(h.ctx, domain.CreateSubscriptionRequest{
		CustomerID: h.customerID.String(),
		Status:     "paused",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	start := h.clk.Now()
	_, err = h.svc.Create(h.ctx, domain.CreateSubscriptionRequest{
		CustomerID:         h.customerID.String(),
		CurrentPeriodStart: &start,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod, "period bounds come in pairs")

	end := start.Add(-time.Hour)
	_, err = h.svc.Create(h.ctx, domain.CreateSubscriptionRequest{
		CustomerID:         h.customerID.String(),
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestGetActiveByCustomerID(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.GetActiveByCustomerID(h.ctx, h.customerID.String())
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)

	created := h.create(t, domain.CreateSubscriptionRequest{})

	found, err := h.svc.GetActiveByCustomerID(h.ctx, h.customerID.String())
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	// The resolver cache keeps answering after the row disappears.
	require.NoError(t, h.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, created.ID).Error)
	found, err = h.svc.GetActiveByCustomerID(h.ctx, h.customerID.String())
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}

func TestCancel_SweepsEntitlementsAndSeats(t *testing.T) {
	h := newHarness(t)
	subscription := h.create(t, domain.CreateSubscriptionRequest{})

	_, err := h.entSvc.Grant(h.ctx, entitlementdomain.GrantRequest{
		CustomerID:     h.customerID.String(),
		SubscriptionID: subscription.ID.String(),
		FeatureKey:     "seats",
		Value:          "5",
		ValueType:      "number",
	})
	require.NoError(t, err)
	_, err = h.entSvc.Grant(h.ctx, entitlementdomain.GrantRequest{
		CustomerID:     h.customerID.String(),
		SubscriptionID: subscription.ID.String(),
		FeatureKey:     "sso",
		Value:          "true",
		ValueType:      "boolean",
	})
	require.NoError(t, err)

	for _, user := range []string{"user-1", "user-2"} {
		_, err := h.seatSvc.Assign(h.ctx, seatdomain.AssignRequest{
			CustomerID: h.customerID.String(),
			FeatureKey: "seats",
			UserID:     user,
		})
		require.NoError(t, err)
	}

	result, err := h.svc.Cancel(h.ctx, subscription.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, result.Subscription.Status)
	require.NotNil(t, result.Subscription.CanceledAt)
	assert.Equal(t, int64(2), result.EntitlementsRevoked)
	assert.Equal(t, int64(2), result.SeatsRevoked)

	check, err := h.entSvc.Check(h.ctx, h.customerID.String(), "sso")
	require.NoError(t, err)
	assert.False(t, check.HasAccess)

	_, err = h.svc.Cancel(h.ctx, subscription.ID.String())
	assert.ErrorIs(t, err, domain.ErrAlreadyCanceled)
}

func TestCancel_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Cancel(h.ctx, h.node.Generate().String())
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestSetCurrentPeriod(t *testing.T) {
	h := newHarness(t)
	subscription := h.create(t, domain.CreateSubscriptionRequest{})

	// Prime the resolver cache so the update has something to invalidate.
	_, err := h.svc.GetActiveByCustomerID(h.ctx, h.customerID.String())
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	_, err = h.svc.SetCurrentPeriod(h.ctx, subscription.ID.String(), end, start)
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)

	updated, err := h.svc.SetCurrentPeriod(h.ctx, subscription.ID.String(), start, end)
	require.NoError(t, err)
	require.NotNil(t, updated.CurrentPeriodStart)
	assert.Equal(t, start, updated.CurrentPeriodStart.UTC())

	active, err := h.svc.GetActiveByCustomerID(h.ctx, h.customerID.String())
	require.NoError(t, err)
	require.NotNil(t, active.CurrentPeriodEnd, "cache was refreshed with the new period")
	assert.WithinDuration(t, end, *active.CurrentPeriodEnd, time.Second)
}

func TestList_FiltersByStatus(t *testing.T) {
	h := newHarness(t)
	h.create(t, domain.CreateSubscriptionRequest{Status: "trialing"})
	canceled := h.create(t, domain.CreateSubscriptionRequest{})
	_, err := h.svc.Cancel(h.ctx, canceled.ID.String())
	require.NoError(t, err)

	resp, err := h.svc.List(h.ctx, domain.ListSubscriptionRequest{Status: "trialing"})
	require.NoError(t, err)
	require.Len(t, resp.Subscriptions, 1)
	assert.Equal(t, domain.SubscriptionStatusTrialing, resp.Subscriptions[0].Status)

	resp, err = h.svc.List(h.ctx, domain.ListSubscriptionRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Subscriptions, 2)
}
