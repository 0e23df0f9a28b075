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
	"github.com/smallbiznis/grantor/internal/seat/domain"
	"github.com/smallbiznis/grantor/internal/seat/repository"
	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type harness struct {
	svc            domain.Service
	db             *gorm.DB
	clk            *clock.FakeClock
	node           *snowflake.Node
	orgID          snowflake.ID
	customerID     snowflake.ID
	subscriptionID snowflake.ID
	ctx            context.Context
	entSvc         entitlementdomain.Service
	entRepo        entitlementdomain.Repository
	grantSeats     func(t *testing.T, featureKey, value, valueType string)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&customerdomain.Customer{},
		&subscriptiondomain.Subscription{},
		&entitlementdomain.Entitlement{},
		&domain.Assignment{},
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

	svc := New(Params{
		DB:              gdb,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		Repo:            repository.Provide(),
		Entitlements:    entSvc,
		EntitlementRepo: entRepo,
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

	subscription := subscriptiondomain.Subscription{
		ID:         node.Generate(),
		OrgID:      orgID,
		CustomerID: customer.ID,
		Status:     subscriptiondomain.SubscriptionStatusActive,
		StartAt:    clk.Now().Add(-24 * time.Hour),
		Metadata:   datatypes.JSONMap{},
	}
	require.NoError(t, gdb.Create(&subscription).Error)

	h := &harness{
		svc:            svc,
		db:             gdb,
		clk:            clk,
		node:           node,
		orgID:          orgID,
		customerID:     customer.ID,
		subscriptionID: subscription.ID,
		ctx:            ctx,
		entSvc:         entSvc,
		entRepo:        entRepo,
	}
	h.grantSeats = func(t *testing.T, featureKey, value, valueType string) {
		t.Helper()
		_, err := entSvc.Grant(ctx, entitlementdomain.GrantRequest{
			CustomerID:     customer.ID.String(),
			SubscriptionID: subscription.ID.String(),
			FeatureKey:     featureKey,
			Value:          value,
			ValueType:      valueType,
		})
		require.NoError(t, err)
	}
	return h
}

func (h *harness) assign(userID string) (*domain.Assignment, error) {
	return h.svc.Assign(h.ctx, domain.AssignRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		UserID:     userID,
	})
}

func TestAssign_CapacityEnforced(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "2", "number")

	_, err := h.assign("user-1")
	require.NoError(t, err)
	_, err = h.assign("user-2")
	require.NoError(t, err)

	_, err = h.assign("user-3")
	assert.ErrorIs(t, err, domain.ErrNoSeatsAvailable)
}

func TestAssign_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "1", "number")

	first, err := h.assign("user-1")
	require.NoError(t, err)
	second, err := h.assign("user-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	usage, err := h.svc.Usage(h.ctx, h.customerID.String(), "seats")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.UsedSeats)
}

// staleLookupRepo misses its first FindActive, replaying a lookup that ran
// before a concurrent assign committed its row.
type staleLookupRepo struct {
	domain.Repository
	missed bool
}

func (r *staleLookupRepo) FindActive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, featureKey, userID string, now time.Time) (*domain.Assignment, error) {
	if !r.missed {
		r.missed = true
		return nil, nil
	}
	return r.Repository.FindActive(ctx, db, orgID, customerID, featureKey, userID, now)
}

func TestAssign_ConcurrentAssignKeepsOneSeat(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "2", "number")

	expiresAt := h.clk.Now().Add(30 * 24 * time.Hour)
	racer, err := h.svc.Assign(h.ctx, domain.AssignRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		UserID:     "user-1",
		ExpiresAt:  &expiresAt,
	})
	require.NoError(t, err)

	svc := New(Params{
		DB:              h.db,
		Log:             zap.NewNop(),
		GenID:           h.node,
		Clock:           h.clk,
		Repo:            &staleLookupRepo{Repository: repository.Provide()},
		Entitlements:    h.entSvc,
		EntitlementRepo: h.entRepo,
	})
	second, err := svc.Assign(h.ctx, domain.AssignRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		UserID:     "user-1",
		ExpiresAt:  &expiresAt,
	})
	require.NoError(t, err)
	assert.Equal(t, racer.ID, second.ID, "the committed seat wins; no duplicate row")

	usage, err := h.svc.Usage(h.ctx, h.customerID.String(), "seats")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.UsedSeats)
}

func TestAssign_RequiresEntitlement(t *testing.T) {
	h := newHarness(t)

	_, err := h.assign("user-1")
	assert.ErrorIs(t, err, domain.ErrNoEntitlementForSeat)
}

func TestAssign_BooleanNotAssignable(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "true", "boolean")

	_, err := h.assign("user-1")
	assert.ErrorIs(t, err, domain.ErrSeatNotAssignable)
}

func TestAssign_UnlimitedSkipsCapacityCheck(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "", "unlimited")

	for i := 0; i < 5; i++ {
		_, err := h.assign(fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}

	usage, err := h.svc.Usage(h.ctx, h.customerID.String(), "seats")
	require.NoError(t, err)
	assert.True(t, usage.Unlimited)
	assert.Equal(t, int64(5), usage.UsedSeats)
	assert.Nil(t, usage.TotalSeats)
}

func TestUnassign_FreesCapacity(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "1", "number")

	_, err := h.assign("user-1")
	require.NoError(t, err)
	_, err = h.assign("user-2")
	require.ErrorIs(t, err, domain.ErrNoSeatsAvailable)

	require.NoError(t, h.svc.Unassign(h.ctx, h.customerID.String(), "seats", "user-1"))

	_, err = h.assign("user-2")
	require.NoError(t, err)

	err = h.svc.Unassign(h.ctx, h.customerID.String(), "seats", "user-1")
	assert.ErrorIs(t, err, domain.ErrSeatNotFound)
}

func TestUnassignByID(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "2", "number")

	assignment, err := h.assign("user-1")
	require.NoError(t, err)

	require.NoError(t, h.svc.UnassignByID(h.ctx, assignment.ID.String()))

	has, err := h.svc.HasSeat(h.ctx, h.customerID.String(), "seats", "user-1")
	require.NoError(t, err)
	assert.False(t, has)

	err = h.svc.UnassignByID(h.ctx, assignment.ID.String())
	assert.ErrorIs(t, err, domain.ErrSeatNotFound)
}

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "1", "number")

	expiresAt := h.clk.Now().Add(30 * 24 * time.Hour)
	_, err := h.svc.Assign(h.ctx, domain.AssignRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		UserID:     "user-1",
		ExpiresAt:  &expiresAt,
	})
	require.NoError(t, err)

	transferred, err := h.svc.Transfer(h.ctx, domain.TransferRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		FromUserID: "user-1",
		ToUserID:   "user-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-2", transferred.UserID)
	require.NotNil(t, transferred.ExpiresAt, "transfer keeps the expiry")

	has, err := h.svc.HasSeat(h.ctx, h.customerID.String(), "seats", "user-1")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = h.svc.HasSeat(h.ctx, h.customerID.String(), "seats", "user-2")
	require.NoError(t, err)
	assert.True(t, has)

	// Capacity 1 stayed occupied through the transfer.
	usage, err := h.svc.Usage(h.ctx, h.customerID.String(), "seats")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.UsedSeats)
}

func TestTransfer_Errors(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "3", "number")

	_, err := h.assign("user-1")
	require.NoError(t, err)
	_, err = h.assign("user-2")
	require.NoError(t, err)

	_, err = h.svc.Transfer(h.ctx, domain.TransferRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		FromUserID: "user-1",
		ToUserID:   "user-2",
	})
	assert.ErrorIs(t, err, domain.ErrSeatAlreadyAssigned)

	_, err = h.svc.Transfer(h.ctx, domain.TransferRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		FromUserID: "ghost",
		ToUserID:   "user-9",
	})
	assert.ErrorIs(t, err, domain.ErrSeatNotFound)

	_, err = h.svc.Transfer(h.ctx, domain.TransferRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		FromUserID: "user-1",
		ToUserID:   "user-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
}

func TestBulkAssign_PartialFailure(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "2", "number")

	result, err := h.svc.BulkAssign(h.ctx, domain.BulkAssignRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		Users: []domain.SeatUser{
			{UserID: "user-1"},
			{UserID: "user-2"},
			{UserID: "user-3"},
		},
	})
	require.NoError(t, err)
	assert.Len(t, result.Assigned, 2)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "user-3", result.Errors[0].UserID)
}

func TestBulkUnassign(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "3", "number")
	_, err := h.assign("user-1")
	require.NoError(t, err)
	_, err = h.assign("user-2")
	require.NoError(t, err)

	result, err := h.svc.BulkUnassign(h.ctx, domain.BulkUnassignRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "seats",
		UserIDs:    []string{"user-1", "user-2", "ghost"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, result.Removed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "ghost", result.Errors[0].UserID)
}

func TestRevokeAll(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "3", "number")
	_, err := h.assign("user-1")
	require.NoError(t, err)
	_, err = h.assign("user-2")
	require.NoError(t, err)

	removed, err := h.svc.RevokeAll(h.ctx, h.customerID.String(), "seats")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	usage, err := h.svc.Usage(h.ctx, h.customerID.String(), "seats")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedSeats)
}

func TestUsage_NoEntitlementMeansZeroCapacity(t *testing.T) {
	h := newHarness(t)

	usage, err := h.svc.Usage(h.ctx, h.customerID.String(), "seats")
	require.NoError(t, err)
	assert.False(t, usage.Unlimited)
	require.NotNil(t, usage.TotalSeats)
	assert.Equal(t, int64(0), *usage.TotalSeats)
	require.NotNil(t, usage.AvailableSeats)
	assert.Equal(t, int64(0), *usage.AvailableSeats)
	assert.Empty(t, usage.Assignments)
}

func TestAllUsage(t *testing.T) {
	h := newHarness(t)
	h.grantSeats(t, "seats", "2", "number")
	h.grantSeats(t, "sso", "true", "boolean")
	_, err := h.assign("user-1")
	require.NoError(t, err)

	usages, err := h.svc.AllUsage(h.ctx, h.customerID.String())
	require.NoError(t, err)
	require.Len(t, usages, 1, "boolean entitlements carry no seats")
	assert.Equal(t, "seats", usages[0].FeatureKey)
	assert.Equal(t, int64(1), usages[0].UsedSeats)
	require.NotNil(t, usages[0].AvailableSeats)
	assert.Equal(t, int64(1), *usages[0].AvailableSeats)
	require.Len(t, usages[0].Assignments, 1, "occupancy names the seat holders")
	assert.Equal(t, "user-1", usages[0].Assignments[0].UserID)
}
