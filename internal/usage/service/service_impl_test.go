package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/grantor/internal/clock"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	"github.com/smallbiznis/grantor/internal/usage/domain"
	"github.com/smallbiznis/grantor/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	svc        domain.Service
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
	require.NoError(t, gdb.AutoMigrate(&domain.UsageEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))

	svc := New(Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})

	orgID := node.Generate()
	return &harness{
		svc:        svc,
		db:         gdb,
		clk:        clk,
		node:       node,
		orgID:      orgID,
		customerID: node.Generate(),
		ctx:        orgcontext.WithOrgID(context.Background(), int64(orgID)),
	}
}

func TestIngest_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Ingest(context.Background(), domain.IngestRequest{
		CustomerID: h.customerID.String(), FeatureKey: "api_calls", Quantity: 1,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)

	_, err = h.svc.Ingest(h.ctx, domain.IngestRequest{
		CustomerID: "not-an-id", FeatureKey: "api_calls", Quantity: 1,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCustomer)

	_, err = h.svc.Ingest(h.ctx, domain.IngestRequest{
		CustomerID: h.customerID.String(), FeatureKey: "  ", Quantity: 1,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidFeatureKey)

	_, err = h.svc.Ingest(h.ctx, domain.IngestRequest{
		CustomerID: h.customerID.String(), FeatureKey: "api_calls", Quantity: 0,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = h.svc.Ingest(h.ctx, domain.IngestRequest{
		CustomerID: h.customerID.String(), FeatureKey: "api_calls", Quantity: 1,
		SubscriptionID: "bogus",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSubscription)
}

func TestIngest_IdempotentReplay(t *testing.T) {
	h := newHarness(t)

	req := domain.IngestRequest{
		CustomerID:     h.customerID.String(),
		FeatureKey:     "api_calls",
		Quantity:       3,
		IdempotencyKey: "req-1",
	}

	first, err := h.svc.Ingest(h.ctx, req)
	require.NoError(t, err)

	req.Quantity = 99 // the replayed key wins, the new payload is ignored
	second, err := h.svc.Ingest(h.ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, float64(3), second.Quantity)

	var count int64
	require.NoError(t, h.db.Model(&domain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIngest_GeneratesKeyWhenBlank(t *testing.T) {
	h := newHarness(t)

	req := domain.IngestRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "api_calls",
		Quantity:   1,
	}

	first, err := h.svc.Ingest(h.ctx, req)
	require.NoError(t, err)
	second, err := h.svc.Ingest(h.ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.NotEmpty(t, first.IdempotencyKey)
}

func TestIngest_NormalizesEvent(t *testing.T) {
	h := newHarness(t)

	recordedAt := time.Date(2026, 3, 10, 8, 30, 0, 0, time.FixedZone("WIB", 7*3600))
	event, err := h.svc.Ingest(h.ctx, domain.IngestRequest{
		CustomerID: h.customerID.String(),
		FeatureKey: "  API_Calls ",
		Quantity:   2,
		RecordedAt: &recordedAt,
	})
	require.NoError(t, err)

	assert.Equal(t, "api_calls", event.FeatureKey)
	assert.WithinDuration(t, recordedAt.UTC(), event.RecordedAt, time.Second)
	assert.Equal(t, h.orgID, event.OrgID)
}

func TestWindowTotal(t *testing.T) {
	h := newHarness(t)

	ingest := func(key string, quantity float64, recordedAt time.Time) {
		t.Helper()
		_, err := h.svc.Ingest(h.ctx, domain.IngestRequest{
			CustomerID: h.customerID.String(),
			FeatureKey: key,
			Quantity:   quantity,
			RecordedAt: &recordedAt,
		})
		require.NoError(t, err)
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	ingest("api_calls", 1, start)                   // start is inclusive
	ingest("api_calls", 2, start.Add(12*time.Hour)) // inside
	ingest("api_calls", 4, end)                     // end is exclusive
	ingest("storage", 8, start.Add(time.Hour))      // other feature

	total, err := h.svc.WindowTotal(h.ctx, h.customerID.String(), "api_calls", start, end)
	require.NoError(t, err)
	assert.Equal(t, float64(3), total)

	total, err = h.svc.WindowTotal(h.ctx, h.node.Generate().String(), "api_calls", start, end)
	require.NoError(t, err)
	assert.Equal(t, float64(0), total, "other customers contribute nothing")

	_, err = h.svc.WindowTotal(h.ctx, h.customerID.String(), "api_calls", end, start)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}
