package service

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/grantor/internal/clock"
	"github.com/smallbiznis/grantor/internal/enforcement/domain"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/grantor/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEntitlements struct {
	entitlementdomain.Service

	checks map[string]*entitlementdomain.Check
	all    *entitlementdomain.CustomerEntitlements
}

func (s *stubEntitlements) Check(_ context.Context, _, featureKey string) (*entitlementdomain.Check, error) {
	if check, ok := s.checks[featureKey]; ok {
		return check, nil
	}
	return &entitlementdomain.Check{FeatureKey: featureKey, HasAccess: false}, nil
}

func (s *stubEntitlements) CustomerEntitlements(_ context.Context, _ string) (*entitlementdomain.CustomerEntitlements, error) {
	return s.all, nil
}

type stubSubscriptions struct {
	subscriptiondomain.Service

	subscription *subscriptiondomain.Subscription
}

func (s *stubSubscriptions) GetActiveByCustomerID(_ context.Context, _ string) (subscriptiondomain.Subscription, error) {
	if s.subscription == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *s.subscription, nil
}

type stubUsage struct {
	usagedomain.Service

	totals      map[string]float64
	ingested    []usagedomain.IngestRequest
	windowStart time.Time
	windowEnd   time.Time
}

func (s *stubUsage) Ingest(_ context.Context, req usagedomain.IngestRequest) (*usagedomain.UsageEvent, error) {
	s.ingested = append(s.ingested, req)
	return &usagedomain.UsageEvent{FeatureKey: req.FeatureKey, Quantity: req.Quantity}, nil
}

func (s *stubUsage) WindowTotal(_ context.Context, _, featureKey string, start, end time.Time) (float64, error) {
	s.windowStart = start
	s.windowEnd = end
	return s.totals[featureKey], nil
}

type fixture struct {
	svc          domain.Service
	entitlements *stubEntitlements
	subs         *stubSubscriptions
	usage        *stubUsage
	clk          *clock.FakeClock
	ctx          context.Context
}

func newFixture() *fixture {
	entitlements := &stubEntitlements{checks: map[string]*entitlementdomain.Check{}}
	subs := &stubSubscriptions{}
	usage := &stubUsage{totals: map[string]float64{}}
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))

	return &fixture{
		svc: New(Params{
			Log:           zap.NewNop(),
			Clock:         clk,
			Entitlements:  entitlements,
			Subscriptions: subs,
			Usage:         usage,
		}),
		entitlements: entitlements,
		subs:         subs,
		usage:        usage,
		clk:          clk,
		ctx:          orgcontext.WithOrgID(context.Background(), 42),
	}
}

func numberCheck(key string, limit float64) *entitlementdomain.Check {
	return &entitlementdomain.Check{
		FeatureKey:     key,
		HasAccess:      true,
		Value:          &entitlementdomain.Value{Kind: entitlementdomain.ValueTypeNumber, Number: limit},
		ValueType:      entitlementdomain.ValueTypeNumber,
		SubscriptionID: 7,
	}
}

func boolCheck(key string, enabled bool) *entitlementdomain.Check {
	return &entitlementdomain.Check{
		FeatureKey: key,
		HasAccess:  true,
		Value:      &entitlementdomain.Value{Kind: entitlementdomain.ValueTypeBoolean, Bool: enabled},
		ValueType:  entitlementdomain.ValueTypeBoolean,
	}
}

func unlimitedCheck(key string) *entitlementdomain.Check {
	return &entitlementdomain.Check{
		FeatureKey:     key,
		HasAccess:      true,
		Value:          &entitlementdomain.Value{Kind: entitlementdomain.ValueTypeUnlimited, Number: math.Inf(1)},
		ValueType:      entitlementdomain.ValueTypeUnlimited,
		SubscriptionID: 7,
	}
}

func TestEnforce_NoEntitlement(t *testing.T) {
	f := newFixture()

	result, err := f.svc.Enforce(f.ctx, "100", "missing", domain.Options{})
	require.ErrorIs(t, err, domain.ErrNoEntitlement)
	require.NotNil(t, result)
	assert.False(t, result.Allowed)
	assert.Equal(t, "no entitlement for missing", result.Reason)

	result, err = f.svc.Enforce(f.ctx, "100", "missing", domain.Options{Soft: true})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestEnforce_BooleanFeature(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["sso"] = boolCheck("sso", true)
	f.entitlements.checks["audit-export"] = boolCheck("audit-export", false)

	result, err := f.svc.Enforce(f.ctx, "100", "sso", domain.Options{})
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	_, err = f.svc.Enforce(f.ctx, "100", "audit-export", domain.Options{})
	require.ErrorIs(t, err, domain.ErrFeatureDisabled)

	result, err = f.svc.Enforce(f.ctx, "100", "audit-export", domain.Options{
		Soft:         true,
		ErrorMessage: "upgrade your plan",
	})
	require.NoError(t, err)
	assert.Equal(t, "upgrade your plan", result.Reason)
}

func TestEnforce_Unlimited(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["api_calls"] = unlimitedCheck("api_calls")

	result, err := f.svc.Enforce(f.ctx, "100", "api_calls", domain.Options{})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.True(t, result.Unlimited)
	assert.True(t, math.IsInf(result.Limit, 1))
	assert.True(t, math.IsInf(result.Remaining, 1))
}

func TestEnforce_StringGrantsAccess(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["tier"] = &entitlementdomain.Check{
		FeatureKey: "tier",
		HasAccess:  true,
		Value:      &entitlementdomain.Value{Kind: entitlementdomain.ValueTypeString, Text: "gold"},
		ValueType:  entitlementdomain.ValueTypeString,
	}

	result, err := f.svc.Enforce(f.ctx, "100", "tier", domain.Options{})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestEnforce_NumberLimitBoundary(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["api_calls"] = numberCheck("api_calls", 5)

	// 4 + 1 == 5 still fits.
	f.usage.totals["api_calls"] = 4
	result, err := f.svc.Enforce(f.ctx, "100", "api_calls", domain.Options{})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, float64(4), result.CurrentUsage)
	assert.Equal(t, float64(1), result.Remaining)

	// 5 + 1 > 5 denies.
	f.usage.totals["api_calls"] = 5
	result, err = f.svc.Enforce(f.ctx, "100", "api_calls", domain.Options{Soft: true})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "usage limit exceeded")
	assert.Equal(t, float64(0), result.Remaining)

	// The increment counts before the write: 3 + 3 > 5.
	f.usage.totals["api_calls"] = 3
	result, err = f.svc.Enforce(f.ctx, "100", "api_calls", domain.Options{Soft: true, IncrementBy: 3})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestEnforce_NormalizesFeatureKey(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["api_calls"] = unlimitedCheck("api_calls")
	f.entitlements.checks["api-calls"] = numberCheck("api-calls", 5)

	result, err := f.svc.Enforce(f.ctx, "100", "  API_CALLS  ", domain.Options{})
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	// The same key form a grant resolves under, so usage is metered under
	// "api-calls" and not a lowercased "api calls".
	f.usage.totals["api-calls"] = 2
	result, err = f.svc.Enforce(f.ctx, "100", "API Calls", domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, "api-calls", result.FeatureKey)
	assert.Equal(t, float64(2), result.CurrentUsage)

	_, err = f.svc.Enforce(f.ctx, "100", "   ", domain.Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidFeatureKey)
}

func TestUsageWindow_PrefersSubscriptionPeriod(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["api_calls"] = numberCheck("api_calls", 10)

	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	f.subs.subscription = &subscriptiondomain.Subscription{
		ID:                 7,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}

	_, err := f.svc.Enforce(f.ctx, "100", "api_calls", domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, start, f.usage.windowStart)
	assert.Equal(t, end, f.usage.windowEnd)
}

func TestUsageWindow_FallsBackToCalendarMonth(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["api_calls"] = numberCheck("api_calls", 10)

	_, err := f.svc.Enforce(f.ctx, "100", "api_calls", domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.usage.windowStart)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), f.usage.windowEnd)
}

func TestEnforceMany_AlwaysSoft(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["sso"] = boolCheck("sso", true)

	results, err := f.svc.EnforceMany(f.ctx, "100", []string{"sso", "missing"}, domain.Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Allowed)
	assert.False(t, results[1].Allowed)
	assert.True(t, domain.AnyExceeded(results))
	assert.Len(t, domain.Exceeded(results), 1)
}

func TestEnforceAndRecord_WritesOnlyWhenAllowed(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["api_calls"] = numberCheck("api_calls", 5)
	f.usage.totals["api_calls"] = 1

	result, err := f.svc.EnforceAndRecord(f.ctx, "100", "api_calls", domain.Options{IncrementBy: 2})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, f.usage.ingested, 1)
	assert.Equal(t, float64(2), f.usage.ingested[0].Quantity)
	assert.Equal(t, "7", f.usage.ingested[0].SubscriptionID)
	assert.True(t, strings.HasPrefix(f.usage.ingested[0].IdempotencyKey, "enforce:100:api_calls:"))

	// A denial never produces a ledger write.
	f.usage.totals["api_calls"] = 5
	result, err = f.svc.EnforceAndRecord(f.ctx, "100", "api_calls", domain.Options{Soft: true})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Len(t, f.usage.ingested, 1)
}

func TestEnforceAndRecord_SkipsNonMeteredKinds(t *testing.T) {
	f := newFixture()
	f.entitlements.checks["sso"] = boolCheck("sso", true)

	result, err := f.svc.EnforceAndRecord(f.ctx, "100", "sso", domain.Options{})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, f.usage.ingested)
}

func TestRecordUsage_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.RecordUsage(f.ctx, "100", "", 1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidFeatureKey)

	_, err = f.svc.RecordUsage(f.ctx, "100", "api_calls", -1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestRecordUsage_DefaultsQuantityToOne(t *testing.T) {
	f := newFixture()

	event, err := f.svc.RecordUsage(f.ctx, "100", "api_calls", 0, "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), event.Quantity)
	require.Len(t, f.usage.ingested, 1)
	assert.Equal(t, float64(1), f.usage.ingested[0].Quantity)
}

func TestUsageSummary(t *testing.T) {
	f := newFixture()
	f.entitlements.all = &entitlementdomain.CustomerEntitlements{
		CustomerID: 100,
		Entitlements: []entitlementdomain.Entitlement{
			{FeatureKey: "sso", Value: "true", ValueType: entitlementdomain.ValueTypeBoolean},
			{FeatureKey: "api_calls", Value: "10", ValueType: entitlementdomain.ValueTypeNumber},
			{FeatureKey: "storage", Value: "unlimited", ValueType: entitlementdomain.ValueTypeUnlimited},
		},
	}
	f.usage.totals["api_calls"] = 4

	summary, err := f.svc.UsageSummary(f.ctx, "100")
	require.NoError(t, err)
	require.Len(t, summary, 2, "boolean entitlements have no usage row")

	metered := summary[0]
	assert.Equal(t, "api_calls", metered.FeatureKey)
	assert.Equal(t, float64(4), metered.CurrentUsage)
	require.NotNil(t, metered.Limit)
	assert.Equal(t, float64(10), *metered.Limit)
	require.NotNil(t, metered.Remaining)
	assert.Equal(t, float64(6), *metered.Remaining)
	require.NotNil(t, metered.PercentUsed)
	assert.Equal(t, float64(40), *metered.PercentUsed)

	unlimited := summary[1]
	assert.True(t, unlimited.Unlimited)
	assert.Nil(t, unlimited.Limit)
	assert.Nil(t, unlimited.Remaining)
}
