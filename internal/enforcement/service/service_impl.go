package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/grantor/internal/clock"
	"github.com/smallbiznis/grantor/internal/cloudmetrics"
	"github.com/smallbiznis/grantor/internal/enforcement/domain"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/grantor/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Entitlements  entitlementdomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Service
}

type Service struct {
	log           *zap.Logger
	clock         clock.Clock
	entitlements  entitlementdomain.Service
	subscriptions subscriptiondomain.Service
	usage         usagedomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		log:           p.Log.Named("enforcement.service"),
		clock:         p.Clock,
		entitlements:  p.Entitlements,
		subscriptions: p.Subscriptions,
		usage:         p.Usage,
	}
}

func (s *Service) Enforce(ctx context.Context, customerID, featureKey string, opts domain.Options) (*domain.Result, error) {
	return s.enforce(ctx, customerID, featureKey, opts)
}

func (s *Service) enforce(ctx context.Context, customerID, featureKey string, opts domain.Options) (*domain.Result, error) {
	key, err := normalizeFeatureKey(featureKey)
	if err != nil {
		return nil, err
	}
	increment := opts.IncrementBy
	if increment <= 0 {
		increment = 1
	}

	check, err := s.entitlements.Check(ctx, customerID, key)
	if err != nil {
		return nil, err
	}

	if !check.HasAccess {
		return s.deny(ctx, check, opts, domain.ErrNoEntitlement,
			fmt.Sprintf("no entitlement for %s", key))
	}

	switch check.Value.Kind {
	case entitlementdomain.ValueTypeBoolean:
		if !check.Value.Bool {
			return s.deny(ctx, check, opts, domain.ErrFeatureDisabled,
				fmt.Sprintf("feature %s is disabled", key))
		}
		return s.allow(ctx, &domain.Result{
			FeatureKey:  key,
			Allowed:     true,
			Entitlement: check,
		})

	case entitlementdomain.ValueTypeUnlimited:
		return s.allow(ctx, &domain.Result{
			FeatureKey:  key,
			Allowed:     true,
			Entitlement: check,
			Limit:       math.Inf(1),
			Remaining:   math.Inf(1),
			Unlimited:   true,
		})

	case entitlementdomain.ValueTypeString:
		// Informational value; presence grants access.
		return s.allow(ctx, &domain.Result{
			FeatureKey:  key,
			Allowed:     true,
			Entitlement: check,
		})

	case entitlementdomain.ValueTypeNumber:
		start, end := s.usageWindow(ctx, customerID)
		current, err := s.usage.WindowTotal(ctx, customerID, key, start, end)
		if err != nil {
			return nil, err
		}

		limit := check.Value.Number
		result := &domain.Result{
			FeatureKey:   key,
			Allowed:      current+increment <= limit,
			Entitlement:  check,
			CurrentUsage: current,
			Limit:        limit,
			Remaining:    math.Max(0, limit-current),
		}
		if !result.Allowed {
			return s.denyResult(ctx, result, opts, domain.ErrLimitExceeded,
				fmt.Sprintf("usage limit exceeded for %s: %g/%g", key, current, limit))
		}
		return s.allow(ctx, result)

	default:
		return nil, entitlementdomain.ErrInvalidValueType
	}
}

// usageWindow prefers the active subscription's current period and falls
// back to the UTC calendar month of now.
func (s *Service) usageWindow(ctx context.Context, customerID string) (time.Time, time.Time) {
	now := s.clock.Now()

	subscription, err := s.subscriptions.GetActiveByCustomerID(ctx, customerID)
	if err == nil {
		if start, end, ok := subscription.PeriodAt(now); ok {
			return start, end
		}
	} else if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		s.log.Warn("active subscription lookup failed, falling back to calendar month",
			zap.String("customer_id", customerID), zap.Error(err))
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func (s *Service) allow(ctx context.Context, result *domain.Result) (*domain.Result, error) {
	s.recordDecision(ctx, result.FeatureKey, true, "allowed")
	return result, nil
}

func (s *Service) deny(ctx context.Context, check *entitlementdomain.Check, opts domain.Options, sentinel error, reason string) (*domain.Result, error) {
	return s.denyResult(ctx, &domain.Result{
		FeatureKey:  check.FeatureKey,
		Entitlement: check,
	}, opts, sentinel, reason)
}

func (s *Service) denyResult(ctx context.Context, result *domain.Result, opts domain.Options, sentinel error, reason string) (*domain.Result, error) {
	result.Allowed = false
	result.Reason = reason
	if opts.ErrorMessage != "" {
		result.Reason = opts.ErrorMessage
	}

	s.recordDecision(ctx, result.FeatureKey, false, reasonCode(sentinel))

	if opts.Soft {
		return result, nil
	}
	return result, fmt.Errorf("%w: %s", sentinel, result.Reason)
}

func (s *Service) recordDecision(ctx context.Context, featureKey string, allowed bool, reason string) {
	orgID, _ := orgcontext.OrgIDFromContext(ctx)
	cloudmetrics.RecordDecision(orgID.String(), featureKey, allowed, reason)
}

func reasonCode(sentinel error) string {
	switch {
	case errors.Is(sentinel, domain.ErrNoEntitlement):
		return "no_entitlement"
	case errors.Is(sentinel, domain.ErrFeatureDisabled):
		return "feature_disabled"
	case errors.Is(sentinel, domain.ErrLimitExceeded):
		return "limit_exceeded"
	default:
		return "denied"
	}
}

func (s *Service) EnforceMany(ctx context.Context, customerID string, featureKeys []string, opts domain.Options) ([]domain.Result, error) {
	soft := opts
	soft.Soft = true

	results := make([]domain.Result, 0, len(featureKeys))
	for _, featureKey := range featureKeys {
		result, err := s.enforce(ctx, customerID, featureKey, soft)
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}
	return results, nil
}

func (s *Service) RecordUsage(ctx context.Context, customerID, featureKey string, quantity float64, subscriptionID string) (*usagedomain.UsageEvent, error) {
	key, err := normalizeFeatureKey(featureKey)
	if err != nil {
		return nil, err
	}
	if quantity < 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if quantity == 0 {
		quantity = 1
	}

	return s.usage.Ingest(ctx, usagedomain.IngestRequest{
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		FeatureKey:     key,
		Quantity:       quantity,
		IdempotencyKey: fmt.Sprintf("enforce:%s:%s:%d", strings.TrimSpace(customerID), key, s.clock.Now().UnixNano()),
	})
}

func (s *Service) EnforceAndRecord(ctx context.Context, customerID, featureKey string, opts domain.Options) (*domain.Result, error) {
	result, err := s.enforce(ctx, customerID, featureKey, opts)
	if err != nil || !result.Allowed {
		return result, err
	}

	if kind := entitlementKind(result); kind == entitlementdomain.ValueTypeNumber || kind == entitlementdomain.ValueTypeUnlimited {
		increment := opts.IncrementBy
		if increment <= 0 {
			increment = 1
		}
		subscriptionID := ""
		if result.Entitlement != nil && result.Entitlement.SubscriptionID != 0 {
			subscriptionID = result.Entitlement.SubscriptionID.String()
		}
		if _, err := s.RecordUsage(ctx, customerID, result.FeatureKey, increment, subscriptionID); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Service) UsageSummary(ctx context.Context, customerID string) ([]domain.FeatureUsage, error) {
	all, err := s.entitlements.CustomerEntitlements(ctx, customerID)
	if err != nil {
		return nil, err
	}

	start, end := s.usageWindow(ctx, customerID)

	summary := make([]domain.FeatureUsage, 0, len(all.Entitlements))
	for _, entitlement := range all.Entitlements {
		switch entitlement.ValueType {
		case entitlementdomain.ValueTypeNumber, entitlementdomain.ValueTypeUnlimited:
		default:
			continue
		}

		current, err := s.usage.WindowTotal(ctx, customerID, entitlement.FeatureKey, start, end)
		if err != nil {
			return nil, err
		}

		row := domain.FeatureUsage{
			FeatureKey:   entitlement.FeatureKey,
			ValueType:    entitlement.ValueType,
			Unlimited:    entitlement.ValueType == entitlementdomain.ValueTypeUnlimited,
			CurrentUsage: current,
		}
		if entitlement.ValueType == entitlementdomain.ValueTypeNumber {
			value, err := entitlementdomain.ParseValue(entitlement.ValueType, entitlement.Value)
			if err != nil {
				return nil, err
			}
			limit := value.Number
			remaining := math.Max(0, limit-current)
			row.Limit = &limit
			row.Remaining = &remaining
			if limit > 0 {
				percent := current / limit * 100
				row.PercentUsed = &percent
			}
		}
		summary = append(summary, row)
	}
	return summary, nil
}

// normalizeFeatureKey mirrors the resolver's key form so usage is recorded
// and queried under the same key an entitlement is granted under.
func normalizeFeatureKey(raw string) (string, error) {
	key := slug.Make(strings.TrimSpace(raw))
	if key == "" {
		return "", domain.ErrInvalidFeatureKey
	}
	return key, nil
}

func entitlementKind(result *domain.Result) entitlementdomain.ValueType {
	if result == nil || result.Entitlement == nil || result.Entitlement.Value == nil {
		return ""
	}
	return result.Entitlement.Value.Kind
}
