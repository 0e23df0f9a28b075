package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/grantor/internal/audit/domain"
	"github.com/smallbiznis/grantor/internal/cache"
	"github.com/smallbiznis/grantor/internal/clock"
	"github.com/smallbiznis/grantor/internal/config"
	customerdomain "github.com/smallbiznis/grantor/internal/customer/domain"
	"github.com/smallbiznis/grantor/internal/entitlement/domain"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         domain.Repository
	CustomerRepo customerdomain.Repository
	Store        cache.Store
	Holder       *config.EnforcementHolder
	AuditSvc     auditdomain.Service `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	customers customerdomain.Repository
	cache     *entitlementCache
	auditSvc  auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("entitlement.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		customers: p.CustomerRepo,
		cache:     newEntitlementCache(p.Store, p.Holder),
		auditSvc:  p.AuditSvc,
	}
}

func (s *Service) Check(ctx context.Context, customerID, featureKey string) (*domain.Check, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}
	key, err := normalizeFeatureKey(featureKey)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.GetCheck(ctx, orgID, custID, key); ok {
		return cached, nil
	}

	entitlement, err := s.repo.FindActive(ctx, s.db, orgID, custID, key, s.clock.Now())
	if err != nil {
		return nil, err
	}

	check, err := toCheck(key, entitlement)
	if err != nil {
		return nil, err
	}

	s.cache.SetCheck(ctx, orgID, custID, check)
	return check, nil
}

func (s *Service) CheckMany(ctx context.Context, customerID string, featureKeys []string) ([]domain.Check, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(featureKeys))
	seen := make(map[string]bool, len(featureKeys))
	for _, raw := range featureKeys {
		key, err := normalizeFeatureKey(raw)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, domain.ErrInvalidFeatureKey
	}

	entitlements, err := s.repo.FindActiveMany(ctx, s.db, orgID, custID, keys, s.clock.Now())
	if err != nil {
		return nil, err
	}

	// Rows come newest-first per key; keep the first one seen.
	byKey := make(map[string]*domain.Entitlement, len(entitlements))
	for i := range entitlements {
		entitlement := entitlements[i]
		if _, ok := byKey[entitlement.FeatureKey]; !ok {
			byKey[entitlement.FeatureKey] = &entitlement
		}
	}

	checks := make([]domain.Check, 0, len(keys))
	for _, key := range keys {
		check, err := toCheck(key, byKey[key])
		if err != nil {
			return nil, err
		}
		s.cache.SetCheck(ctx, orgID, custID, check)
		checks = append(checks, *check)
	}
	return checks, nil
}

func (s *Service) CustomerEntitlements(ctx context.Context, customerID string) (*domain.CustomerEntitlements, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.GetAll(ctx, orgID, custID); ok {
		return cached, nil
	}

	customer, err := s.customers.FindByID(ctx, s.db, orgID, custID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, domain.ErrCustomerNotFound
	}

	entitlements, err := s.repo.FindAllActive(ctx, s.db, orgID, custID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	seen := make(map[snowflake.ID]bool, len(entitlements))
	subscriptionIDs := make([]snowflake.ID, 0, len(entitlements))
	for _, entitlement := range entitlements {
		if seen[entitlement.SubscriptionID] {
			continue
		}
		seen[entitlement.SubscriptionID] = true
		subscriptionIDs = append(subscriptionIDs, entitlement.SubscriptionID)
	}

	resp := &domain.CustomerEntitlements{
		CustomerID:      custID,
		Entitlements:    entitlements,
		SubscriptionIDs: subscriptionIDs,
	}
	s.cache.SetAll(ctx, orgID, custID, resp)
	return resp, nil
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.Entitlement, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	custID, err := parseID(req.CustomerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}
	subID, err := parseID(req.SubscriptionID, domain.ErrInvalidSubscription)
	if err != nil {
		return nil, err
	}
	key, err := normalizeFeatureKey(req.FeatureKey)
	if err != nil {
		return nil, err
	}
	valueType, err := domain.NormalizeValueType(req.ValueType)
	if err != nil {
		return nil, err
	}
	parsed, err := domain.ParseValue(valueType, req.Value)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	entitlement := &domain.Entitlement{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		CustomerID:     custID,
		SubscriptionID: subID,
		FeatureKey:     key,
		Value:          canonicalValue(valueType, req.Value, parsed),
		ValueType:      valueType,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// The upsert can move the grant to another customer; remember the
	// current owner so its cached grant is dropped too.
	prior, err := s.repo.FindBySubscriptionFeature(ctx, s.db, orgID, subID, key)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Upsert(ctx, s.db, entitlement); err != nil {
		return nil, err
	}

	// Re-read so a conflicting grant returns the surviving row.
	stored, err := s.repo.FindBySubscriptionFeature(ctx, s.db, orgID, subID, key)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = entitlement
	}

	s.cache.Invalidate(ctx, orgID, custID)
	if prior != nil && prior.CustomerID != custID {
		s.cache.Invalidate(ctx, orgID, prior.CustomerID)
	}

	s.audit(ctx, orgID, "entitlement.granted", stored.ID.String(), map[string]any{
		"customer_id":     custID.String(),
		"subscription_id": subID.String(),
		"feature_key":     key,
		"value_type":      string(valueType),
		"value":           stored.Value,
	})

	return stored, nil
}

func (s *Service) Revoke(ctx context.Context, req domain.RevokeRequest) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	subID, err := parseID(req.SubscriptionID, domain.ErrInvalidSubscription)
	if err != nil {
		return err
	}
	key, err := normalizeFeatureKey(req.FeatureKey)
	if err != nil {
		return err
	}

	entitlement, err := s.repo.FindBySubscriptionFeature(ctx, s.db, orgID, subID, key)
	if err != nil {
		return err
	}
	if entitlement == nil {
		return domain.ErrEntitlementNotFound
	}

	if _, err := s.repo.Delete(ctx, s.db, orgID, subID, key); err != nil {
		return err
	}

	s.cache.Invalidate(ctx, orgID, entitlement.CustomerID)

	s.audit(ctx, orgID, "entitlement.revoked", entitlement.ID.String(), map[string]any{
		"customer_id":     entitlement.CustomerID.String(),
		"subscription_id": subID.String(),
		"feature_key":     key,
	})
	return nil
}

func (s *Service) RevokeAllForSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}

	subID, err := parseID(subscriptionID, domain.ErrInvalidSubscription)
	if err != nil {
		return 0, err
	}

	entitlements, err := s.repo.ListBySubscription(ctx, s.db, orgID, subID)
	if err != nil {
		return 0, err
	}

	count, err := s.repo.DeleteBySubscription(ctx, s.db, orgID, subID)
	if err != nil {
		return 0, err
	}

	s.invalidateCustomers(ctx, orgID, entitlements)

	if count > 0 {
		s.audit(ctx, orgID, "entitlement.revoked_all", subID.String(), map[string]any{
			"subscription_id": subID.String(),
			"revoked":         count,
		})
	}
	return count, nil
}

func (s *Service) RefreshExpiration(ctx context.Context, subscriptionID string, expiresAt *time.Time) (int64, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}

	subID, err := parseID(subscriptionID, domain.ErrInvalidSubscription)
	if err != nil {
		return 0, err
	}

	entitlements, err := s.repo.ListBySubscription(ctx, s.db, orgID, subID)
	if err != nil {
		return 0, err
	}

	count, err := s.repo.UpdateExpiration(ctx, s.db, orgID, subID, expiresAt)
	if err != nil {
		return 0, err
	}

	s.invalidateCustomers(ctx, orgID, entitlements)
	return count, nil
}

func (s *Service) invalidateCustomers(ctx context.Context, orgID snowflake.ID, entitlements []domain.Entitlement) {
	seen := make(map[snowflake.ID]bool, len(entitlements))
	for _, entitlement := range entitlements {
		if seen[entitlement.CustomerID] {
			continue
		}
		seen[entitlement.CustomerID] = true
		s.cache.Invalidate(ctx, orgID, entitlement.CustomerID)
	}
}

func (s *Service) audit(ctx context.Context, orgID snowflake.ID, action, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, &orgID, "", nil, action, "entitlement", &targetID, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func toCheck(featureKey string, entitlement *domain.Entitlement) (*domain.Check, error) {
	if entitlement == nil {
		return &domain.Check{FeatureKey: featureKey, HasAccess: false}, nil
	}
	value, err := domain.ParseValue(entitlement.ValueType, entitlement.Value)
	if err != nil {
		return nil, fmt.Errorf("stored value for %s: %w", featureKey, err)
	}
	return &domain.Check{
		FeatureKey:     featureKey,
		HasAccess:      true,
		Value:          &value,
		ValueType:      entitlement.ValueType,
		EntitlementID:  entitlement.ID,
		SubscriptionID: entitlement.SubscriptionID,
		ExpiresAt:      entitlement.ExpiresAt,
	}, nil
}

func canonicalValue(valueType domain.ValueType, raw string, parsed domain.Value) string {
	switch valueType {
	case domain.ValueTypeBoolean:
		if parsed.Bool {
			return "true"
		}
		return "false"
	case domain.ValueTypeNumber:
		return strings.TrimSpace(raw)
	case domain.ValueTypeUnlimited:
		return "unlimited"
	default:
		return raw
	}
}

func normalizeFeatureKey(raw string) (string, error) {
	key := slug.Make(strings.TrimSpace(raw))
	if key == "" {
		return "", domain.ErrInvalidFeatureKey
	}
	return key, nil
}

func parseID(value string, invalid error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalid
	}
	return id, nil
}
