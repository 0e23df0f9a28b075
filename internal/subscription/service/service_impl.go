package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantor/internal/cache"
	"github.com/smallbiznis/grantor/internal/clock"
	customerdomain "github.com/smallbiznis/grantor/internal/customer/domain"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	seatdomain "github.com/smallbiznis/grantor/internal/seat/domain"
	"github.com/smallbiznis/grantor/internal/subscription/domain"
	"github.com/smallbiznis/grantor/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Repo            domain.Repository
	CustomerRepo    customerdomain.Repository
	EntitlementRepo entitlementdomain.Repository
	EntitlementSvc  entitlementdomain.Service
	SeatSvc         seatdomain.Service
	ResolverCache   cache.SubscriptionResolverCache
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            domain.Repository
	customers       customerdomain.Repository
	entitlementRepo entitlementdomain.Repository
	entitlementSvc  entitlementdomain.Service
	seatSvc         seatdomain.Service
	resolverCache   cache.SubscriptionResolverCache
}

func New(p Params) domain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("subscription.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		customers:       p.CustomerRepo,
		entitlementRepo: p.EntitlementRepo,
		entitlementSvc:  p.EntitlementSvc,
		seatSvc:         p.SeatSvc,
		resolverCache:   p.ResolverCache,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateSubscriptionRequest) (domain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Subscription{}, domain.ErrInvalidOrganization
	}

	customerID, err := s.parseID(req.CustomerID, domain.ErrInvalidCustomer)
	if err != nil {
		return domain.Subscription{}, err
	}
	customer, err := s.customers.FindByID(ctx, s.db, orgID, customerID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if customer == nil {
		return domain.Subscription{}, domain.ErrInvalidCustomer
	}

	status := domain.SubscriptionStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status == "" {
		status = domain.SubscriptionStatusActive
	}
	switch status {
	case domain.SubscriptionStatusDraft, domain.SubscriptionStatusActive,
		domain.SubscriptionStatusTrialing, domain.SubscriptionStatusPastDue:
	default:
		return domain.Subscription{}, domain.ErrInvalidStatus
	}

	if (req.CurrentPeriodStart == nil) != (req.CurrentPeriodEnd == nil) {
		return domain.Subscription{}, domain.ErrInvalidPeriod
	}
	if req.CurrentPeriodStart != nil && !req.CurrentPeriodStart.Before(*req.CurrentPeriodEnd) {
		return domain.Subscription{}, domain.ErrInvalidPeriod
	}

	now := s.clock.Now()
	startAt := now
	if req.StartAt != nil {
		startAt = req.StartAt.UTC()
	}

	subscription := domain.Subscription{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		CustomerID:         customerID,
		Status:             status,
		StartAt:            startAt,
		CurrentPeriodStart: req.CurrentPeriodStart,
		CurrentPeriodEnd:   req.CurrentPeriodEnd,
		Metadata:           datatypes.JSONMap{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return domain.Subscription{}, err
	}

	s.resolverCache.InvalidateCustomer(orgID.String(), customerID.String())
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Subscription{}, domain.ErrInvalidOrganization
	}

	subID, err := s.parseID(id, domain.ErrInvalidID)
	if err != nil {
		return domain.Subscription{}, err
	}

	subscription, err := s.repo.FindByID(ctx, s.db, orgID, subID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if subscription == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return *subscription, nil
}

func (s *Service) GetActiveByCustomerID(ctx context.Context, customerID string) (domain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Subscription{}, domain.ErrInvalidOrganization
	}

	custID, err := s.parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return domain.Subscription{}, err
	}

	if cached, ok := s.resolverCache.GetActiveSubscription(orgID.String(), custID.String()); ok {
		return cached, nil
	}

	subscription, err := s.repo.FindMostRecentActive(ctx, s.db, orgID, custID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if subscription == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}

	s.resolverCache.SetActiveSubscription(orgID.String(), custID.String(), *subscription)
	return *subscription, nil
}

func (s *Service) List(ctx context.Context, req domain.ListSubscriptionRequest) (domain.ListSubscriptionResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ListSubscriptionResponse{}, domain.ErrInvalidOrganization
	}

	filter := domain.ListSubscriptionFilter{
		Status: domain.SubscriptionStatus(strings.ToLower(strings.TrimSpace(req.Status))),
	}
	if strings.TrimSpace(req.CustomerID) != "" {
		customerID, err := s.parseID(req.CustomerID, domain.ErrInvalidCustomer)
		if err != nil {
			return domain.ListSubscriptionResponse{}, err
		}
		filter.CustomerID = customerID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  pageSize,
	})
	if err != nil {
		return domain.ListSubscriptionResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(subscription *domain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        subscription.ID.String(),
			CreatedAt: subscription.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	subscriptions := make([]domain.Subscription, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		subscriptions = append(subscriptions, *item)
	}

	resp := domain.ListSubscriptionResponse{Subscriptions: subscriptions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) Cancel(ctx context.Context, id string) (domain.CancelResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.CancelResult{}, domain.ErrInvalidOrganization
	}

	subID, err := s.parseID(id, domain.ErrInvalidID)
	if err != nil {
		return domain.CancelResult{}, err
	}

	subscription, err := s.repo.FindByID(ctx, s.db, orgID, subID)
	if err != nil {
		return domain.CancelResult{}, err
	}
	if subscription == nil {
		return domain.CancelResult{}, domain.ErrSubscriptionNotFound
	}
	if subscription.Status == domain.SubscriptionStatusCanceled || subscription.Status == domain.SubscriptionStatusEnded {
		return domain.CancelResult{}, domain.ErrAlreadyCanceled
	}

	// Seats ride on the subscription's entitlements, so sweep them before
	// the grants disappear.
	entitlements, err := s.entitlementRepo.ListBySubscription(ctx, s.db, orgID, subID)
	if err != nil {
		return domain.CancelResult{}, err
	}
	var seatsRevoked int64
	for _, entitlement := range entitlements {
		removed, err := s.seatSvc.RevokeAll(ctx, entitlement.CustomerID.String(), entitlement.FeatureKey)
		if err != nil {
			return domain.CancelResult{}, err
		}
		seatsRevoked += removed
	}

	entitlementsRevoked, err := s.entitlementSvc.RevokeAllForSubscription(ctx, subID.String())
	if err != nil {
		return domain.CancelResult{}, err
	}

	now := s.clock.Now()
	subscription.Status = domain.SubscriptionStatusCanceled
	subscription.CanceledAt = &now
	subscription.EndAt = &now
	subscription.UpdatedAt = now
	if err := s.repo.UpdateStatus(ctx, s.db, subscription); err != nil {
		return domain.CancelResult{}, err
	}

	s.resolverCache.InvalidateCustomer(orgID.String(), subscription.CustomerID.String())

	s.log.Info("subscription canceled",
		zap.String("subscription_id", subID.String()),
		zap.Int64("entitlements_revoked", entitlementsRevoked),
		zap.Int64("seats_revoked", seatsRevoked),
	)

	return domain.CancelResult{
		Subscription:        *subscription,
		EntitlementsRevoked: entitlementsRevoked,
		SeatsRevoked:        seatsRevoked,
	}, nil
}

func (s *Service) SetCurrentPeriod(ctx context.Context, id string, start, end time.Time) (domain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.Subscription{}, domain.ErrInvalidOrganization
	}

	subID, err := s.parseID(id, domain.ErrInvalidID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if !start.Before(end) {
		return domain.Subscription{}, domain.ErrInvalidPeriod
	}

	subscription, err := s.repo.FindByID(ctx, s.db, orgID, subID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if subscription == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}

	startUTC := start.UTC()
	endUTC := end.UTC()
	subscription.CurrentPeriodStart = &startUTC
	subscription.CurrentPeriodEnd = &endUTC
	subscription.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdatePeriod(ctx, s.db, subscription); err != nil {
		return domain.Subscription{}, err
	}

	s.resolverCache.InvalidateCustomer(orgID.String(), subscription.CustomerID.String())
	return *subscription, nil
}

func (s *Service) parseID(value string, invalid error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalid
	}
	return id, nil
}
