package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/grantor/internal/clock"
	"github.com/smallbiznis/grantor/internal/cloudmetrics"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	"github.com/smallbiznis/grantor/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.UsageEvent, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	customerID, err := parseID(req.CustomerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}
	featureKey := strings.ToLower(strings.TrimSpace(req.FeatureKey))
	if featureKey == "" {
		return nil, domain.ErrInvalidFeatureKey
	}
	if req.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	var subscriptionID *snowflake.ID
	if strings.TrimSpace(req.SubscriptionID) != "" {
		subID, err := parseID(req.SubscriptionID, domain.ErrInvalidSubscription)
		if err != nil {
			return nil, err
		}
		subscriptionID = &subID
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	// Fast path: a replayed key returns the stored event without touching
	// anything else.
	existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, orgID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	recordedAt := now
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}

	event := &domain.UsageEvent{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		FeatureKey:     featureKey,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey,
		RecordedAt:     recordedAt,
		CreatedAt:      now,
	}

	if err := s.repo.Insert(ctx, s.db, event); err != nil {
		return nil, err
	}
	cloudmetrics.RecordUsageEvent(orgID.String(), featureKey)

	// A concurrent replay may have won the insert; the stored row is the
	// answer either way.
	stored, err := s.repo.FindByIdempotencyKey(ctx, s.db, orgID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}
	return event, nil
}

func (s *Service) WindowTotal(ctx context.Context, customerID, featureKey string, start, end time.Time) (float64, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return 0, err
	}
	key := strings.ToLower(strings.TrimSpace(featureKey))
	if key == "" {
		return 0, domain.ErrInvalidFeatureKey
	}
	if !start.Before(end) {
		return 0, domain.ErrInvalidWindow
	}

	return s.repo.WindowTotal(ctx, s.db, orgID, custID, key, start, end)
}

func parseID(value string, invalid error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalid
	}
	return id, nil
}
