package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/grantor/internal/audit/domain"
	"github.com/smallbiznis/grantor/internal/clock"
	"github.com/smallbiznis/grantor/internal/cloudmetrics"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	"github.com/smallbiznis/grantor/internal/orgcontext"
	"github.com/smallbiznis/grantor/internal/seat/domain"
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
	Entitlements    entitlementdomain.Service
	EntitlementRepo entitlementdomain.Repository
	AuditSvc        auditdomain.Service `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	repo            domain.Repository
	entitlements    entitlementdomain.Service
	entitlementRepo entitlementdomain.Repository
	auditSvc        auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("seat.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		repo:            p.Repo,
		entitlements:    p.Entitlements,
		entitlementRepo: p.EntitlementRepo,
		auditSvc:        p.AuditSvc,
	}
}

func (s *Service) Assign(ctx context.Context, req domain.AssignRequest) (*domain.Assignment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	customerID, err := parseID(req.CustomerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}
	featureKey, err := normalizeFeatureKey(req.FeatureKey)
	if err != nil {
		return nil, err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}

	now := s.clock.Now()

	existing, err := s.repo.FindActive(ctx, s.db, orgID, customerID, featureKey, userID, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	metadata := datatypes.JSONMap{}
	for key, value := range req.Metadata {
		metadata[key] = value
	}
	assignment := &domain.Assignment{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		CustomerID: customerID,
		FeatureKey: featureKey,
		UserID:     userID,
		UserEmail:  strings.TrimSpace(req.UserEmail),
		UserName:   strings.TrimSpace(req.UserName),
		AssignedAt: now,
		ExpiresAt:  req.ExpiresAt,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The idempotency check, the capacity check and the insert must not
	// interleave with a concurrent assign: lock the granting entitlement
	// row for the duration of the transaction.
	var assigned *domain.Assignment
	err = s.db.Transaction(func(tx *gorm.DB) error {
		entitlement, err := s.entitlementRepo.FindActiveForUpdate(ctx, tx, orgID, customerID, featureKey, now)
		if err != nil {
			return err
		}
		if entitlement == nil {
			return fmt.Errorf("%w: %s", domain.ErrNoEntitlementForSeat, featureKey)
		}
		value, err := entitlementdomain.ParseValue(entitlement.ValueType, entitlement.Value)
		if err != nil {
			return err
		}

		// A racer may have committed this user's seat between the lookup
		// above and taking the lock; return its row instead of inserting
		// a second one.
		current, err := s.repo.FindActive(ctx, tx, orgID, customerID, featureKey, userID, now)
		if err != nil {
			return err
		}
		if current != nil {
			assigned = current
			return nil
		}

		switch value.Kind {
		case entitlementdomain.ValueTypeUnlimited:

		case entitlementdomain.ValueTypeNumber:
			limit := int64(value.Number)
			used, err := s.repo.CountActive(ctx, tx, orgID, customerID, featureKey, now)
			if err != nil {
				return err
			}
			if used+1 > limit {
				return fmt.Errorf("%w: no available seats: %d/%d", domain.ErrNoSeatsAvailable, used, limit)
			}

		default:
			return fmt.Errorf("%w: %s entitlements do not grant seats", domain.ErrSeatNotAssignable, value.Kind)
		}

		assigned = assignment
		return s.repo.Insert(ctx, tx, assignment)
	})
	if err != nil {
		return nil, err
	}
	if assigned != assignment {
		return assigned, nil
	}

	cloudmetrics.RecordSeatMutation(orgID.String(), "assign")
	s.audit(ctx, orgID, "seat.assigned", assignment.ID.String(), map[string]any{
		"customer_id": customerID.String(),
		"feature_key": featureKey,
		"user_id":     userID,
		"user_email":  maskEmail(assignment.UserEmail),
	})
	return assignment, nil
}

func (s *Service) Unassign(ctx context.Context, customerID, featureKey, userID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return err
	}
	key, err := normalizeFeatureKey(featureKey)
	if err != nil {
		return err
	}
	user := strings.TrimSpace(userID)
	if user == "" {
		return domain.ErrInvalidUser
	}

	removed, err := s.repo.DeleteActive(ctx, s.db, orgID, custID, key, user, s.clock.Now())
	if err != nil {
		return err
	}
	if removed == 0 {
		return domain.ErrSeatNotFound
	}

	cloudmetrics.RecordSeatMutation(orgID.String(), "unassign")
	s.audit(ctx, orgID, "seat.unassigned", user, map[string]any{
		"customer_id": custID.String(),
		"feature_key": key,
		"user_id":     user,
	})
	return nil
}

func (s *Service) UnassignByID(ctx context.Context, assignmentID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	id, err := parseID(assignmentID, domain.ErrInvalidAssignment)
	if err != nil {
		return err
	}

	assignment, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return err
	}
	if assignment == nil || !isActiveAt(assignment, s.clock.Now()) {
		return domain.ErrSeatNotFound
	}

	if _, err := s.repo.DeleteByID(ctx, s.db, orgID, id); err != nil {
		return err
	}

	cloudmetrics.RecordSeatMutation(orgID.String(), "unassign")
	s.audit(ctx, orgID, "seat.unassigned", id.String(), map[string]any{
		"customer_id": assignment.CustomerID.String(),
		"feature_key": assignment.FeatureKey,
		"user_id":     assignment.UserID,
	})
	return nil
}

func (s *Service) HasSeat(ctx context.Context, customerID, featureKey, userID string) (bool, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return false, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return false, err
	}
	key, err := normalizeFeatureKey(featureKey)
	if err != nil {
		return false, err
	}

	assignment, err := s.repo.FindActive(ctx, s.db, orgID, custID, key, strings.TrimSpace(userID), s.clock.Now())
	if err != nil {
		return false, err
	}
	return assignment != nil, nil
}

func (s *Service) Assignments(ctx context.Context, customerID, featureKey string) ([]domain.Assignment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}
	key := ""
	if strings.TrimSpace(featureKey) != "" {
		key, err = normalizeFeatureKey(featureKey)
		if err != nil {
			return nil, err
		}
	}

	return s.repo.ListActive(ctx, s.db, orgID, custID, key, s.clock.Now())
}

func (s *Service) Usage(ctx context.Context, customerID, featureKey string) (*domain.Usage, error) {
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

	return s.usage(ctx, orgID, custID, key)
}

func (s *Service) usage(ctx context.Context, orgID, customerID snowflake.ID, featureKey string) (*domain.Usage, error) {
	assignments, err := s.repo.ListActive(ctx, s.db, orgID, customerID, featureKey, s.clock.Now())
	if err != nil {
		return nil, err
	}
	used := int64(len(assignments))

	check, err := s.entitlements.Check(ctx, customerID.String(), featureKey)
	if err != nil {
		return nil, err
	}

	usage := &domain.Usage{
		CustomerID:  customerID,
		FeatureKey:  featureKey,
		UsedSeats:   used,
		Assignments: assignments,
	}
	switch {
	case check.HasAccess && check.Value.Kind == entitlementdomain.ValueTypeUnlimited:
		usage.Unlimited = true
	case check.HasAccess && check.Value.Kind == entitlementdomain.ValueTypeNumber:
		total := int64(check.Value.Number)
		available := total - used
		if available < 0 {
			available = 0
		}
		usage.TotalSeats = &total
		usage.AvailableSeats = &available
	default:
		// No seat-granting entitlement: zero capacity, not an error.
		zero := int64(0)
		usage.TotalSeats = &zero
		usage.AvailableSeats = &zero
	}
	return usage, nil
}

func (s *Service) AllUsage(ctx context.Context, customerID string) ([]domain.Usage, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}

	all, err := s.entitlements.CustomerEntitlements(ctx, custID.String())
	if err != nil {
		return nil, err
	}

	usages := make([]domain.Usage, 0, len(all.Entitlements))
	for _, entitlement := range all.Entitlements {
		switch entitlement.ValueType {
		case entitlementdomain.ValueTypeNumber, entitlementdomain.ValueTypeUnlimited:
		default:
			continue
		}
		usage, err := s.usage(ctx, orgID, custID, entitlement.FeatureKey)
		if err != nil {
			return nil, err
		}
		usages = append(usages, *usage)
	}
	return usages, nil
}

func (s *Service) BulkAssign(ctx context.Context, req domain.BulkAssignRequest) (*domain.BulkAssignResult, error) {
	result := &domain.BulkAssignResult{}
	for _, user := range req.Users {
		assignment, err := s.Assign(ctx, domain.AssignRequest{
			CustomerID: req.CustomerID,
			FeatureKey: req.FeatureKey,
			UserID:     user.UserID,
			UserEmail:  user.UserEmail,
			UserName:   user.UserName,
		})
		if err != nil {
			if isBulkFatal(err) {
				return nil, err
			}
			result.Errors = append(result.Errors, domain.BulkError{UserID: user.UserID, Error: err.Error()})
			continue
		}
		result.Assigned = append(result.Assigned, *assignment)
	}
	return result, nil
}

func (s *Service) BulkUnassign(ctx context.Context, req domain.BulkUnassignRequest) (*domain.BulkUnassignResult, error) {
	result := &domain.BulkUnassignResult{}
	for _, userID := range req.UserIDs {
		if err := s.Unassign(ctx, req.CustomerID, req.FeatureKey, userID); err != nil {
			if isBulkFatal(err) {
				return nil, err
			}
			result.Errors = append(result.Errors, domain.BulkError{UserID: userID, Error: err.Error()})
			continue
		}
		result.Removed = append(result.Removed, userID)
	}
	return result, nil
}

func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.Assignment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	customerID, err := parseID(req.CustomerID, domain.ErrInvalidCustomer)
	if err != nil {
		return nil, err
	}
	featureKey, err := normalizeFeatureKey(req.FeatureKey)
	if err != nil {
		return nil, err
	}
	fromUser := strings.TrimSpace(req.FromUserID)
	toUser := strings.TrimSpace(req.ToUserID)
	if fromUser == "" || toUser == "" || fromUser == toUser {
		return nil, domain.ErrInvalidUser
	}

	now := s.clock.Now()
	var transferred *domain.Assignment
	err = s.db.Transaction(func(tx *gorm.DB) error {
		source, err := s.repo.FindActive(ctx, tx, orgID, customerID, featureKey, fromUser, now)
		if err != nil {
			return err
		}
		if source == nil {
			return domain.ErrSeatNotFound
		}

		target, err := s.repo.FindActive(ctx, tx, orgID, customerID, featureKey, toUser, now)
		if err != nil {
			return err
		}
		if target != nil {
			return fmt.Errorf("%w: %s", domain.ErrSeatAlreadyAssigned, toUser)
		}

		if _, err := s.repo.DeleteByID(ctx, tx, orgID, source.ID); err != nil {
			return err
		}

		transferred = &domain.Assignment{
			ID:         s.genID.Generate(),
			OrgID:      orgID,
			CustomerID: customerID,
			FeatureKey: featureKey,
			UserID:     toUser,
			UserEmail:  strings.TrimSpace(req.ToUserEmail),
			UserName:   strings.TrimSpace(req.ToUserName),
			AssignedAt: now,
			ExpiresAt:  source.ExpiresAt,
			Metadata:   source.Metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return s.repo.Insert(ctx, tx, transferred)
	})
	if err != nil {
		return nil, err
	}

	cloudmetrics.RecordSeatMutation(orgID.String(), "transfer")
	s.audit(ctx, orgID, "seat.transferred", transferred.ID.String(), map[string]any{
		"customer_id":  customerID.String(),
		"feature_key":  featureKey,
		"from_user_id": fromUser,
		"to_user_id":   toUser,
	})
	return transferred, nil
}

func (s *Service) RevokeAll(ctx context.Context, customerID, featureKey string) (int64, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}

	custID, err := parseID(customerID, domain.ErrInvalidCustomer)
	if err != nil {
		return 0, err
	}
	key := ""
	if strings.TrimSpace(featureKey) != "" {
		key, err = normalizeFeatureKey(featureKey)
		if err != nil {
			return 0, err
		}
	}

	removed, err := s.repo.DeleteAll(ctx, s.db, orgID, custID, key, s.clock.Now())
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		cloudmetrics.RecordSeatMutation(orgID.String(), "revoke_all")
		s.audit(ctx, orgID, "seat.revoked_all", custID.String(), map[string]any{
			"customer_id": custID.String(),
			"feature_key": key,
			"removed":     removed,
		})
	}
	return removed, nil
}

func (s *Service) audit(ctx context.Context, orgID snowflake.ID, action, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, &orgID, "", nil, action, "seat_assignment", &targetID, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

// isBulkFatal separates per-user failures from systemic ones so one bad
// user never fails the batch, while an org or store failure still does.
func isBulkFatal(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvalidUser),
		errors.Is(err, domain.ErrNoSeatsAvailable),
		errors.Is(err, domain.ErrSeatAlreadyAssigned),
		errors.Is(err, domain.ErrSeatNotFound),
		errors.Is(err, domain.ErrNoEntitlementForSeat),
		errors.Is(err, domain.ErrSeatNotAssignable):
		return false
	}
	return true
}

func isActiveAt(assignment *domain.Assignment, now time.Time) bool {
	return assignment.ExpiresAt == nil || assignment.ExpiresAt.After(now)
}

func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 1 {
		return email
	}
	return email[:1] + "***" + email[at:]
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
