package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/grantor/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectOrganization = "organization"
	ObjectCustomer     = "customer"
	ObjectFeature      = "feature"
	ObjectSubscription = "subscription"
	ObjectEntitlement  = "entitlement"
	ObjectEnforcement  = "enforcement"
	ObjectSeat         = "seat"
	ObjectUsage        = "usage"
	ObjectAPIKey       = "api_key"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionOrganizationView   = "organization.view"
	ActionOrganizationCreate = "organization.create"

	ActionCustomerView   = "customer.view"
	ActionCustomerCreate = "customer.create"
	ActionCustomerUpdate = "customer.update"

	ActionFeatureView    = "feature.view"
	ActionFeatureCreate  = "feature.create"
	ActionFeatureUpdate  = "feature.update"
	ActionFeatureArchive = "feature.archive"

	ActionSubscriptionView   = "subscription.view"
	ActionSubscriptionCreate = "subscription.create"
	ActionSubscriptionCancel = "subscription.cancel"

	ActionEntitlementView    = "entitlement.view"
	ActionEntitlementGrant   = "entitlement.grant"
	ActionEntitlementRevoke  = "entitlement.revoke"
	ActionEntitlementRefresh = "entitlement.refresh"

	ActionEnforcementEvaluate = "enforcement.evaluate"
	ActionEnforcementRecord   = "enforcement.record"

	ActionSeatView      = "seat.view"
	ActionSeatAssign    = "seat.assign"
	ActionSeatUnassign  = "seat.unassign"
	ActionSeatTransfer  = "seat.transfer"
	ActionSeatRevokeAll = "seat.revoke_all"

	ActionUsageIngest = "usage.ingest"
	ActionUsageView   = "usage.view"

	ActionAPIKeyView   = "api_key.view"
	ActionAPIKeyCreate = "api_key.create"
	ActionAPIKeyRotate = "api_key.rotate"
	ActionAPIKeyRevoke = "api_key.revoke"

	ActionAuditLogView = "audit_log.view"
)

// Scope strings carried on api_keys rows; each maps to a casbin role.
const (
	ScopeAdmin = "admin"

	roleSystem  = "role:system"
	roleAdmin   = "role:admin"
	roleService = "role:service"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, orgID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return ErrInvalidOrganization
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(ctx, actor, orgID)
	if err != nil {
		s.auditDenied(ctx, actorType, actorID, orgID, object, action)
		return err
	}

	domain := fmt.Sprintf("org:%s", orgID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorID, orgID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, actorType, actorID, orgID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, orgID string) (string, string, string, *string, error) {
	if actor == "system" {
		return actor, roleSystem, "system", nil, nil
	}
	if strings.HasPrefix(actor, "api_key:") {
		apiKeyIDRaw := strings.TrimPrefix(actor, "api_key:")
		apiKeyID, err := snowflake.ParseString(apiKeyIDRaw)
		if err != nil || apiKeyID == 0 {
			return "", "", "", nil, ErrInvalidActor
		}
		apiKeyIDStr := apiKeyID.String()
		roleName, err := s.roleForAPIKey(ctx, apiKeyID)
		if err != nil {
			return actor, "", "api_key", &apiKeyIDStr, err
		}
		return actor, roleName, "api_key", &apiKeyIDStr, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

// roleForAPIKey maps key scopes onto a casbin role. Keys carrying the
// admin scope manage catalog and credentials; everything else stays on
// the service role.
func (s *ServiceImpl) roleForAPIKey(ctx context.Context, apiKeyID snowflake.ID) (string, error) {
	var row struct {
		Scopes string `gorm:"column:scopes"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT array_to_string(scopes, ',') AS scopes
		 FROM api_keys
		 WHERE id = ? AND is_active = true
		 LIMIT 1`,
		apiKeyID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	for _, scope := range strings.Split(row.Scopes, ",") {
		if strings.TrimSpace(scope) == ScopeAdmin {
			return roleAdmin, nil
		}
	}
	return roleService, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID *string, orgID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	parsedOrgID, err := snowflake.ParseString(orgID)
	if err != nil || parsedOrgID == 0 {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, &parsedOrgID, actorType, actorID, "authorization.denied", "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
		"actor":  actorType,
		"org_id": orgID,
	})
}

func (s *ServiceImpl) auditGranted(ctx context.Context, actorType string, actorID *string, orgID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	parsedOrgID, err := snowflake.ParseString(orgID)
	if err != nil || parsedOrgID == 0 {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, &parsedOrgID, actorType, actorID, "authorization.granted", "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
		"actor":  actorType,
		"org_id": orgID,
	})
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionAPIKeyRotate, ActionAPIKeyRevoke, ActionEntitlementRevoke, ActionSeatRevokeAll:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	servicePolicies := [][]string{
		{roleService, ObjectEntitlement, ActionEntitlementView},
		{roleService, ObjectEnforcement, ActionEnforcementEvaluate},
		{roleService, ObjectEnforcement, ActionEnforcementRecord},
		{roleService, ObjectSeat, ActionSeatView},
		{roleService, ObjectSeat, ActionSeatAssign},
		{roleService, ObjectSeat, ActionSeatUnassign},
		{roleService, ObjectUsage, ActionUsageIngest},
		{roleService, ObjectUsage, ActionUsageView},
		{roleService, ObjectCustomer, ActionCustomerView},
		{roleService, ObjectFeature, ActionFeatureView},
		{roleService, ObjectSubscription, ActionSubscriptionView},
	}

	adminPolicies := [][]string{
		{roleAdmin, ObjectOrganization, ActionOrganizationView},
		{roleAdmin, ObjectOrganization, ActionOrganizationCreate},
		{roleAdmin, ObjectCustomer, ActionCustomerCreate},
		{roleAdmin, ObjectCustomer, ActionCustomerUpdate},
		{roleAdmin, ObjectFeature, ActionFeatureCreate},
		{roleAdmin, ObjectFeature, ActionFeatureUpdate},
		{roleAdmin, ObjectFeature, ActionFeatureArchive},
		{roleAdmin, ObjectSubscription, ActionSubscriptionCreate},
		{roleAdmin, ObjectSubscription, ActionSubscriptionCancel},
		{roleAdmin, ObjectEntitlement, ActionEntitlementGrant},
		{roleAdmin, ObjectEntitlement, ActionEntitlementRevoke},
		{roleAdmin, ObjectEntitlement, ActionEntitlementRefresh},
		{roleAdmin, ObjectSeat, ActionSeatTransfer},
		{roleAdmin, ObjectSeat, ActionSeatRevokeAll},
		{roleAdmin, ObjectAPIKey, ActionAPIKeyView},
		{roleAdmin, ObjectAPIKey, ActionAPIKeyCreate},
		{roleAdmin, ObjectAPIKey, ActionAPIKeyRotate},
		{roleAdmin, ObjectAPIKey, ActionAPIKeyRevoke},
		{roleAdmin, ObjectAuditLog, ActionAuditLogView},
	}

	policies := make([][]string, 0, len(servicePolicies)*3+len(adminPolicies)*2)
	policies = append(policies, servicePolicies...)
	policies = append(policies, adminPolicies...)

	// Admin and system inherit the service surface; system additionally
	// gets the admin surface for internal processes.
	for _, policy := range servicePolicies {
		policies = append(policies, []string{roleAdmin, policy[1], policy[2]})
		policies = append(policies, []string{roleSystem, policy[1], policy[2]})
	}
	for _, policy := range adminPolicies {
		policies = append(policies, []string{roleSystem, policy[1], policy[2]})
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
