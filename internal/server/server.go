package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/grantor/internal/apikey"
	apikeydomain "github.com/smallbiznis/grantor/internal/apikey/domain"
	"github.com/smallbiznis/grantor/internal/audit"
	auditdomain "github.com/smallbiznis/grantor/internal/audit/domain"
	"github.com/smallbiznis/grantor/internal/authorization"
	"github.com/smallbiznis/grantor/internal/cache"
	"github.com/smallbiznis/grantor/internal/cloudmetrics"
	"github.com/smallbiznis/grantor/internal/config"
	"github.com/smallbiznis/grantor/internal/customer"
	customerdomain "github.com/smallbiznis/grantor/internal/customer/domain"
	"github.com/smallbiznis/grantor/internal/enforcement"
	enforcementdomain "github.com/smallbiznis/grantor/internal/enforcement/domain"
	"github.com/smallbiznis/grantor/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	"github.com/smallbiznis/grantor/internal/feature"
	featuredomain "github.com/smallbiznis/grantor/internal/feature/domain"
	"github.com/smallbiznis/grantor/internal/observability"
	obsmiddleware "github.com/smallbiznis/grantor/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/grantor/internal/observability/metrics"
	obstracing "github.com/smallbiznis/grantor/internal/observability/tracing"
	"github.com/smallbiznis/grantor/internal/organization"
	organizationdomain "github.com/smallbiznis/grantor/internal/organization/domain"
	"github.com/smallbiznis/grantor/internal/providers"
	"github.com/smallbiznis/grantor/internal/providers/pdf"
	"github.com/smallbiznis/grantor/internal/ratelimit"
	"github.com/smallbiznis/grantor/internal/seat"
	seatdomain "github.com/smallbiznis/grantor/internal/seat/domain"
	"github.com/smallbiznis/grantor/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
	"github.com/smallbiznis/grantor/internal/usage"
	usagedomain "github.com/smallbiznis/grantor/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	cloudmetrics.Module,
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	apikey.Module,
	cache.Module,
	customer.Module,
	organization.Module,
	feature.Module,
	subscription.Module,
	entitlement.Module,
	enforcement.Module,
	seat.Module,
	usage.Module,
	providers.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/livez", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine) {
	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	db     *gorm.DB
	cfg    config.Config

	entitlementsvc entitlementdomain.Service
	enforcementsvc enforcementdomain.Service
	seatsvc        seatdomain.Service
	usagesvc       usagedomain.Service
	customersvc    customerdomain.Service
	subscriptionvc subscriptiondomain.Service
	featuresvc     featuredomain.Service
	organizationvc organizationdomain.Service
	apikeysvc      apikeydomain.Service
	auditsvc       auditdomain.Service
	authzSvc       authorization.Service
	pdfProvider    pdf.Provider

	enforcementCfg *config.EnforcementHolder
	enforceLimiter *ratelimit.EnforceLimiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Engine *gin.Engine
	DB     *gorm.DB
	Cfg    config.Config

	EntitlementSvc  entitlementdomain.Service
	EnforcementSvc  enforcementdomain.Service
	SeatSvc         seatdomain.Service
	UsageSvc        usagedomain.Service
	CustomerSvc     customerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	FeatureSvc      featuredomain.Service
	OrganizationSvc organizationdomain.Service
	APIKeySvc       apikeydomain.Service
	AuditSvc        auditdomain.Service
	AuthzSvc        authorization.Service
	PDFProvider     pdf.Provider

	EnforcementCfg *config.EnforcementHolder
	EnforceLimiter *ratelimit.EnforceLimiter `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:         p.Engine,
		db:             p.DB,
		cfg:            p.Cfg,
		entitlementsvc: p.EntitlementSvc,
		enforcementsvc: p.EnforcementSvc,
		seatsvc:        p.SeatSvc,
		usagesvc:       p.UsageSvc,
		customersvc:    p.CustomerSvc,
		subscriptionvc: p.SubscriptionSvc,
		featuresvc:     p.FeatureSvc,
		organizationvc: p.OrganizationSvc,
		apikeysvc:      p.APIKeySvc,
		auditsvc:       p.AuditSvc,
		authzSvc:       p.AuthzSvc,
		pdfProvider:    p.PDFProvider,
		enforcementCfg: p.EnforcementCfg,
		enforceLimiter: p.EnforceLimiter,
		obsMetrics:     p.ObsMetrics,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1", s.APIKeyRequired())

	// -------- Entitlements --------
	entitlements := v1.Group("/entitlements")
	entitlements.POST("/check", s.EnforceRateLimit(), s.authorizeOrgAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.CheckEntitlement)
	entitlements.POST("/check-batch", s.EnforceRateLimit(), s.authorizeOrgAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.CheckEntitlementBatch)
	entitlements.POST("", s.authorizeOrgAction(authorization.ObjectEntitlement, authorization.ActionEntitlementGrant), s.GrantEntitlement)
	entitlements.DELETE("", s.authorizeOrgAction(authorization.ObjectEntitlement, authorization.ActionEntitlementRevoke), s.RevokeEntitlement)

	// -------- Enforcement --------
	v1.POST("/enforce", s.EnforceRateLimit(), s.authorizeOrgAction(authorization.ObjectEnforcement, authorization.ActionEnforcementEvaluate), s.Enforce)
	v1.POST("/enforce-batch", s.EnforceRateLimit(), s.authorizeOrgAction(authorization.ObjectEnforcement, authorization.ActionEnforcementEvaluate), s.EnforceBatch)
	v1.POST("/enforce-and-record", s.EnforceRateLimit(), s.authorizeOrgAction(authorization.ObjectEnforcement, authorization.ActionEnforcementRecord), s.EnforceAndRecord)
	v1.POST("/usage/records", s.authorizeOrgAction(authorization.ObjectEnforcement, authorization.ActionEnforcementRecord), s.RecordUsage)

	// -------- Usage --------
	v1.POST("/usage/events", s.RoutePolicyEnforcement(), s.authorizeOrgAction(authorization.ObjectUsage, authorization.ActionUsageIngest), s.IngestUsage)

	// -------- Seats --------
	seats := v1.Group("/seats")
	seats.POST("", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatAssign), s.AssignSeat)
	seats.DELETE("", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatUnassign), s.UnassignSeat)
	seats.DELETE("/:id", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatUnassign), s.UnassignSeatByID)
	seats.POST("/bulk-assign", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatAssign), s.BulkAssignSeats)
	seats.POST("/bulk-unassign", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatUnassign), s.BulkUnassignSeats)
	seats.POST("/transfer", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatTransfer), s.TransferSeat)

	// -------- Customers --------
	customers := v1.Group("/customers")
	customers.POST("", s.authorizeOrgAction(authorization.ObjectCustomer, authorization.ActionCustomerCreate), s.CreateCustomer)
	customers.GET("", s.authorizeOrgAction(authorization.ObjectCustomer, authorization.ActionCustomerView), s.ListCustomers)
	customers.GET("/:customer_id", s.authorizeOrgAction(authorization.ObjectCustomer, authorization.ActionCustomerView), s.GetCustomerByID)
	customers.GET("/:customer_id/entitlements", s.authorizeOrgAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.ListCustomerEntitlements)
	customers.GET("/:customer_id/usage-summary", s.authorizeOrgAction(authorization.ObjectUsage, authorization.ActionUsageView), s.GetUsageSummary)
	customers.GET("/:customer_id/usage-report.pdf", s.authorizeOrgAction(authorization.ObjectUsage, authorization.ActionUsageView), s.GetUsageReportPDF)
	customers.GET("/:customer_id/seats", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatView), s.ListCustomerSeats)
	customers.GET("/:customer_id/seats/usage", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatView), s.GetSeatUsage)
	customers.DELETE("/:customer_id/seats", s.authorizeOrgAction(authorization.ObjectSeat, authorization.ActionSeatRevokeAll), s.RevokeAllSeats)

	// -------- Subscriptions --------
	subscriptions := v1.Group("/subscriptions")
	subscriptions.POST("", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCreate), s.CreateSubscription)
	subscriptions.GET("", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.ListSubscriptions)
	subscriptions.GET("/:id", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetSubscriptionByID)
	subscriptions.POST("/:id/cancel", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel), s.CancelSubscription)
	subscriptions.DELETE("/:id/entitlements", s.authorizeOrgAction(authorization.ObjectEntitlement, authorization.ActionEntitlementRevoke), s.RevokeSubscriptionEntitlements)
	subscriptions.POST("/:id/entitlements/refresh-expiration", s.authorizeOrgAction(authorization.ObjectEntitlement, authorization.ActionEntitlementRefresh), s.RefreshEntitlementExpiration)

	// -------- Features --------
	features := v1.Group("/features")
	features.POST("", s.authorizeOrgAction(authorization.ObjectFeature, authorization.ActionFeatureCreate), s.CreateFeature)
	features.GET("", s.authorizeOrgAction(authorization.ObjectFeature, authorization.ActionFeatureView), s.ListFeatures)
	features.PATCH("/:id", s.authorizeOrgAction(authorization.ObjectFeature, authorization.ActionFeatureUpdate), s.UpdateFeature)
	features.DELETE("/:id", s.authorizeOrgAction(authorization.ObjectFeature, authorization.ActionFeatureArchive), s.ArchiveFeature)

	// -------- API Keys --------
	apikeys := v1.Group("/api-keys")
	apikeys.GET("", s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	apikeys.POST("", s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	apikeys.POST("/:key_id/rotate", s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	apikeys.DELETE("/:key_id", s.authorizeOrgAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)

	// -------- Audit Logs --------
	v1.GET("/audit-logs", s.authorizeOrgAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)

	// -------- Organizations --------
	organizations := v1.Group("/organizations")
	organizations.GET("", s.authorizeOrgAction(authorization.ObjectOrganization, authorization.ActionOrganizationView), s.ListOrganizations)
	organizations.GET("/:id", s.authorizeOrgAction(authorization.ObjectOrganization, authorization.ActionOrganizationView), s.GetOrganizationByID)
	organizations.POST("", s.authorizeOrgAction(authorization.ObjectOrganization, authorization.ActionOrganizationCreate), s.CreateOrganization)
}
