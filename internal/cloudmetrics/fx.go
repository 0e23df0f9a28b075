package cloudmetrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/grantor/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var registerOnce sync.Once

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Invoke(Register),
)

// Register wires the process-wide recorder and starts the export loop.
// When cloud metrics are disabled the noop recorder stays in place and
// enforcement never pays for label formatting.
func Register(lc fx.Lifecycle, cfg config.Config, registry *prometheus.Registry, logger *zap.Logger, db *gorm.DB) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.IsCloud() || !cfg.Cloud.Metrics.Enabled {
		return
	}

	exporterCfg, err := parseExporterConfig(cfg)
	if err != nil {
		logger.Warn("cloud metrics disabled", zap.Error(err))
		return
	}

	registerOnce.Do(func() {
		m := newMetrics(registry)
		setRecorder(&recorder{
			metrics:      m,
			defaultOrgID: cfg.Cloud.OrganizationID,
		})

		exp := newExporter(registry, exporterCfg, logger.Named("cloudmetrics"))
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				exp.Start()
				go updateOrganizationCount(context.Background(), m, db)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return exp.Stop(ctx)
			},
		})
	})
}

func updateOrganizationCount(ctx context.Context, m *metrics, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	var count int64
	if err := db.WithContext(ctx).Table("organizations").Count(&count).Error; err != nil {
		return
	}
	m.orgsTotal.Set(float64(count))
}
