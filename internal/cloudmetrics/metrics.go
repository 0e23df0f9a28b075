package cloudmetrics

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	decisions     *prometheus.CounterVec
	seatMutations *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	usageEvents   *prometheus.CounterVec
	orgsTotal     prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantor_enforcement_decisions_total",
			Help: "Enforcement decisions by feature, outcome and reason.",
		}, []string{"org_id", "feature_key", "allowed", "reason"}),
		seatMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantor_seat_mutations_total",
			Help: "Seat assignment mutations by operation.",
		}, []string{"org_id", "operation"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantor_entitlement_cache_lookups_total",
			Help: "Entitlement cache lookups by result.",
		}, []string{"result"}),
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantor_usage_events_total",
			Help: "Usage events recorded by feature.",
		}, []string{"org_id", "feature_key"}),
		orgsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grantor_organizations_total",
			Help: "Number of organizations in the store.",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.decisions, m.seatMutations, m.cacheLookups, m.usageEvents, m.orgsTotal)
	}
	return m
}
