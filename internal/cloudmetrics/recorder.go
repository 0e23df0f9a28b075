package cloudmetrics

import (
	"strconv"
	"strings"
	"sync"
)

type Recorder interface {
	RecordDecision(orgID, featureKey string, allowed bool, reason string)
	RecordSeatMutation(orgID, operation string)
	RecordCacheLookup(hit bool)
	RecordUsageEvent(orgID, featureKey string)
}

type recorder struct {
	metrics      *metrics
	defaultOrgID string
}

type noopRecorder struct{}

func (noopRecorder) RecordDecision(string, string, bool, string) {}
func (noopRecorder) RecordSeatMutation(string, string)           {}
func (noopRecorder) RecordCacheLookup(bool)                      {}
func (noopRecorder) RecordUsageEvent(string, string)             {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

func current() Recorder {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	return rec
}

func RecordDecision(orgID, featureKey string, allowed bool, reason string) {
	current().RecordDecision(orgID, featureKey, allowed, reason)
}

func RecordSeatMutation(orgID, operation string) {
	current().RecordSeatMutation(orgID, operation)
}

func RecordCacheLookup(hit bool) {
	current().RecordCacheLookup(hit)
}

func RecordUsageEvent(orgID, featureKey string) {
	current().RecordUsageEvent(orgID, featureKey)
}

func (r *recorder) RecordDecision(orgID, featureKey string, allowed bool, reason string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.decisions.WithLabelValues(
		r.normalizeOrg(orgID),
		normalizeLabel(featureKey),
		strconv.FormatBool(allowed),
		normalizeLabel(reason),
	).Inc()
}

func (r *recorder) RecordSeatMutation(orgID, operation string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.seatMutations.WithLabelValues(r.normalizeOrg(orgID), normalizeLabel(operation)).Inc()
}

func (r *recorder) RecordCacheLookup(hit bool) {
	if r == nil || r.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.metrics.cacheLookups.WithLabelValues(result).Inc()
}

func (r *recorder) RecordUsageEvent(orgID, featureKey string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.usageEvents.WithLabelValues(r.normalizeOrg(orgID), normalizeLabel(featureKey)).Inc()
}

func (r *recorder) normalizeOrg(orgID string) string {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		orgID = strings.TrimSpace(r.defaultOrgID)
	}
	if orgID == "" {
		return "unknown"
	}
	return orgID
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
