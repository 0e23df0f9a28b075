// Package domain defines the enforcement evaluator contract: given
// (customer, feature, increment) it answers allow/deny from entitlement
// grants and usage accounting.
package domain

import (
	"context"
	"encoding/json"
	"errors"

	entitlementdomain "github.com/smallbiznis/grantor/internal/entitlement/domain"
	usagedomain "github.com/smallbiznis/grantor/internal/usage/domain"
)

// Result is one enforcement decision. For unlimited entitlements Limit and
// Remaining are +Inf; the JSON form omits them and sets unlimited instead.
type Result struct {
	FeatureKey   string                    `json:"feature_key"`
	Allowed      bool                      `json:"allowed"`
	Reason       string                    `json:"reason,omitempty"`
	Entitlement  *entitlementdomain.Check  `json:"entitlement,omitempty"`
	CurrentUsage float64                   `json:"current_usage"`
	Limit        float64                   `json:"-"`
	Remaining    float64                   `json:"-"`
	Unlimited    bool                      `json:"unlimited"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type resultAlias Result
	payload := struct {
		resultAlias
		LimitJSON     *float64 `json:"limit,omitempty"`
		RemainingJSON *float64 `json:"remaining,omitempty"`
	}{resultAlias: resultAlias(r)}
	if !r.Unlimited {
		limit := r.Limit
		remaining := r.Remaining
		payload.LimitJSON = &limit
		payload.RemainingJSON = &remaining
	}
	return json.Marshal(payload)
}

// Options tunes a single enforcement call.
type Options struct {
	// Soft returns denials as Allowed=false results instead of errors.
	Soft bool
	// IncrementBy is the usage the caller is about to consume; <= 0 means 1.
	IncrementBy float64
	// ErrorMessage overrides the denial reason.
	ErrorMessage string
}

// FeatureUsage is one row of a customer's usage summary. Limit, Remaining
// and PercentUsed are nil for unlimited entitlements.
type FeatureUsage struct {
	FeatureKey   string                       `json:"feature_key"`
	ValueType    entitlementdomain.ValueType  `json:"value_type"`
	Unlimited    bool                         `json:"unlimited"`
	CurrentUsage float64                      `json:"current_usage"`
	Limit        *float64                     `json:"limit,omitempty"`
	Remaining    *float64                     `json:"remaining,omitempty"`
	PercentUsed  *float64                     `json:"percent_used,omitempty"`
}

type Service interface {
	Enforce(ctx context.Context, customerID, featureKey string, opts Options) (*Result, error)
	// EnforceMany evaluates every key in soft mode; denials never surface
	// as errors.
	EnforceMany(ctx context.Context, customerID string, featureKeys []string, opts Options) ([]Result, error)
	RecordUsage(ctx context.Context, customerID, featureKey string, quantity float64, subscriptionID string) (*usagedomain.UsageEvent, error)
	// EnforceAndRecord records usage only when the decision allows; a
	// denial never produces a ledger write.
	EnforceAndRecord(ctx context.Context, customerID, featureKey string, opts Options) (*Result, error)
	UsageSummary(ctx context.Context, customerID string) ([]FeatureUsage, error)
}

// AnyExceeded reports whether any result was denied.
func AnyExceeded(results []Result) bool {
	for _, result := range results {
		if !result.Allowed {
			return true
		}
	}
	return false
}

// Exceeded returns only the denied results.
func Exceeded(results []Result) []Result {
	denied := make([]Result, 0, len(results))
	for _, result := range results {
		if !result.Allowed {
			denied = append(denied, result)
		}
	}
	return denied
}

var (
	ErrNoEntitlement     = errors.New("no_entitlement")
	ErrFeatureDisabled   = errors.New("feature_disabled")
	ErrLimitExceeded     = errors.New("limit_exceeded")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
)
