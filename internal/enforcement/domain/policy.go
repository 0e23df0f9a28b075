package domain

import (
	"context"
	"strconv"
	"strings"
)

// Policy is a declarative enforcement rule the server binds to a route.
// The policy middleware translates a matching request into evaluator calls
// before the handler runs.
type Policy struct {
	Features []string
	// Block defaults to true; false means observe-only.
	Block       *bool
	IncrementBy float64
	// IncrementFromBody points at the request body field carrying the
	// increment. A path resolving to an array counts its elements.
	IncrementFromBody string
	// CustomerIDPath resolves the customer, params first, body second.
	CustomerIDPath string
	ErrorMessage   string
}

// PolicyRequest is the request surface a policy can inspect.
type PolicyRequest struct {
	CustomerID string
	Params     map[string]string
	Body       map[string]any
}

// Decision is the outcome of evaluating a policy against a request.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Blocked bool     `json:"blocked"`
	Message string   `json:"message,omitempty"`
	Results []Result `json:"results"`
}

// Evaluate runs the policy's features through the evaluator in soft mode
// and folds the results into one decision. Blocked is true only when the
// policy blocks and at least one feature was denied.
func Evaluate(ctx context.Context, svc Service, policy Policy, req PolicyRequest) (*Decision, error) {
	customerID := resolveCustomerID(policy, req)
	if customerID == "" {
		return nil, ErrInvalidCustomer
	}

	results, err := svc.EnforceMany(ctx, customerID, policy.Features, Options{
		IncrementBy:  resolveIncrement(policy, req.Body),
		ErrorMessage: policy.ErrorMessage,
	})
	if err != nil {
		return nil, err
	}

	decision := &Decision{Allowed: true, Results: results}
	for _, result := range results {
		if !result.Allowed {
			decision.Allowed = false
			if decision.Message == "" {
				decision.Message = result.Reason
			}
		}
	}
	if policy.ErrorMessage != "" && !decision.Allowed {
		decision.Message = policy.ErrorMessage
	}

	block := policy.Block == nil || *policy.Block
	decision.Blocked = block && !decision.Allowed
	return decision, nil
}

func resolveCustomerID(policy Policy, req PolicyRequest) string {
	path := strings.TrimSpace(policy.CustomerIDPath)
	if path == "" {
		return strings.TrimSpace(req.CustomerID)
	}
	if value, ok := req.Params[path]; ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	if value, ok := walkPath(req.Body, path); ok {
		if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return strings.TrimSpace(req.CustomerID)
}

// resolveIncrement walks IncrementFromBody: an array yields its length, a
// numeric leaf its value, anything else falls back to IncrementBy.
func resolveIncrement(policy Policy, body map[string]any) float64 {
	fallback := policy.IncrementBy
	if fallback <= 0 {
		fallback = 1
	}

	path := strings.TrimSpace(policy.IncrementFromBody)
	if path == "" || body == nil {
		return fallback
	}

	value, ok := walkPath(body, path)
	if !ok {
		return fallback
	}
	switch typed := value.(type) {
	case []any:
		return float64(len(typed))
	case float64:
		if typed > 0 {
			return typed
		}
	case int:
		if typed > 0 {
			return float64(typed)
		}
	case string:
		if number, err := strconv.ParseFloat(typed, 64); err == nil && number > 0 {
			return number
		}
	}
	return fallback
}

// walkPath follows a dotted path through nested maps. A "length" segment
// applied to an array resolves to its element count.
func walkPath(body map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = body
	for _, segment := range segments {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			if segment == "length" {
				current = float64(len(typed))
				continue
			}
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, true
}
