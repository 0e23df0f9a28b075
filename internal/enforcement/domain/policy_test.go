package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEvaluator struct {
	Service

	customerID string
	features   []string
	opts       Options
	results    []Result
}

func (s *stubEvaluator) EnforceMany(_ context.Context, customerID string, featureKeys []string, opts Options) ([]Result, error) {
	s.customerID = customerID
	s.features = featureKeys
	s.opts = opts
	return s.results, nil
}

func TestEvaluate_AllowsWhenUnderLimit(t *testing.T) {
	svc := &stubEvaluator{results: []Result{
		{FeatureKey: "api_calls", Allowed: true, Remaining: 4},
	}}
	policy := Policy{Features: []string{"api_calls"}, IncrementBy: 2}

	decision, err := Evaluate(context.Background(), svc, policy, PolicyRequest{CustomerID: "100"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Blocked)
	assert.Empty(t, decision.Message)
	assert.Equal(t, "100", svc.customerID)
	assert.Equal(t, []string{"api_calls"}, svc.features)
	assert.Equal(t, float64(2), svc.opts.IncrementBy)
}

func TestEvaluate_BlocksOnDenial(t *testing.T) {
	svc := &stubEvaluator{results: []Result{
		{FeatureKey: "api_calls", Allowed: true},
		{FeatureKey: "exports", Allowed: false, Reason: "limit exceeded for exports"},
	}}
	policy := Policy{Features: []string{"api_calls", "exports"}}

	decision, err := Evaluate(context.Background(), svc, policy, PolicyRequest{CustomerID: "100"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.True(t, decision.Blocked)
	assert.Equal(t, "limit exceeded for exports", decision.Message)

	policy.ErrorMessage = "upgrade your plan"
	decision, err = Evaluate(context.Background(), svc, policy, PolicyRequest{CustomerID: "100"})
	require.NoError(t, err)
	assert.Equal(t, "upgrade your plan", decision.Message)
}

func TestEvaluate_ObserveOnly(t *testing.T) {
	block := false
	svc := &stubEvaluator{results: []Result{
		{FeatureKey: "api_calls", Allowed: false, Reason: "over limit"},
	}}
	policy := Policy{Features: []string{"api_calls"}, Block: &block}

	decision, err := Evaluate(context.Background(), svc, policy, PolicyRequest{CustomerID: "100"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.False(t, decision.Blocked, "observe-only policies never block")
}

func TestEvaluate_InvalidCustomer(t *testing.T) {
	svc := &stubEvaluator{}
	policy := Policy{Features: []string{"api_calls"}, CustomerIDPath: "customer_id"}

	_, err := Evaluate(context.Background(), svc, policy, PolicyRequest{Body: map[string]any{}})
	assert.ErrorIs(t, err, ErrInvalidCustomer)
}

func TestResolveCustomerID(t *testing.T) {
	req := PolicyRequest{
		CustomerID: " fallback ",
		Params:     map[string]string{"customer_id": " 123 "},
		Body:       map[string]any{"customer_id": "999", "payer": map[string]any{"id": "456"}},
	}

	// Params beat the body for the same path.
	assert.Equal(t, "123", resolveCustomerID(Policy{CustomerIDPath: "customer_id"}, req))
	assert.Equal(t, "456", resolveCustomerID(Policy{CustomerIDPath: "payer.id"}, req))
	assert.Equal(t, "fallback", resolveCustomerID(Policy{CustomerIDPath: "missing"}, req))
	assert.Equal(t, "fallback", resolveCustomerID(Policy{}, req))
}

func TestResolveIncrement(t *testing.T) {
	body := map[string]any{
		"quantity": float64(5),
		"items":    []any{"a", "b", "c"},
		"count":    "7",
		"zero":     float64(0),
	}

	assert.Equal(t, float64(5), resolveIncrement(Policy{IncrementFromBody: "quantity"}, body))
	assert.Equal(t, float64(3), resolveIncrement(Policy{IncrementFromBody: "items"}, body), "arrays meter their element count")
	assert.Equal(t, float64(7), resolveIncrement(Policy{IncrementFromBody: "count"}, body))
	assert.Equal(t, float64(2), resolveIncrement(Policy{IncrementFromBody: "zero", IncrementBy: 2}, body))
	assert.Equal(t, float64(4), resolveIncrement(Policy{IncrementFromBody: "missing", IncrementBy: 4}, body))
	assert.Equal(t, float64(1), resolveIncrement(Policy{}, nil))
}

func TestWalkPath(t *testing.T) {
	body := map[string]any{
		"payer": map[string]any{"id": "456"},
		"items": []any{"a", "b", "c"},
	}

	value, ok := walkPath(body, "payer.id")
	require.True(t, ok)
	assert.Equal(t, "456", value)

	value, ok = walkPath(body, "items.length")
	require.True(t, ok)
	assert.Equal(t, float64(3), value)

	value, ok = walkPath(body, "items.1")
	require.True(t, ok)
	assert.Equal(t, "b", value)

	_, ok = walkPath(body, "items.9")
	assert.False(t, ok)

	_, ok = walkPath(body, "payer.id.deeper")
	assert.False(t, ok, "scalars terminate the walk")
}
