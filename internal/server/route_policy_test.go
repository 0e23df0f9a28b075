package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grantor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRoutePolicy(t *testing.T) {
	cfg := config.EnforcementConfig{
		Policies: []config.RoutePolicy{
			{Name: "no-features", Method: "POST", Path: "/v1/usage/events"},
			{Name: "ingest", Method: "post", Path: "/v1/usage/events", Features: []string{"api_calls"}},
		},
	}

	policy, ok := matchRoutePolicy(cfg, "POST", "/v1/usage/events")
	require.True(t, ok)
	assert.Equal(t, "ingest", policy.Name, "policies without features never match")

	_, ok = matchRoutePolicy(cfg, "GET", "/v1/usage/events")
	assert.False(t, ok)

	_, ok = matchRoutePolicy(cfg, "POST", "")
	assert.False(t, ok, "unrouted requests have no policy")
}

func TestPolicyRule(t *testing.T) {
	cfg := config.EnforcementConfig{DefaultIncrementBy: 2}

	rule := policyRule(cfg, config.RoutePolicy{Features: []string{"api_calls"}})
	assert.Equal(t, float64(2), rule.IncrementBy, "config default fills a missing increment")
	assert.Equal(t, "customer_id", rule.CustomerIDPath)

	rule = policyRule(cfg, config.RoutePolicy{IncrementBy: 5, CustomerIDPath: " payer.id "})
	assert.Equal(t, float64(5), rule.IncrementBy)
	assert.Equal(t, "payer.id", rule.CustomerIDPath)

	block := false
	rule = policyRule(cfg, config.RoutePolicy{Block: &block})
	require.NotNil(t, rule.Block)
	assert.False(t, *rule.Block)
}

func TestPolicyRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", "/v1/customers/123/exports", strings.NewReader("{}"))
	c.Params = gin.Params{{Key: "customer_id", Value: "123"}}

	req := policyRequest(c, map[string]any{"quantity": float64(3)})
	assert.Equal(t, "123", req.CustomerID)
	assert.Equal(t, "123", req.Params["customer_id"])
	assert.Equal(t, float64(3), req.Body["quantity"])
}

func TestReadAndRestoreBody(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", "/v1/usage/events", strings.NewReader(`{"feature_key":"api_calls"}`))

	body, err := readAndRestoreBody(c)
	require.NoError(t, err)
	assert.Equal(t, "api_calls", body["feature_key"])

	// The handler can still bind the body afterwards.
	var payload struct {
		FeatureKey string `json:"feature_key"`
	}
	require.NoError(t, c.ShouldBindJSON(&payload))
	assert.Equal(t, "api_calls", payload.FeatureKey)

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", "/v1/usage/events", strings.NewReader("not json"))
	body, err = readAndRestoreBody(c)
	require.NoError(t, err, "non-JSON bodies are not a policy error")
	assert.Nil(t, body)
}
