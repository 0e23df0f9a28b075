package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEnforcementConfigIsValid(t *testing.T) {
	cfg := DefaultEnforcementConfig()
	require.NoError(t, validateEnforcementConfig(cfg))
	assert.Equal(t, 45, cfg.CacheTTLSeconds)
	assert.Equal(t, float64(1), cfg.DefaultIncrementBy)
}

func TestValidateEnforcementConfig(t *testing.T) {
	valid := EnforcementConfig{
		CacheTTLSeconds:    30,
		DefaultIncrementBy: 1,
		Policies: []RoutePolicy{
			{Name: "ingest", Method: "POST", Path: "/v1/usage/events", Features: []string{"api_calls"}},
		},
	}
	require.NoError(t, validateEnforcementConfig(valid))

	broken := valid
	broken.CacheTTLSeconds = 0
	assert.Error(t, validateEnforcementConfig(broken))

	broken = valid
	broken.DefaultIncrementBy = -1
	assert.Error(t, validateEnforcementConfig(broken))

	broken = valid
	broken.Policies = []RoutePolicy{{Name: "empty", Method: "POST", Path: "/v1/x"}}
	assert.Error(t, validateEnforcementConfig(broken), "policies need at least one feature")

	broken = valid
	broken.Policies = []RoutePolicy{{Name: "no-path", Method: "POST", Features: []string{"api_calls"}}}
	assert.Error(t, validateEnforcementConfig(broken))
}

func TestEnforcementHolder_FallsBackToDefaults(t *testing.T) {
	holder, err := NewEnforcementHolder()
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 45, cfg.CacheTTLSeconds)
	require.Len(t, cfg.Policies, 1)
	assert.Equal(t, "usage-ingest", cfg.Policies[0].Name)
}
