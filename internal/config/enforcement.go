package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnforcementConfig tunes the entitlement engine at runtime. It is loaded
// from enforcement.yml and hot-reloaded on change, so operators can adjust
// cache staleness and route policies without a restart.
type EnforcementConfig struct {
	CacheTTLSeconds    int           `mapstructure:"cacheTtlSeconds"`
	DefaultIncrementBy float64       `mapstructure:"defaultIncrementBy"`
	Policies           []RoutePolicy `mapstructure:"policies"`
}

// RoutePolicy binds a declarative enforcement policy to an HTTP route. The
// server translates matching requests into evaluator calls before the
// handler runs.
type RoutePolicy struct {
	Name              string   `mapstructure:"name"`
	Method            string   `mapstructure:"method"`
	Path              string   `mapstructure:"path"`
	Features          []string `mapstructure:"features"`
	Block             *bool    `mapstructure:"block"`
	IncrementBy       float64  `mapstructure:"incrementBy"`
	IncrementFromBody string   `mapstructure:"incrementFromBody"`
	CustomerIDPath    string   `mapstructure:"customerIdPath"`
	ErrorMessage      string   `mapstructure:"errorMessage"`
}

func DefaultEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{
		CacheTTLSeconds:    45,
		DefaultIncrementBy: 1,
		Policies: []RoutePolicy{
			{
				Name:           "usage-ingest",
				Method:         "POST",
				Path:           "/v1/usage/events",
				Features:       []string{"api_calls"},
				CustomerIDPath: "customer_id",
			},
		},
	}
}

type EnforcementHolder struct {
	current atomic.Value // holds EnforcementConfig
}

func NewEnforcementHolder() (*EnforcementHolder, error) {
	v := viper.New()

	v.SetConfigName("enforcement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/grantor/config") // Volume-mounted config
	v.AddConfigPath("/etc/grantor")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("GRANTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultEnforcementConfig()
		v.SetDefault("enforcement.cacheTtlSeconds", defaults.CacheTTLSeconds)
		v.SetDefault("enforcement.defaultIncrementBy", defaults.DefaultIncrementBy)
		v.SetDefault("enforcement.policies", defaults.Policies)
	}

	var cfg EnforcementConfig
	if err := v.UnmarshalKey("enforcement", &cfg); err != nil {
		return nil, err
	}
	if err := validateEnforcementConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EnforcementHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EnforcementConfig
		if err := v.UnmarshalKey("enforcement", &updated); err != nil {
			log.Printf("[enforcement-config] reload failed: %v", err)
			return
		}
		if err := validateEnforcementConfig(updated); err != nil {
			log.Printf("[enforcement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[enforcement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *EnforcementHolder) Get() EnforcementConfig {
	return h.current.Load().(EnforcementConfig)
}

func validateEnforcementConfig(cfg EnforcementConfig) error {
	if cfg.CacheTTLSeconds <= 0 {
		return errors.New("enforcement.cacheTtlSeconds must be positive")
	}
	if cfg.DefaultIncrementBy <= 0 {
		return errors.New("enforcement.defaultIncrementBy must be positive")
	}
	for _, p := range cfg.Policies {
		if len(p.Features) == 0 {
			return errors.New("enforcement.policies entries need at least one feature")
		}
		if strings.TrimSpace(p.Path) == "" {
			return errors.New("enforcement.policies entries need a path")
		}
	}
	return nil
}
