package extension

import "time"

// Config holds the entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for entitle routes (default: "/entitle").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// TiersPath is the tier configuration file. It is watched and reloaded
	// on change.
	TiersPath string `json:"tiers_path" mapstructure:"tiers_path" yaml:"tiers_path"`

	// Workers is the number of event processing workers (default: 4).
	Workers int `json:"workers" mapstructure:"workers" yaml:"workers"`

	// QueueSize bounds the processing queue (default: 1024).
	QueueSize int `json:"queue_size" mapstructure:"queue_size" yaml:"queue_size"`

	// DeferralWindow is how long an out-of-order event may wait for its
	// predecessor before it is finalized (default: 24h).
	DeferralWindow time.Duration `json:"deferral_window" mapstructure:"deferral_window" yaml:"deferral_window"`

	// SweepInterval is how often unprocessed and expired deferred events
	// are swept (default: 30s).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// GraceCheckInterval is how often grace deadlines are checked (default: 1m).
	GraceCheckInterval time.Duration `json:"grace_check_interval" mapstructure:"grace_check_interval" yaml:"grace_check_interval"`

	// EntitlementCacheSize bounds the in-process entitlement cache.
	EntitlementCacheSize int `json:"entitlement_cache_size" mapstructure:"entitlement_cache_size" yaml:"entitlement_cache_size"`

	// EntitlementCacheTTL controls how long resolved sets stay cached
	// (default: 10m).
	EntitlementCacheTTL time.Duration `json:"entitlement_cache_ttl" mapstructure:"entitlement_cache_ttl" yaml:"entitlement_cache_ttl"`

	// RedisURL, when set, moves the entitlement cache to Redis so every
	// replica shares it.
	RedisURL string `json:"redis_url" mapstructure:"redis_url" yaml:"redis_url"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:             "/entitle",
		TiersPath:            "tiers.yaml",
		Workers:              4,
		QueueSize:            1024,
		DeferralWindow:       24 * time.Hour,
		SweepInterval:        30 * time.Second,
		GraceCheckInterval:   time.Minute,
		EntitlementCacheSize: 10000,
		EntitlementCacheTTL:  10 * time.Minute,
	}
}
