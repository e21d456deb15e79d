package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/mongo"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
	"github.com/xraph/entitle/tier"
)

// Option configures the entitle Forge extension.
type Option func(*Extension)

// WithStore sets the store for the entitle engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithPostgres backs the engine with a PostgreSQL grove.DB.
func WithPostgres(db *grove.DB) Option {
	return func(e *Extension) { e.store = postgres.New(db) }
}

// WithSQLite backs the engine with a SQLite grove.DB.
func WithSQLite(db *grove.DB) Option {
	return func(e *Extension) { e.store = sqlite.New(db) }
}

// WithMongo backs the engine with a MongoDB grove.DB.
func WithMongo(db *grove.DB) Option {
	return func(e *Extension) { e.store = mongo.New(db) }
}

// WithEngineOption passes an entitle.Option through to the underlying engine.
func WithEngineOption(opt entitle.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an entitle plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, entitle.WithPlugin(p))
	}
}

// WithDecoder registers a webhook decoder for a provider name.
func WithDecoder(provider string, d gateway.Decoder) Option {
	return func(e *Extension) { e.decoders[provider] = d }
}

// WithTiers sets the tier source, bypassing TiersPath.
func WithTiers(src tier.Source) Option {
	return func(e *Extension) { e.tiers = src }
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for entitle routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithTiersPath sets the tier configuration file to load and watch.
func WithTiersPath(path string) Option {
	return func(e *Extension) { e.config.TiersPath = path }
}

// WithRedisURL moves the entitlement cache to Redis.
func WithRedisURL(url string) Option {
	return func(e *Extension) { e.config.RedisURL = url }
}

// WithEntitlementCacheTTL sets how long resolved entitlement sets stay cached.
func WithEntitlementCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.EntitlementCacheTTL = d }
}
