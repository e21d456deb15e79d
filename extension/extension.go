// Package extension provides the Forge extension adapter for entitle.
//
// It implements the forge.Extension interface to integrate entitle
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.entitle" or "entitle" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/api"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/redis"
	"github.com/xraph/entitle/tier"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "entitle"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Entitlements synchronized with billing provider subscription state"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts entitle as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *entitle.Engine
	gateway    *gateway.Gateway
	handler    http.Handler
	store      store.Store
	tiers      tier.Source
	decoders   map[string]gateway.Decoder
	engineOpts []entitle.Option
	stopWatch  func()
	redisCache *redis.Cache
}

// New creates a new entitle Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
		decoders:      make(map[string]gateway.Decoder),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying entitle engine.
// This is nil until Register is called.
func (e *Extension) Engine() *entitle.Engine { return e.engine }

// Gateway returns the ingestion gateway. This is nil until Register is called.
func (e *Extension) Gateway() *gateway.Gateway { return e.gateway }

// Handler returns the HTTP surface mounted under BasePath, or nil when
// routes are disabled.
func (e *Extension) Handler() http.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine and gateway, and registers them in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.tiers == nil {
		loader, err := tier.NewLoader(e.config.TiersPath, nil)
		if err != nil {
			return fmt.Errorf("entitle: load tiers: %w", err)
		}
		e.tiers = loader
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}
	e.engine = entitle.New(e.store, e.tiers, opts...)

	gwOpts := []gateway.Option{gateway.WithPlugins(e.engine.Plugins())}
	for name, dec := range e.decoders {
		gwOpts = append(gwOpts, gateway.WithDecoder(name, dec))
	}
	e.gateway = gateway.New(e.engine, gwOpts...)

	if !e.config.DisableRoutes {
		router := api.NewRouter(api.NewHandlers(e.engine, e.gateway))
		e.handler = http.StripPrefix(e.config.BasePath, router)
	}

	if err := vessel.Provide(fapp.Container(), func() (*entitle.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	return vessel.Provide(fapp.Container(), func() (*gateway.Gateway, error) {
		return e.gateway, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	if loader, ok := e.tiers.(*tier.Loader); ok {
		stop, err := loader.Watch()
		if err != nil {
			e.Logger().Warn("entitle: tier hot reload disabled",
				forge.F("path", e.config.TiersPath),
				forge.F("error", err.Error()),
			)
		} else {
			e.stopWatch = stop
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.stopWatch != nil {
		e.stopWatch()
	}
	var errs entitle.MultiError
	if e.engine != nil {
		errs.Add(e.engine.Stop())
	}
	if e.redisCache != nil {
		errs.Add(e.redisCache.Close())
	}
	e.MarkStopped()
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: engine not initialized")
	}
	return e.engine.Health(ctx)
}

// buildEngineOpts constructs entitle.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]entitle.Option, error) {
	opts := make([]entitle.Option, 0, len(e.engineOpts)+8)

	opts = append(opts,
		entitle.WithWorkers(e.config.Workers),
		entitle.WithQueueSize(e.config.QueueSize),
		entitle.WithDeferralWindow(e.config.DeferralWindow),
		entitle.WithSweepInterval(e.config.SweepInterval),
		entitle.WithGraceCheckInterval(e.config.GraceCheckInterval),
	)
	if e.config.DisableMigrate {
		opts = append(opts, entitle.WithoutMigrations())
	}

	if e.config.RedisURL != "" {
		cache, err := redis.Dial(context.Background(), e.config.RedisURL, redis.WithTTL(e.config.EntitlementCacheTTL))
		if err != nil {
			return nil, err
		}
		e.redisCache = cache
		opts = append(opts, entitle.WithEntitlementCache(cache))
	} else {
		opts = append(opts, entitle.WithEntitlementCache(
			entitlement.NewLRUCache(e.config.EntitlementCacheSize, e.config.EntitlementCacheTTL),
		))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("entitle: configuration is required but not found in config files; " +
				"ensure 'extensions.entitle' or 'entitle' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("entitle: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("tiers_path", e.config.TiersPath),
		forge.F("workers", e.config.Workers),
		forge.F("deferral_window", e.config.DeferralWindow),
		forge.F("redis_cache", e.config.RedisURL != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.entitle", "entitle"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("entitle: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("entitle: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.TiersPath == "" {
		cfg.TiersPath = defaults.TiersPath
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.DeferralWindow == 0 {
		cfg.DeferralWindow = defaults.DeferralWindow
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.GraceCheckInterval == 0 {
		cfg.GraceCheckInterval = defaults.GraceCheckInterval
	}
	if cfg.EntitlementCacheSize == 0 {
		cfg.EntitlementCacheSize = defaults.EntitlementCacheSize
	}
	if cfg.EntitlementCacheTTL == 0 {
		cfg.EntitlementCacheTTL = defaults.EntitlementCacheTTL
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.TiersPath == "" {
		yamlConfig.TiersPath = programmaticConfig.TiersPath
	}
	if yamlConfig.RedisURL == "" {
		yamlConfig.RedisURL = programmaticConfig.RedisURL
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.Workers == 0 {
		yamlConfig.Workers = programmaticConfig.Workers
	}
	if yamlConfig.QueueSize == 0 {
		yamlConfig.QueueSize = programmaticConfig.QueueSize
	}
	if yamlConfig.DeferralWindow == 0 {
		yamlConfig.DeferralWindow = programmaticConfig.DeferralWindow
	}
	if yamlConfig.SweepInterval == 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.GraceCheckInterval == 0 {
		yamlConfig.GraceCheckInterval = programmaticConfig.GraceCheckInterval
	}
	if yamlConfig.EntitlementCacheSize == 0 {
		yamlConfig.EntitlementCacheSize = programmaticConfig.EntitlementCacheSize
	}
	if yamlConfig.EntitlementCacheTTL == 0 {
		yamlConfig.EntitlementCacheTTL = programmaticConfig.EntitlementCacheTTL
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
