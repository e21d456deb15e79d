package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                     []OnInit
	onShutdown                 []OnShutdown
	onEventIngested            []OnEventIngested
	onIngestRejected           []OnIngestRejected
	onEventProcessed           []OnEventProcessed
	onSubscriptionTransitioned []OnSubscriptionTransitioned
	onEntitlementsChanged      []OnEntitlementsChanged
	onNotificationDeadLettered []OnNotificationDeadLettered
	onDivergenceReported       []OnDivergenceReported
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEventIngested); ok {
		r.onEventIngested = append(r.onEventIngested, v)
	}
	if v, ok := p.(OnIngestRejected); ok {
		r.onIngestRejected = append(r.onIngestRejected, v)
	}
	if v, ok := p.(OnEventProcessed); ok {
		r.onEventProcessed = append(r.onEventProcessed, v)
	}
	if v, ok := p.(OnSubscriptionTransitioned); ok {
		r.onSubscriptionTransitioned = append(r.onSubscriptionTransitioned, v)
	}
	if v, ok := p.(OnEntitlementsChanged); ok {
		r.onEntitlementsChanged = append(r.onEntitlementsChanged, v)
	}
	if v, ok := p.(OnNotificationDeadLettered); ok {
		r.onNotificationDeadLettered = append(r.onNotificationDeadLettered, v)
	}
	if v, ok := p.(OnDivergenceReported); ok {
		r.onDivergenceReported = append(r.onDivergenceReported, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	typ  reflect.Type
	name string
}{
	{reflect.TypeFor[OnInit](), "OnInit"},
	{reflect.TypeFor[OnShutdown](), "OnShutdown"},
	{reflect.TypeFor[OnEventIngested](), "OnEventIngested"},
	{reflect.TypeFor[OnIngestRejected](), "OnIngestRejected"},
	{reflect.TypeFor[OnEventProcessed](), "OnEventProcessed"},
	{reflect.TypeFor[OnSubscriptionTransitioned](), "OnSubscriptionTransitioned"},
	{reflect.TypeFor[OnEntitlementsChanged](), "OnEntitlementsChanged"},
	{reflect.TypeFor[OnNotificationDeadLettered](), "OnNotificationDeadLettered"},
	{reflect.TypeFor[OnDivergenceReported](), "OnDivergenceReported"},
}

// implementedInterfaces returns the hook interfaces implemented by the plugin.
func implementedInterfaces(p Plugin) []string {
	var out []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			out = append(out, h.name)
		}
	}
	return out
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// snapshot copies a hook slice under the read lock.
func snapshot[T any](r *Registry, hooks *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(*hooks))
	copy(out, *hooks)
	return out
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	for _, p := range snapshot(r, &r.onInit) {
		r.call(ctx, p.Name(), "OnInit", func() error {
			return p.OnInit(ctx, engine)
		})
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, p := range snapshot(r, &r.onShutdown) {
		r.call(ctx, p.Name(), "OnShutdown", func() error {
			return p.OnShutdown(ctx)
		})
	}
}

// EmitEventIngested calls OnEventIngested for all plugins that implement it.
func (r *Registry) EmitEventIngested(ctx context.Context, e *event.Event) {
	for _, p := range snapshot(r, &r.onEventIngested) {
		r.call(ctx, p.Name(), "OnEventIngested", func() error {
			return p.OnEventIngested(ctx, e)
		})
	}
}

// EmitIngestRejected calls OnIngestRejected for all plugins that implement it.
func (r *Registry) EmitIngestRejected(ctx context.Context, provider string, reason error) {
	for _, p := range snapshot(r, &r.onIngestRejected) {
		r.call(ctx, p.Name(), "OnIngestRejected", func() error {
			return p.OnIngestRejected(ctx, provider, reason)
		})
	}
}

// EmitEventProcessed calls OnEventProcessed for all plugins that implement it.
func (r *Registry) EmitEventProcessed(ctx context.Context, e *event.Event, rec *event.Record) {
	for _, p := range snapshot(r, &r.onEventProcessed) {
		r.call(ctx, p.Name(), "OnEventProcessed", func() error {
			return p.OnEventProcessed(ctx, e, rec)
		})
	}
}

// EmitSubscriptionTransitioned calls OnSubscriptionTransitioned for all
// plugins that implement it.
func (r *Registry) EmitSubscriptionTransitioned(ctx context.Context, prev, next *subscription.Subscription) {
	for _, p := range snapshot(r, &r.onSubscriptionTransitioned) {
		r.call(ctx, p.Name(), "OnSubscriptionTransitioned", func() error {
			return p.OnSubscriptionTransitioned(ctx, prev, next)
		})
	}
}

// EmitEntitlementsChanged calls OnEntitlementsChanged for all plugins that
// implement it.
func (r *Registry) EmitEntitlementsChanged(ctx context.Context, set *entitlement.Set) {
	for _, p := range snapshot(r, &r.onEntitlementsChanged) {
		r.call(ctx, p.Name(), "OnEntitlementsChanged", func() error {
			return p.OnEntitlementsChanged(ctx, set)
		})
	}
}

// EmitNotificationDeadLettered calls OnNotificationDeadLettered for all
// plugins that implement it.
func (r *Registry) EmitNotificationDeadLettered(ctx context.Context, n *notify.Notification) {
	for _, p := range snapshot(r, &r.onNotificationDeadLettered) {
		r.call(ctx, p.Name(), "OnNotificationDeadLettered", func() error {
			return p.OnNotificationDeadLettered(ctx, n)
		})
	}
}

// EmitDivergenceReported calls OnDivergenceReported for all plugins that
// implement it.
func (r *Registry) EmitDivergenceReported(ctx context.Context, d *reconcile.Divergence) {
	for _, p := range snapshot(r, &r.onDivergenceReported) {
		r.call(ctx, p.Name(), "OnDivergenceReported", func() error {
			return p.OnDivergenceReported(ctx, d)
		})
	}
}

func (r *Registry) call(ctx context.Context, pluginName, hook string, fn func() error) {
	if err := r.callWithTimeout(ctx, pluginName, fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", pluginName,
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
