// Package plugin provides an extensible plugin system for the entitle engine.
// Plugins hook into pipeline events to extend functionality.
package plugin

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ingestion hooks
// ──────────────────────────────────────────────────

// OnEventIngested is called when an event is appended to the ledger for the
// first time.
type OnEventIngested interface {
	Plugin
	OnEventIngested(ctx context.Context, e *event.Event) error
}

// OnIngestRejected is called when the gateway refuses an inbound event.
type OnIngestRejected interface {
	Plugin
	OnIngestRejected(ctx context.Context, provider string, reason error) error
}

// OnEventProcessed is called when an event receives a processing record,
// including when a deferred record is finalized.
type OnEventProcessed interface {
	Plugin
	OnEventProcessed(ctx context.Context, e *event.Event, rec *event.Record) error
}

// ──────────────────────────────────────────────────
// Subscription and entitlement hooks
// ──────────────────────────────────────────────────

// OnSubscriptionTransitioned is called after a new projection is persisted.
// prev is nil for a customer's first subscription.
type OnSubscriptionTransitioned interface {
	Plugin
	OnSubscriptionTransitioned(ctx context.Context, prev, next *subscription.Subscription) error
}

// OnEntitlementsChanged is called after a new entitlement set is stored.
type OnEntitlementsChanged interface {
	Plugin
	OnEntitlementsChanged(ctx context.Context, set *entitlement.Set) error
}

// ──────────────────────────────────────────────────
// Delivery and reconciliation hooks
// ──────────────────────────────────────────────────

// OnNotificationDeadLettered is called when a notification exhausts its
// retries or fails permanently.
type OnNotificationDeadLettered interface {
	Plugin
	OnNotificationDeadLettered(ctx context.Context, n *notify.Notification) error
}

// OnDivergenceReported is called when reconciliation gives up on correcting
// a customer and reports the divergence.
type OnDivergenceReported interface {
	Plugin
	OnDivergenceReported(ctx context.Context, d *reconcile.Divergence) error
}
