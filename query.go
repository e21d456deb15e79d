package entitle

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// ──────────────────────────────────────────────────
// Entitlements
// ──────────────────────────────────────────────────

// Entitlements returns the customer's current entitlement set: the one
// derived from the stored subscription version. A set that was never
// stored, for example after a crash during publication, is resolved and
// stored on demand.
func (e *Engine) Entitlements(ctx context.Context, customerID string) (*entitlement.Set, error) {
	sub, err := e.store.GetSubscription(ctx, customerID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrEntitlementsNotFound, customerID)
		}
		return nil, err
	}
	key := entitlement.Key{CustomerID: customerID, Lineage: sub.Lineage, Version: sub.Version}

	if set, err := e.cache.Get(ctx, key); err == nil {
		return set, nil
	} else if !errors.Is(err, entitlement.ErrCacheMiss) {
		e.logger.Warn("entitlement cache get failed", "customer_id", customerID, "error", err)
	}

	set, err := e.store.GetSet(ctx, key)
	switch {
	case err == nil:
	case IsNotFound(err):
		set = entitlement.Resolve(sub, e.tiers.Current())
		set.ID = id.NewEntitlementSetID()
		set.ComputedAt = e.now().UTC()
		if err := e.store.SaveSet(ctx, set); err != nil {
			return nil, fmt.Errorf("entitle: save entitlement set: %w", err)
		}
		if stored, err := e.store.GetSet(ctx, key); err == nil {
			set = stored
		}
	default:
		return nil, err
	}

	if err := e.cache.Put(ctx, set); err != nil {
		e.logger.Warn("entitlement cache put failed", "customer_id", customerID, "error", err)
	}
	return set, nil
}

// EntitlementHistory returns a customer's stored entitlement sets, newest
// first.
func (e *Engine) EntitlementHistory(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.Set, error) {
	return e.store.ListSets(ctx, customerID, opts)
}

// ──────────────────────────────────────────────────
// Subscriptions and the ledger
// ──────────────────────────────────────────────────

// Subscription returns the customer's subscription projection.
func (e *Engine) Subscription(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, customerID)
}

// Subscriptions lists subscription projections.
func (e *Engine) Subscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, opts)
}

// Event returns a ledgered event.
func (e *Engine) Event(ctx context.Context, eventID string) (*event.Event, error) {
	return e.store.GetEvent(ctx, eventID)
}

// Record returns the processing record of an event.
func (e *Engine) Record(ctx context.Context, eventID string) (*event.Record, error) {
	return e.store.GetRecord(ctx, eventID)
}

// Records lists a customer's processing records.
func (e *Engine) Records(ctx context.Context, customerID string, opts event.ListOpts) ([]*event.Record, error) {
	return e.store.ListRecords(ctx, customerID, opts)
}

// ──────────────────────────────────────────────────
// Notifications and divergences
// ──────────────────────────────────────────────────

// Notifications lists notifications.
func (e *Engine) Notifications(ctx context.Context, opts notify.ListOpts) ([]*notify.Notification, error) {
	return e.store.ListNotifications(ctx, opts)
}

// Redrive retries a dead-lettered notification.
func (e *Engine) Redrive(ctx context.Context, notificationID id.NotificationID) (notify.Outcome, error) {
	return e.dispatcher.Redrive(ctx, notificationID)
}

// Divergences lists reconciliation divergences.
func (e *Engine) Divergences(ctx context.Context, opts reconcile.ListOpts) ([]*reconcile.Divergence, error) {
	return e.store.ListDivergences(ctx, opts)
}

// ReconcileNow runs a full reconciliation pass over every shard.
func (e *Engine) ReconcileNow(ctx context.Context) (reconcile.Summary, error) {
	if e.reconciler == nil {
		return reconcile.Summary{}, fmt.Errorf("%w: reconciliation is not configured", ErrInvalidInput)
	}
	return e.reconciler.RunAll(ctx)
}

// Health pings the store.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return nil
}
