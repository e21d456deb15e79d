package store

import (
	"context"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// Store is the unified storage interface for all entitle entities. It
// satisfies event.Store, subscription.Store, entitlement.Store, notify.Store
// and reconcile.Store. Methods are declared explicitly rather than embedded
// so each backend has a single checklist.
type Store interface {
	// Event ledger methods
	AppendEvent(ctx context.Context, e *event.Event) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)
	ListCustomerEvents(ctx context.Context, customerID string) ([]*event.Event, error)
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*event.Event, error)

	// Processing record methods
	SaveRecord(ctx context.Context, r *event.Record) error
	GetRecord(ctx context.Context, eventID string) (*event.Record, error)
	ListRecords(ctx context.Context, customerID string, opts event.ListOpts) ([]*event.Record, error)
	ListDeferredRecords(ctx context.Context, firstSeenBefore time.Time, limit int) ([]*event.Record, error)

	// Subscription methods
	GetSubscription(ctx context.Context, customerID string) (*subscription.Subscription, error)
	SaveSubscription(ctx context.Context, s *subscription.Subscription) error
	ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	ListGraceExpired(ctx context.Context, t time.Time, limit int) ([]*subscription.Subscription, error)

	// Entitlement methods
	SaveSet(ctx context.Context, s *entitlement.Set) error
	GetSet(ctx context.Context, key entitlement.Key) (*entitlement.Set, error)
	GetLatestSet(ctx context.Context, customerID string) (*entitlement.Set, error)
	ListSets(ctx context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.Set, error)

	// Notification methods
	SaveNotification(ctx context.Context, n *notify.Notification) error
	GetNotification(ctx context.Context, notificationID id.NotificationID) (*notify.Notification, error)
	ListNotifications(ctx context.Context, opts notify.ListOpts) ([]*notify.Notification, error)
	ListQueuedNotifications(ctx context.Context, limit int) ([]*notify.Notification, error)

	// Divergence methods
	GetDivergence(ctx context.Context, customerID string) (*reconcile.Divergence, error)
	SaveDivergence(ctx context.Context, d *reconcile.Divergence) error
	DeleteDivergence(ctx context.Context, customerID string) error
	ListDivergences(ctx context.Context, opts reconcile.ListOpts) ([]*reconcile.Divergence, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that Store covers every component store.
var (
	_ event.Store        = Store(nil)
	_ subscription.Store = Store(nil)
	_ entitlement.Store  = Store(nil)
	_ notify.Store       = Store(nil)
	_ reconcile.Store    = Store(nil)
)
