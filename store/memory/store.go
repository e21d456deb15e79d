// Package memory provides an in-memory store for development and tests.
// All data is lost when the process exits.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
)

var _ store.Store = (*Store)(nil)

// Store keeps every entity in maps guarded by one RWMutex. Values are
// copied on the way in and out so callers never share state with the
// store.
type Store struct {
	mu     sync.RWMutex
	closed bool

	// Event ledger
	events     map[string]*event.Event
	eventOrder []string
	byCustomer map[string][]string
	records    map[string]*event.Record

	// Projections and derived state
	subscriptions map[string]*subscription.Subscription
	sets          map[entitlement.Key]*entitlement.Set
	notifications map[string]*notify.Notification
	divergences   map[string]*reconcile.Divergence
}

func New() *Store {
	return &Store{
		events:        make(map[string]*event.Event),
		byCustomer:    make(map[string][]string),
		records:       make(map[string]*event.Record),
		subscriptions: make(map[string]*subscription.Subscription),
		sets:          make(map[entitlement.Key]*entitlement.Set),
		notifications: make(map[string]*notify.Notification),
		divergences:   make(map[string]*reconcile.Divergence),
	}
}

// ──────────────────────────────────────────────────
// Event ledger
// ──────────────────────────────────────────────────

func (s *Store) AppendEvent(_ context.Context, e *event.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, entitle.ErrStoreClosed
	}

	if _, exists := s.events[e.ID]; exists {
		return false, nil
	}
	cp := *e
	s.events[e.ID] = &cp
	s.eventOrder = append(s.eventOrder, e.ID)
	s.byCustomer[e.CustomerID] = append(s.byCustomer[e.CustomerID], e.ID)
	return true, nil
}

func (s *Store) GetEvent(_ context.Context, eventID string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.events[eventID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, entitle.ErrEventNotFound
}

func (s *Store) ListCustomerEvents(_ context.Context, customerID string) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byCustomer[customerID]
	result := make([]*event.Event, 0, len(ids))
	for _, eventID := range ids {
		cp := *s.events[eventID]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) ListUnprocessedEvents(_ context.Context, limit int) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Event, 0)
	for _, eventID := range s.eventOrder {
		if _, done := s.records[eventID]; done {
			continue
		}
		cp := *s.events[eventID]
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SaveRecord(_ context.Context, r *event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entitle.ErrStoreClosed
	}

	cp := *r
	s.records[r.EventID] = &cp
	return nil
}

func (s *Store) GetRecord(_ context.Context, eventID string) (*event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.records[eventID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, entitle.ErrRecordNotFound
}

func (s *Store) ListRecords(_ context.Context, customerID string, opts event.ListOpts) ([]*event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Record, 0)
	for _, r := range s.records {
		if r.CustomerID != customerID {
			continue
		}
		if opts.Outcome != "" && r.Outcome != opts.Outcome {
			continue
		}
		if opts.Lineage != "" && r.Lineage != opts.Lineage {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *event.Record) int {
		return cmp.Or(a.FirstSeenAt.Compare(b.FirstSeenAt), cmp.Compare(a.EventID, b.EventID))
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListDeferredRecords(_ context.Context, firstSeenBefore time.Time, limit int) ([]*event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Record, 0)
	for _, r := range s.records {
		if r.Outcome == event.OutcomeDeferred && r.FirstSeenAt.Before(firstSeenBefore) {
			cp := *r
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *event.Record) int {
		return cmp.Or(a.FirstSeenAt.Compare(b.FirstSeenAt), cmp.Compare(a.EventID, b.EventID))
	})
	return paginate(result, 0, limit), nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (s *Store) GetSubscription(_ context.Context, customerID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[customerID]; ok {
		return copySubscription(sub), nil
	}
	return nil, entitle.ErrSubscriptionNotFound
}

func (s *Store) SaveSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entitle.ErrStoreClosed
	}

	s.subscriptions[sub.CustomerID] = copySubscription(sub)
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if opts.Status == "" || sub.Status == opts.Status {
			result = append(result, copySubscription(sub))
		}
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		return cmp.Compare(a.CustomerID, b.CustomerID)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListGraceExpired(_ context.Context, t time.Time, limit int) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.GraceExpired(t) {
			result = append(result, copySubscription(sub))
		}
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		return cmp.Or(a.GraceDeadline.Compare(*b.GraceDeadline), cmp.Compare(a.CustomerID, b.CustomerID))
	})
	return paginate(result, 0, limit), nil
}

func copySubscription(sub *subscription.Subscription) *subscription.Subscription {
	cp := *sub
	if sub.GraceDeadline != nil {
		d := *sub.GraceDeadline
		cp.GraceDeadline = &d
	}
	return &cp
}

// ──────────────────────────────────────────────────
// Entitlement sets
// ──────────────────────────────────────────────────

func (s *Store) SaveSet(_ context.Context, set *entitlement.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entitle.ErrStoreClosed
	}

	if _, exists := s.sets[set.Key()]; exists {
		return nil
	}
	cp := *set
	s.sets[set.Key()] = &cp
	return nil
}

func (s *Store) GetSet(_ context.Context, key entitlement.Key) (*entitlement.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if set, ok := s.sets[key]; ok {
		cp := *set
		return &cp, nil
	}
	return nil, entitle.ErrEntitlementsNotFound
}

func (s *Store) GetLatestSet(ctx context.Context, customerID string) (*entitlement.Set, error) {
	sets, err := s.ListSets(ctx, customerID, entitlement.ListOpts{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, entitle.ErrEntitlementsNotFound
	}
	return sets[0], nil
}

func (s *Store) ListSets(_ context.Context, customerID string, opts entitlement.ListOpts) ([]*entitlement.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*entitlement.Set, 0)
	for key, set := range s.sets {
		if key.CustomerID == customerID {
			cp := *set
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *entitlement.Set) int {
		return cmp.Or(
			b.ComputedAt.Compare(a.ComputedAt),
			cmp.Compare(b.SubscriptionVersion, a.SubscriptionVersion),
		)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Notifications
// ──────────────────────────────────────────────────

func (s *Store) SaveNotification(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entitle.ErrStoreClosed
	}

	s.notifications[n.ID.String()] = copyNotification(n)
	return nil
}

func (s *Store) GetNotification(_ context.Context, notificationID id.NotificationID) (*notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n, ok := s.notifications[notificationID.String()]; ok {
		return copyNotification(n), nil
	}
	return nil, entitle.ErrNotificationNotFound
}

func (s *Store) ListNotifications(_ context.Context, opts notify.ListOpts) ([]*notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*notify.Notification, 0)
	for _, n := range s.notifications {
		if opts.Status != "" && n.Status != opts.Status {
			continue
		}
		if opts.CustomerID != "" && n.CustomerID != opts.CustomerID {
			continue
		}
		if opts.Sink != "" && n.Sink != opts.Sink {
			continue
		}
		result = append(result, copyNotification(n))
	}
	slices.SortFunc(result, func(a, b *notify.Notification) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID.String(), a.ID.String()))
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListQueuedNotifications(_ context.Context, limit int) ([]*notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*notify.Notification, 0)
	for _, n := range s.notifications {
		if n.Status.Queued() {
			result = append(result, copyNotification(n))
		}
	}
	slices.SortFunc(result, func(a, b *notify.Notification) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return paginate(result, 0, limit), nil
}

func copyNotification(n *notify.Notification) *notify.Notification {
	cp := *n
	if n.NextAttemptAt != nil {
		t := *n.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}

// ──────────────────────────────────────────────────
// Divergences
// ──────────────────────────────────────────────────

func (s *Store) GetDivergence(_ context.Context, customerID string) (*reconcile.Divergence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.divergences[customerID]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, entitle.ErrDivergenceNotFound
}

func (s *Store) SaveDivergence(_ context.Context, d *reconcile.Divergence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entitle.ErrStoreClosed
	}

	cp := *d
	s.divergences[d.CustomerID] = &cp
	return nil
}

func (s *Store) DeleteDivergence(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.divergences[customerID]; !ok {
		return entitle.ErrDivergenceNotFound
	}
	delete(s.divergences, customerID)
	return nil
}

func (s *Store) ListDivergences(_ context.Context, opts reconcile.ListOpts) ([]*reconcile.Divergence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*reconcile.Divergence, 0, len(s.divergences))
	for _, d := range s.divergences {
		if opts.ReportedOnly && !d.Reported {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *reconcile.Divergence) int {
		return cmp.Compare(a.CustomerID, b.CustomerID)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Core
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return entitle.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// paginate applies offset and limit. A zero limit returns everything from
// the offset.
func paginate[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
