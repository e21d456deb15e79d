package notify_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/tier"
	"github.com/xraph/entitle/types"
)

type fakeStore struct {
	mu   sync.Mutex
	byID map[id.NotificationID]notify.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[id.NotificationID]notify.Notification)}
}

func (s *fakeStore) SaveNotification(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[n.ID] = *n
	return nil
}

func (s *fakeStore) GetNotification(_ context.Context, nid id.NotificationID) (*notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[nid]
	if !ok {
		return nil, errors.New("not found")
	}
	return &n, nil
}

func (s *fakeStore) ListNotifications(_ context.Context, opts notify.ListOpts) ([]*notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*notify.Notification
	for _, n := range s.byID {
		if opts.Status != "" && n.Status != opts.Status {
			continue
		}
		if opts.CustomerID != "" && n.CustomerID != opts.CustomerID {
			continue
		}
		if opts.Sink != "" && n.Sink != opts.Sink {
			continue
		}
		n := n
		out = append(out, &n)
	}
	return out, nil
}

func (s *fakeStore) ListQueuedNotifications(_ context.Context, _ int) ([]*notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*notify.Notification
	for _, n := range s.byID {
		if n.Status.Queued() {
			n := n
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) status(nid id.NotificationID) notify.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[nid].Status
}

func (s *fakeStore) only(t *testing.T, version int64) notify.Notification {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.byID {
		if n.SubscriptionVersion == version {
			return n
		}
	}
	t.Fatalf("no notification for version %d", version)
	return notify.Notification{}
}

func set(version int64) *entitlement.Set {
	return &entitlement.Set{
		ID:                  id.NewEntitlementSetID(),
		CustomerID:          "cus_1",
		Lineage:             "evt_c",
		SubscriptionVersion: version,
		Capabilities:        []tier.Capability{tier.CapContentStrategist},
		Quotas:              map[tier.Capability]int64{},
	}
}

func fastPolicy(maxAttempts int) notify.RetryPolicy {
	return notify.RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatchDelivered(t *testing.T) {
	store := newFakeStore()
	var got atomic.Int64
	sink := notify.NewSinkFunc("flags", func(_ context.Context, n *notify.Notification) error {
		got.Store(n.SubscriptionVersion)
		return nil
	})
	d := notify.NewDispatcher(store, []notify.Sink{sink})

	outcome, err := d.Dispatch(context.Background(), set(3))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != notify.OutcomeDelivered {
		t.Errorf("outcome = %q", outcome)
	}
	if got.Load() != 3 {
		t.Errorf("sink saw version %d", got.Load())
	}
	n := store.only(t, 3)
	if n.Status != notify.StatusDelivered || n.Attempts != 1 || n.DeliveredAt == nil {
		t.Errorf("stored = %+v", n)
	}
}

func TestDispatchRetriesThenDelivers(t *testing.T) {
	store := newFakeStore()
	var calls atomic.Int32
	sink := notify.NewSinkFunc("flags", func(context.Context, *notify.Notification) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	d := notify.NewDispatcher(store, []notify.Sink{sink}, notify.WithRetryPolicy(fastPolicy(8)))
	defer d.Stop()

	outcome, err := d.Dispatch(context.Background(), set(1))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != notify.OutcomeQueuedForRetry {
		t.Fatalf("outcome = %q", outcome)
	}

	n := store.only(t, 1)
	waitFor(t, func() bool { return store.status(n.ID) == notify.StatusDelivered })
	if final := store.only(t, 1); final.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", final.Attempts)
	}
}

func TestDispatchDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	var dead atomic.Int32
	sink := notify.NewSinkFunc("flags", func(context.Context, *notify.Notification) error {
		return errors.New("503")
	})
	d := notify.NewDispatcher(store, []notify.Sink{sink},
		notify.WithRetryPolicy(fastPolicy(3)),
		notify.WithDeadLetterHook(func(context.Context, *notify.Notification) { dead.Add(1) }),
	)
	defer d.Stop()

	if _, err := d.Dispatch(context.Background(), set(1)); err != nil {
		t.Fatal(err)
	}
	n := store.only(t, 1)
	waitFor(t, func() bool { return store.status(n.ID) == notify.StatusDeadLettered })

	final := store.only(t, 1)
	if final.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", final.Attempts)
	}
	if dead.Load() != 1 {
		t.Errorf("dead letter hook ran %d times", dead.Load())
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	store := newFakeStore()
	sink := notify.NewSinkFunc("flags", func(context.Context, *notify.Notification) error {
		return notify.Permanent(errors.New("400 bad payload"))
	})
	d := notify.NewDispatcher(store, []notify.Sink{sink})

	outcome, err := d.Dispatch(context.Background(), set(1))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != notify.OutcomeDeadLettered {
		t.Errorf("outcome = %q", outcome)
	}
	if n := store.only(t, 1); n.Attempts != 1 || n.LastError == "" {
		t.Errorf("stored = %+v", n)
	}
}

func TestNewerVersionSupersedesQueued(t *testing.T) {
	store := newFakeStore()
	var fail atomic.Bool
	fail.Store(true)
	sink := notify.NewSinkFunc("flags", func(context.Context, *notify.Notification) error {
		if fail.Load() {
			return errors.New("timeout")
		}
		return nil
	})
	slow := notify.RetryPolicy{MaxAttempts: 8, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	d := notify.NewDispatcher(store, []notify.Sink{sink}, notify.WithRetryPolicy(slow))
	defer d.Stop()

	if o, _ := d.Dispatch(context.Background(), set(1)); o != notify.OutcomeQueuedForRetry {
		t.Fatalf("v1 outcome = %q", o)
	}
	if d.Pending() != 1 {
		t.Fatalf("pending = %d", d.Pending())
	}

	fail.Store(false)
	if o, _ := d.Dispatch(context.Background(), set(2)); o != notify.OutcomeDelivered {
		t.Fatalf("v2 outcome = %q", o)
	}
	if got := store.only(t, 1).Status; got != notify.StatusSuperseded {
		t.Errorf("v1 status = %q, want superseded", got)
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d, want 0", d.Pending())
	}
}

func TestRedrive(t *testing.T) {
	store := newFakeStore()
	var healthy atomic.Bool
	sink := notify.NewSinkFunc("flags", func(context.Context, *notify.Notification) error {
		if healthy.Load() {
			return nil
		}
		return notify.Permanent(errors.New("gone"))
	})
	d := notify.NewDispatcher(store, []notify.Sink{sink})
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, set(1)); err != nil {
		t.Fatal(err)
	}
	n := store.only(t, 1)

	healthy.Store(true)
	outcome, err := d.Redrive(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != notify.OutcomeDelivered || store.status(n.ID) != notify.StatusDelivered {
		t.Errorf("redrive outcome = %q, status = %q", outcome, store.status(n.ID))
	}

	if _, err := d.Redrive(ctx, n.ID); !errors.Is(err, notify.ErrNotDeadLettered) {
		t.Errorf("second redrive err = %v", err)
	}
}

func TestStartReschedulesNewestQueued(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	older := &notify.Notification{
		Entity: types.Entity{CreatedAt: past, UpdatedAt: past}, ID: id.NewNotificationID(),
		CustomerID: "cus_1", Sink: "flags", SubscriptionVersion: 1, Set: set(1),
		Status: notify.StatusRetrying, Attempts: 2, NextAttemptAt: &past,
	}
	newer := &notify.Notification{
		Entity: types.Entity{CreatedAt: past.Add(time.Second), UpdatedAt: past}, ID: id.NewNotificationID(),
		CustomerID: "cus_1", Sink: "flags", SubscriptionVersion: 2, Set: set(2),
		Status: notify.StatusPending,
	}
	_ = store.SaveNotification(ctx, older)
	_ = store.SaveNotification(ctx, newer)

	var delivered atomic.Int64
	sink := notify.NewSinkFunc("flags", func(_ context.Context, n *notify.Notification) error {
		delivered.Store(n.SubscriptionVersion)
		return nil
	})
	d := notify.NewDispatcher(store, []notify.Sink{sink})
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	waitFor(t, func() bool { return store.status(newer.ID) == notify.StatusDelivered })
	if store.status(older.ID) != notify.StatusSuperseded {
		t.Errorf("older status = %q, want superseded", store.status(older.ID))
	}
	if delivered.Load() != 2 {
		t.Errorf("delivered version = %d", delivered.Load())
	}
}

func TestStopCancelsRetries(t *testing.T) {
	store := newFakeStore()
	var calls atomic.Int32
	sink := notify.NewSinkFunc("flags", func(context.Context, *notify.Notification) error {
		calls.Add(1)
		return errors.New("down")
	})
	policy := notify.RetryPolicy{MaxAttempts: 8, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	d := notify.NewDispatcher(store, []notify.Sink{sink}, notify.WithRetryPolicy(policy))

	if _, err := d.Dispatch(context.Background(), set(1)); err != nil {
		t.Fatal(err)
	}
	d.Stop()
	time.Sleep(120 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("sink called %d times after stop", calls.Load())
	}
	if got := store.only(t, 1).Status; got != notify.StatusRetrying {
		t.Errorf("status = %q, want retrying kept for restart", got)
	}
}

func TestDispatchWorstOutcomeAcrossSinks(t *testing.T) {
	store := newFakeStore()
	ok := notify.NewSinkFunc("ok", func(context.Context, *notify.Notification) error { return nil })
	bad := notify.NewSinkFunc("bad", func(context.Context, *notify.Notification) error {
		return notify.Permanent(errors.New("no"))
	})
	d := notify.NewDispatcher(store, []notify.Sink{ok, bad})

	outcome, err := d.Dispatch(context.Background(), set(1))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != notify.OutcomeDeadLettered {
		t.Errorf("outcome = %q", outcome)
	}
	if names := d.SinkNames(); len(names) != 2 || names[0] != "ok" {
		t.Errorf("sink names = %v", names)
	}
}
