package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

var (
	// ErrNotDeadLettered is returned when redriving a notification that is
	// not in the dead-letter state.
	ErrNotDeadLettered = errors.New("notify: notification is not dead-lettered")

	// ErrSuperseded is returned when redriving a notification whose customer
	// and sink already have a newer notification queued.
	ErrSuperseded = errors.New("notify: notification superseded by a newer version")

	// ErrUnknownSink is recorded when a stored notification names a sink
	// that is no longer configured.
	ErrUnknownSink = errors.New("notify: sink not configured")
)

// Dispatcher delivers entitlement sets to every configured sink at least
// once. Failed deliveries retry on their own timers with bounded backoff and
// are dead-lettered when the policy gives up. Only the newest notification
// per (customer, sink) is kept in retry; older ones are superseded.
type Dispatcher struct {
	store        Store
	sinks        []Sink
	policy       RetryPolicy
	timeout      time.Duration
	logger       *slog.Logger
	onDeadLetter func(ctx context.Context, n *Notification)

	mu      sync.Mutex
	timers  map[id.NotificationID]*time.Timer
	latest  map[string]id.NotificationID
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p.withDefaults() }
}

// WithDeliveryTimeout bounds each delivery attempt. Defaults to 10s.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithDeadLetterHook registers a callback run after a notification is
// dead-lettered.
func WithDeadLetterHook(fn func(ctx context.Context, n *Notification)) Option {
	return func(d *Dispatcher) { d.onDeadLetter = fn }
}

func NewDispatcher(store Store, sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		sinks:   sinks,
		policy:  DefaultRetryPolicy(),
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		timers:  make(map[id.NotificationID]*time.Timer),
		latest:  make(map[string]id.NotificationID),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SinkNames returns the configured sink names.
func (d *Dispatcher) SinkNames() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch sends set to every sink. The outcome is the least favorable
// across sinks.
func (d *Dispatcher) Dispatch(ctx context.Context, set *entitlement.Set) (Outcome, error) {
	outcome := OutcomeDelivered
	var errs []error
	for _, s := range d.sinks {
		o, err := d.dispatchOne(ctx, s, set)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		outcome = worse(outcome, o)
	}
	return outcome, errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, s Sink, set *entitlement.Set) (Outcome, error) {
	n := &Notification{
		Entity:              types.NewEntity(),
		ID:                  id.NewNotificationID(),
		CustomerID:          set.CustomerID,
		Sink:                s.Name(),
		Lineage:             set.Lineage,
		SubscriptionVersion: set.SubscriptionVersion,
		Set:                 set,
		Status:              StatusPending,
	}
	key := queueKey(n.CustomerID, n.Sink)

	d.mu.Lock()
	if prev, ok := d.latest[key]; ok {
		d.stopTimerLocked(prev)
	}
	d.latest[key] = n.ID
	d.mu.Unlock()

	if err := d.supersedeStored(ctx, n); err != nil {
		d.logger.Warn("failed to supersede queued notifications",
			"customer_id", n.CustomerID,
			"sink", n.Sink,
			"error", err,
		)
	}
	if err := d.store.SaveNotification(ctx, n); err != nil {
		return "", fmt.Errorf("notify: save notification: %w", err)
	}
	return d.attempt(ctx, s, n)
}

// supersedeStored marks every other queued notification for the same
// customer and sink as superseded.
func (d *Dispatcher) supersedeStored(ctx context.Context, keep *Notification) error {
	for _, status := range []Status{StatusPending, StatusRetrying} {
		queued, err := d.store.ListNotifications(ctx, ListOpts{
			Status:     status,
			CustomerID: keep.CustomerID,
			Sink:       keep.Sink,
		})
		if err != nil {
			return err
		}
		for _, old := range queued {
			if old.ID == keep.ID {
				continue
			}
			if err := d.markSuperseded(ctx, old); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) markSuperseded(ctx context.Context, n *Notification) error {
	n.Status = StatusSuperseded
	n.NextAttemptAt = nil
	n.Touch()
	return d.store.SaveNotification(ctx, n)
}

func (d *Dispatcher) attempt(ctx context.Context, s Sink, n *Notification) (Outcome, error) {
	n.Attempts++
	actx, cancel := context.WithTimeout(ctx, d.timeout)
	err := s.Deliver(actx, n)
	cancel()
	n.Touch()

	if err == nil {
		now := time.Now().UTC()
		n.Status = StatusDelivered
		n.DeliveredAt = &now
		n.NextAttemptAt = nil
		n.LastError = ""
		d.release(n)
		if err := d.store.SaveNotification(ctx, n); err != nil {
			return "", fmt.Errorf("notify: save notification: %w", err)
		}
		return OutcomeDelivered, nil
	}

	n.LastError = err.Error()
	if !d.policy.ShouldRetry(n.Attempts, err) {
		n.Status = StatusDeadLettered
		n.NextAttemptAt = nil
		d.release(n)
		if serr := d.store.SaveNotification(ctx, n); serr != nil {
			return "", fmt.Errorf("notify: save notification: %w", serr)
		}
		d.logger.Warn("notification dead-lettered",
			"notification_id", n.ID.String(),
			"customer_id", n.CustomerID,
			"sink", n.Sink,
			"subscription_version", n.SubscriptionVersion,
			"attempts", n.Attempts,
			"error", err,
		)
		if d.onDeadLetter != nil {
			d.onDeadLetter(ctx, n)
		}
		return OutcomeDeadLettered, nil
	}

	if !d.isLatest(n) {
		if serr := d.markSuperseded(ctx, n); serr != nil {
			return "", fmt.Errorf("notify: save notification: %w", serr)
		}
		return OutcomeQueuedForRetry, nil
	}

	delay := d.policy.Delay(n.Attempts)
	next := time.Now().Add(delay).UTC()
	n.Status = StatusRetrying
	n.NextAttemptAt = &next
	if serr := d.store.SaveNotification(ctx, n); serr != nil {
		return "", fmt.Errorf("notify: save notification: %w", serr)
	}
	d.logger.Debug("notification queued for retry",
		"notification_id", n.ID.String(),
		"sink", n.Sink,
		"attempts", n.Attempts,
		"delay", delay,
		"error", err,
	)
	d.schedule(n.ID, delay)
	return OutcomeQueuedForRetry, nil
}

func (d *Dispatcher) schedule(nid id.NotificationID, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.timers[nid] = time.AfterFunc(delay, func() { d.retry(nid) })
}

func (d *Dispatcher) retry(nid id.NotificationID) {
	d.mu.Lock()
	if _, ok := d.timers[nid]; !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, nid)
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	ctx := context.Background()
	n, err := d.store.GetNotification(ctx, nid)
	if err != nil {
		d.logger.Error("failed to load notification for retry",
			"notification_id", nid.String(),
			"error", err,
		)
		return
	}
	if !n.Status.Queued() {
		return
	}
	if !d.isLatest(n) {
		_ = d.markSuperseded(ctx, n) //nolint:errcheck // best-effort, the newer notification carries the state
		return
	}

	s := d.sink(n.Sink)
	if s == nil {
		s = NewSinkFunc(n.Sink, func(context.Context, *Notification) error {
			return Permanent(fmt.Errorf("%w: %s", ErrUnknownSink, n.Sink))
		})
	}
	if _, err := d.attempt(ctx, s, n); err != nil {
		d.logger.Error("notification retry failed", "notification_id", nid.String(), "error", err)
	}
}

// Redrive resets a dead-lettered notification and attempts it again.
func (d *Dispatcher) Redrive(ctx context.Context, nid id.NotificationID) (Outcome, error) {
	n, err := d.store.GetNotification(ctx, nid)
	if err != nil {
		return "", err
	}
	if n.Status != StatusDeadLettered {
		return "", fmt.Errorf("%w: status %s", ErrNotDeadLettered, n.Status)
	}
	s := d.sink(n.Sink)
	if s == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSink, n.Sink)
	}

	key := queueKey(n.CustomerID, n.Sink)
	d.mu.Lock()
	if cur, ok := d.latest[key]; ok && cur != n.ID {
		d.mu.Unlock()
		return "", ErrSuperseded
	}
	d.latest[key] = n.ID
	d.mu.Unlock()

	n.Attempts = 0
	n.Status = StatusPending
	n.LastError = ""
	d.logger.Info("redriving notification",
		"notification_id", n.ID.String(),
		"customer_id", n.CustomerID,
		"sink", n.Sink,
	)
	return d.attempt(ctx, s, n)
}

// Start reschedules notifications left queued by a previous process. When
// several are queued for one customer and sink, only the newest survives.
func (d *Dispatcher) Start(ctx context.Context) error {
	queued, err := d.store.ListQueuedNotifications(ctx, 0)
	if err != nil {
		return fmt.Errorf("notify: list queued: %w", err)
	}

	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	newest := make(map[string]*Notification)
	for _, n := range queued {
		key := queueKey(n.CustomerID, n.Sink)
		if prev, ok := newest[key]; ok {
			if err := d.markSuperseded(ctx, prev); err != nil {
				return fmt.Errorf("notify: supersede: %w", err)
			}
		}
		newest[key] = n
	}

	now := time.Now()
	for key, n := range newest {
		d.mu.Lock()
		d.latest[key] = n.ID
		d.mu.Unlock()

		var delay time.Duration
		if n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
			delay = n.NextAttemptAt.Sub(now)
		}
		d.schedule(n.ID, delay)
	}

	d.logger.Info("notification dispatcher started",
		"sinks", len(d.sinks),
		"rescheduled", len(newest),
	)
	return nil
}

// Stop cancels pending retry timers and waits for in-flight retries. Queued
// notifications stay in the store for the next Start.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for nid, t := range d.timers {
		t.Stop()
		delete(d.timers, nid)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Pending returns the number of notifications waiting on a retry timer.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *Dispatcher) stopTimerLocked(nid id.NotificationID) {
	if t, ok := d.timers[nid]; ok {
		t.Stop()
		delete(d.timers, nid)
	}
}

func (d *Dispatcher) isLatest(n *Notification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.latest[queueKey(n.CustomerID, n.Sink)]
	return !ok || cur == n.ID
}

// release forgets n as the newest notification for its key once it reaches
// a final state.
func (d *Dispatcher) release(n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := queueKey(n.CustomerID, n.Sink)
	if d.latest[key] == n.ID {
		delete(d.latest, key)
	}
}

func (d *Dispatcher) sink(name string) Sink {
	for _, s := range d.sinks {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func queueKey(customerID, sink string) string {
	return customerID + "|" + sink
}

func worse(a, b Outcome) Outcome {
	rank := func(o Outcome) int {
		switch o {
		case OutcomeDeadLettered:
			return 2
		case OutcomeQueuedForRetry:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
