package entitle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/tier"
)

// Engine owns the entitlement pipeline: it ledgers inbound events, folds
// them into subscriptions per customer, resolves entitlements and hands
// them to the dispatcher. Reconciliation and the grace timer feed synthetic
// events through the same Ingest path.
type Engine struct {
	store   store.Store
	tiers   tier.Source
	machine *subscription.Machine
	plugins *plugin.Registry
	logger  *slog.Logger
	cache   entitlement.Cache
	now     func() time.Time

	dispatcher   *notify.Dispatcher
	sinks        []notify.Sink
	dispatchOpts []notify.Option

	provider     reconcile.Provider
	reconcileOps []reconcile.Option
	reconciler   *reconcile.Scheduler

	locks    *keyedMutex
	queue    chan string
	inflight sync.Map

	// Background workers
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Configuration
	workers            int
	queueSize          int
	batchSize          int
	deferralWindow     time.Duration
	sweepInterval      time.Duration
	graceCheckInterval time.Duration
	holdGaps           bool
	migrate            bool
}

// New creates an Engine over the given store and tier configuration source.
func New(s store.Store, tiers tier.Source, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		tiers:              tiers,
		machine:            subscription.NewMachine(),
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		now:                time.Now,
		locks:              newKeyedMutex(),
		workers:            8,
		queueSize:          4096,
		batchSize:          500,
		deferralWindow:     24 * time.Hour,
		holdGaps:           true,
		sweepInterval:      30 * time.Second,
		graceCheckInterval: time.Minute,
		migrate:            true,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.queue = make(chan string, e.queueSize)
	if e.cache == nil {
		e.cache = entitlement.NewLRUCache(entitlement.DefaultCacheSize, 0)
	}
	if e.dispatcher == nil {
		dopts := append([]notify.Option{
			notify.WithLogger(e.logger),
			notify.WithDeadLetterHook(e.plugins.EmitNotificationDeadLettered),
		}, e.dispatchOpts...)
		e.dispatcher = notify.NewDispatcher(s, e.sinks, dopts...)
	}
	if e.provider != nil {
		ropts := append([]reconcile.Option{
			reconcile.WithLogger(e.logger),
			reconcile.WithClock(e.now),
			reconcile.WithReportHook(e.plugins.EmitDivergenceReported),
		}, e.reconcileOps...)
		e.reconciler = reconcile.NewScheduler(s, s, e.provider, e.ingestCorrective, e.machine, e.policy, ropts...)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithWorkers sets the size of the processing worker pool.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize sets the processing queue capacity. Events that do not fit
// are picked up by the recovery sweep.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithDeferralWindow sets how long an event may stay deferred before it is
// finalized as stale or rejected.
func WithDeferralWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deferralWindow = d
		}
	}
}

// WithSequenceGapHold controls whether an event whose sequence hint skips
// ahead of the applied state is deferred until the events in between
// arrive or the deferral window elapses. It is enabled by default.
func WithSequenceGapHold(enabled bool) Option {
	return func(e *Engine) { e.holdGaps = enabled }
}

// WithSweepInterval sets how often the recovery and deferral sweeps run.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithGraceCheckInterval sets how often expired grace periods are looked up.
func WithGraceCheckInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.graceCheckInterval = d
		}
	}
}

// WithEntitlementCache replaces the in-process LRU cache.
func WithEntitlementCache(c entitlement.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithSinks sets the notification sinks. The dispatcher is built over the
// engine's store with the given options.
func WithSinks(sinks []notify.Sink, opts ...notify.Option) Option {
	return func(e *Engine) {
		e.sinks = sinks
		e.dispatchOpts = opts
	}
}

// WithDispatcher uses a dispatcher built by the caller instead of WithSinks.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithReconciliation enables the reconciliation scheduler against provider.
func WithReconciliation(provider reconcile.Provider, opts ...reconcile.Option) Option {
	return func(e *Engine) {
		e.provider = provider
		e.reconcileOps = opts
	}
}

// WithClock replaces the wall clock used for timestamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithoutMigrations skips store migrations on Start.
func WithoutMigrations() Option {
	return func(e *Engine) { e.migrate = false }
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start migrates the store and begins background workers: the processing
// pool, the sweeps, the dispatcher's retry timers and, when configured, the
// reconciliation scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("entitle: engine already started")
	}

	if e.migrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.stopCh = make(chan struct{})

	e.plugins.EmitInit(ctx, e)

	if err := e.dispatcher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("entitle: start dispatcher: %w", err)
	}

	for range e.workers {
		e.wg.Add(1)
		go e.worker(runCtx)
	}
	e.wg.Add(1)
	go e.sweeper(runCtx)

	if e.reconciler != nil {
		if err := e.reconciler.Start(runCtx); err != nil {
			close(e.stopCh)
			cancel()
			e.wg.Wait()
			e.dispatcher.Stop()
			return err
		}
	}
	e.running = true

	e.logger.Info("entitle engine started",
		"workers", e.workers,
		"queue_size", e.queueSize,
		"deferral_window", e.deferralWindow,
		"sweep_interval", e.sweepInterval,
		"sinks", e.dispatcher.SinkNames(),
		"reconciliation", e.reconciler != nil,
	)

	return nil
}

// Stop shuts down background work and closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return e.store.Close()
	}
	e.running = false
	close(e.stopCh)
	e.cancel()
	e.mu.Unlock()

	if e.reconciler != nil {
		e.reconciler.Stop()
	}
	e.wg.Wait()
	e.dispatcher.Stop()

	e.plugins.EmitShutdown(context.Background())
	e.logger.Info("entitle engine stopped")

	return e.store.Close()
}

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Dispatcher returns the notification dispatcher.
func (e *Engine) Dispatcher() *notify.Dispatcher { return e.dispatcher }

// Reconciler returns the reconciliation scheduler, or nil when
// reconciliation is not configured.
func (e *Engine) Reconciler() *reconcile.Scheduler { return e.reconciler }

// Tiers returns the current tier configuration.
func (e *Engine) Tiers() *tier.Configuration { return e.tiers.Current() }

func (e *Engine) policy() subscription.Policy {
	cfg := e.tiers.Current()
	if cfg == nil {
		return subscription.Policy{HoldSequenceGaps: e.holdGaps}
	}
	return subscription.Policy{
		GracePeriod:      cfg.Policy.GracePeriod,
		HoldSequenceGaps: e.holdGaps,
	}
}

// ──────────────────────────────────────────────────
// Ingestion
// ──────────────────────────────────────────────────

// Receipt describes what Ingest did with an event.
type Receipt struct {
	EventID string `json:"event_id"`
	// Duplicate is set when the event was already in the ledger.
	Duplicate bool `json:"duplicate"`
	// Queued is set when the event went straight to the worker pool. An
	// event that is ledgered but not queued is processed by the recovery
	// sweep.
	Queued bool `json:"queued"`
}

// Ingest validates and appends e to the ledger, then queues it for
// processing. A nil error means the event is durably ledgered. Redelivery
// of a ledgered event returns a duplicate receipt and is not queued again.
func (e *Engine) Ingest(ctx context.Context, ev *event.Event) (Receipt, error) {
	if err := validateEvent(ev); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now().UTC()
	}
	if ev.Source == "" {
		ev.Source = event.SourceProvider
	}

	appended, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		e.logger.Error("ledger append failed",
			"event_id", ev.ID,
			"customer_id", ev.CustomerID,
			"error", err,
		)
		return Receipt{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	receipt := Receipt{EventID: ev.ID, Duplicate: !appended}
	if !appended {
		e.logger.Debug("duplicate event delivery", "event_id", ev.ID)
		return receipt, nil
	}

	e.plugins.EmitEventIngested(ctx, ev)
	receipt.Queued = e.enqueue(ev.ID)
	return receipt, nil
}

// ingestCorrective feeds reconciliation events into the pipeline.
func (e *Engine) ingestCorrective(ctx context.Context, ev *event.Event) error {
	_, err := e.Ingest(ctx, ev)
	return err
}

// enqueue hands an event ID to the worker pool without blocking. It
// reports false when the engine is not running, the event is already
// queued, or the queue is full.
func (e *Engine) enqueue(eventID string) bool {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return false
	}

	if _, loaded := e.inflight.LoadOrStore(eventID, struct{}{}); loaded {
		return false
	}
	select {
	case e.queue <- eventID:
		return true
	default:
		e.inflight.Delete(eventID)
		e.logger.Warn("processing queue full, deferring to recovery sweep",
			"event_id", eventID,
			"error", ErrQueueFull,
		)
		return false
	}
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case eventID := <-e.queue:
			if _, err := e.ProcessEvent(ctx, eventID); err != nil {
				e.logger.Error("event processing failed",
					"event_id", eventID,
					"error", err,
				)
			}
			e.inflight.Delete(eventID)
		}
	}
}

func validateEvent(ev *event.Event) error {
	var errs MultiError
	if ev == nil {
		return ValidationError{Field: "event", Message: "is required"}
	}
	if ev.ID == "" {
		errs.Add(ValidationError{Field: "event_id", Message: "is required"})
	}
	if ev.CustomerID == "" {
		errs.Add(ValidationError{Field: "customer_id", Message: "is required"})
	}
	if !ev.Type.Valid() {
		errs.Add(ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown type %q", ev.Type)})
	}
	if ev.OccurredAt.IsZero() {
		errs.Add(ValidationError{Field: "occurred_at", Message: "is required"})
	}
	if ev.SequenceHint < 0 {
		errs.Add(ValidationError{Field: "sequence_hint", Message: "must not be negative"})
	}
	if (ev.Type == event.TypeSubscriptionCreated || ev.Type == event.TypeSubscriptionUpdated) && ev.Payload.Tier == "" {
		errs.Add(ValidationError{Field: "payload.tier", Message: "is required for " + string(ev.Type)})
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
