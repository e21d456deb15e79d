package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// Defaults for Scheduler options.
const (
	DefaultShards       = 12
	DefaultConcurrency  = 8
	DefaultPageSize     = 500
	DefaultFetchTimeout = 10 * time.Second
	DefaultReportAfter  = 2
	DefaultSchedule     = "@every 5m"
)

// Shard returns the shard a customer belongs to.
func Shard(customerID string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(customerID)) //nolint:errcheck // fnv never fails
	return int(h.Sum32() % uint32(shards))
}

// Scheduler periodically compares local subscriptions with the provider.
// Each cron tick reconciles the next shard, so a full pass over all
// customers takes Shards ticks.
type Scheduler struct {
	subs     subscription.Store
	store    Store
	provider Provider
	ingest   IngestFunc
	machine  *subscription.Machine
	policy   func() subscription.Policy

	shards       int
	concurrency  int
	pageSize     int
	fetchTimeout time.Duration
	reportAfter  int
	schedule     string
	logger       *slog.Logger
	onReport     func(ctx context.Context, d *Divergence)
	now          func() time.Time

	mu     sync.Mutex
	next   int
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithShards(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.shards = n
		}
	}
}

// WithConcurrency bounds the number of customers reconciled at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithPageSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithReportAfter sets how many consecutive cycles a mismatch may persist
// before it is reported instead of corrected.
func WithReportAfter(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.reportAfter = n
		}
	}
}

// WithSchedule sets the cron spec for ticks, such as "@every 1m".
func WithSchedule(spec string) Option {
	return func(s *Scheduler) { s.schedule = spec }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithReportHook registers fn to run when a divergence is reported.
func WithReportHook(fn func(ctx context.Context, d *Divergence)) Option {
	return func(s *Scheduler) { s.onReport = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler. policy is read on every plan so tier
// configuration reloads take effect without a restart.
func NewScheduler(
	subs subscription.Store,
	store Store,
	provider Provider,
	ingest IngestFunc,
	machine *subscription.Machine,
	policy func() subscription.Policy,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		subs:         subs,
		store:        store,
		provider:     provider,
		ingest:       ingest,
		machine:      machine,
		policy:       policy,
		shards:       DefaultShards,
		concurrency:  DefaultConcurrency,
		pageSize:     DefaultPageSize,
		fetchTimeout: DefaultFetchTimeout,
		reportAfter:  DefaultReportAfter,
		schedule:     DefaultSchedule,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Shards returns the configured shard count.
func (s *Scheduler) Shards() int { return s.shards }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start registers the tick with cron and starts it. Ticks that would
// overlap a running one are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("reconcile: scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.Tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("reconcile: schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel

	s.logger.Info("reconciliation scheduler started",
		"schedule", s.schedule,
		"shards", s.shards,
		"concurrency", s.concurrency,
	)
	return nil
}

// Stop cancels any running tick and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("reconciliation scheduler stopped")
}

// Tick reconciles the next shard in round-robin order.
func (s *Scheduler) Tick(ctx context.Context) Summary {
	s.mu.Lock()
	shard := s.next
	s.next = (s.next + 1) % s.shards
	s.mu.Unlock()

	start := s.now()
	sum, err := s.RunShard(ctx, shard)
	if err != nil {
		s.logger.Warn("reconciliation pass aborted", "shard", shard, "error", err)
	}
	s.logger.Info("reconciliation pass complete",
		"shard", sum.Shard,
		"checked", sum.Checked,
		"corrected", sum.Corrected,
		"reported", sum.Reported,
		"failed", sum.Failed,
		"elapsed", s.now().Sub(start),
	)
	return sum
}

// RunAll reconciles every shard in turn.
func (s *Scheduler) RunAll(ctx context.Context) (Summary, error) {
	total := Summary{Shard: -1}
	for shard := range s.shards {
		sum, err := s.RunShard(ctx, shard)
		total.Checked += sum.Checked
		total.InSync += sum.InSync
		total.Corrected += sum.Corrected
		total.LocalNewer += sum.LocalNewer
		total.Reported += sum.Reported
		total.Failed += sum.Failed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RunShard reconciles every customer in one shard with bounded
// concurrency. Per-customer failures are counted, not returned; the error
// reports a failure to list subscriptions or a canceled context.
func (s *Scheduler) RunShard(ctx context.Context, shard int) (Summary, error) {
	sum := Summary{Shard: shard}
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.concurrency)

	var listErr error
	for offset := 0; ; offset += s.pageSize {
		if egCtx.Err() != nil {
			break
		}
		page, err := s.subs.ListSubscriptions(egCtx, subscription.ListOpts{Limit: s.pageSize, Offset: offset})
		if err != nil {
			listErr = fmt.Errorf("reconcile: list subscriptions: %w", err)
			break
		}
		for _, sub := range page {
			if Shard(sub.CustomerID, s.shards) != shard {
				continue
			}
			eg.Go(func() error {
				res, _ := s.ReconcileCustomer(egCtx, sub) //nolint:errcheck // counted in the summary
				mu.Lock()
				sum.add(res)
				mu.Unlock()
				return nil
			})
		}
		if len(page) < s.pageSize {
			break
		}
	}

	_ = eg.Wait() //nolint:errcheck // workers never return errors
	if listErr != nil {
		return sum, listErr
	}
	return sum, ctx.Err()
}

// ──────────────────────────────────────────────────
// Per-customer reconciliation
// ──────────────────────────────────────────────────

// ReconcileCustomer compares one subscription with the provider and either
// clears, corrects, or reports the divergence.
func (s *Scheduler) ReconcileCustomer(ctx context.Context, sub *subscription.Subscription) (Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	remote, err := s.provider.Fetch(fetchCtx, sub)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("reconcile: provider fetch failed",
				"customer_id", sub.CustomerID,
				"error", err,
			)
			return ResultFailed, err
		}
		if sub.Status == subscription.StatusCanceled {
			return s.clear(ctx, sub.CustomerID)
		}
		div, derr := s.divergence(ctx, sub, nil)
		if derr != nil {
			return ResultFailed, derr
		}
		if div.Reported {
			return ResultReported, nil
		}
		div.Cycles++
		return s.report(ctx, div, "subscription not found at provider")
	}

	if InSync(sub, remote) {
		return s.clear(ctx, sub.CustomerID)
	}

	div, err := s.divergence(ctx, sub, remote)
	if err != nil {
		return ResultFailed, err
	}
	if div.Reported {
		return ResultReported, nil
	}
	div.Cycles++

	if !ProviderNewer(sub, remote) {
		if div.Cycles >= s.reportAfter {
			return s.report(ctx, div, fmt.Sprintf("local state newer than provider for %d cycles", div.Cycles))
		}
		if err := s.save(ctx, div); err != nil {
			return ResultFailed, err
		}
		return ResultLocalNewer, nil
	}

	if div.Cycles >= s.reportAfter {
		return s.report(ctx, div, fmt.Sprintf("mismatch persisted across %d cycles", div.Cycles))
	}

	events, err := Plan(s.machine, s.policy(), sub, remote)
	if err != nil {
		return s.report(ctx, div, err.Error())
	}
	if err := s.save(ctx, div); err != nil {
		return ResultFailed, err
	}
	for _, e := range events {
		e.ReceivedAt = s.now().UTC()
		if err := s.ingest(ctx, e); err != nil {
			s.logger.Warn("reconcile: corrective event not ingested",
				"customer_id", sub.CustomerID,
				"event_id", e.ID,
				"error", err,
			)
			return ResultFailed, err
		}
	}
	s.logger.Info("reconcile: corrective events ingested",
		"customer_id", sub.CustomerID,
		"events", len(events),
		"provider_status", remote.Status,
		"provider_tier", remote.Tier,
	)
	return ResultCorrected, nil
}

// divergence loads the open divergence for the customer, or starts a new
// one, and refreshes the observed values.
func (s *Scheduler) divergence(ctx context.Context, sub *subscription.Subscription, remote *Record) (*Divergence, error) {
	div, err := s.store.GetDivergence(ctx, sub.CustomerID)
	switch {
	case errors.Is(err, ErrDivergenceNotFound):
		div = &Divergence{
			Entity:     types.NewEntity(),
			ID:         id.NewDivergenceID(),
			CustomerID: sub.CustomerID,
		}
	case err != nil:
		return nil, fmt.Errorf("reconcile: load divergence: %w", err)
	}

	div.LocalTier = sub.Tier
	div.LocalStatus = sub.Status
	div.LocalVersion = sub.Version
	div.LocalUpdatedAt = sub.EffectiveSince
	if remote != nil {
		div.ProviderTier = remote.Tier
		div.ProviderStatus = remote.Status
		div.ProviderUpdatedAt = remote.UpdatedAt
	}
	return div, nil
}

func (s *Scheduler) save(ctx context.Context, div *Divergence) error {
	div.UpdatedAt = s.now().UTC()
	if err := s.store.SaveDivergence(ctx, div); err != nil {
		return fmt.Errorf("reconcile: save divergence: %w", err)
	}
	return nil
}

func (s *Scheduler) clear(ctx context.Context, customerID string) (Result, error) {
	err := s.store.DeleteDivergence(ctx, customerID)
	if err != nil && !errors.Is(err, ErrDivergenceNotFound) {
		return ResultFailed, fmt.Errorf("reconcile: clear divergence: %w", err)
	}
	return ResultInSync, nil
}

func (s *Scheduler) report(ctx context.Context, div *Divergence, reason string) (Result, error) {
	now := s.now().UTC()
	div.Reported = true
	div.ReportedAt = &now
	div.Reason = reason
	if err := s.save(ctx, div); err != nil {
		return ResultFailed, err
	}

	s.logger.Warn("reconcile: divergence reported",
		"customer_id", div.CustomerID,
		"local_status", div.LocalStatus,
		"local_tier", div.LocalTier,
		"provider_status", div.ProviderStatus,
		"provider_tier", div.ProviderTier,
		"cycles", div.Cycles,
		"reason", reason,
	)
	if s.onReport != nil {
		s.onReport(ctx, div)
	}
	return ResultReported, nil
}
