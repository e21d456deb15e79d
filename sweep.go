package entitle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/subscription"
)

// sweeper runs the periodic sweeps until the engine stops.
func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()

	sweep := time.NewTicker(e.sweepInterval)
	defer sweep.Stop()
	grace := time.NewTicker(e.graceCheckInterval)
	defer grace.Stop()

	e.runSweep(ctx, "recovery", e.RecoverUnprocessed)

	for {
		select {
		case <-e.stopCh:
			return
		case <-sweep.C:
			e.runSweep(ctx, "recovery", e.RecoverUnprocessed)
			e.runSweep(ctx, "deferral", e.ExpireDeferred)
		case <-grace.C:
			e.runSweep(ctx, "grace", e.FireGraceTimers)
		}
	}
}

func (e *Engine) runSweep(ctx context.Context, name string, fn func(context.Context) (int, error)) {
	n, err := fn(ctx)
	if err != nil {
		e.logger.Error("sweep failed", "sweep", name, "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("sweep complete", "sweep", name, "count", n)
	}
}

// RecoverUnprocessed queues ledgered events that have no processing record,
// covering crashes between append and enqueue and a full queue. It returns
// the number of events queued.
func (e *Engine) RecoverUnprocessed(ctx context.Context) (int, error) {
	events, err := e.store.ListUnprocessedEvents(ctx, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("entitle: list unprocessed events: %w", err)
	}
	n := 0
	for _, ev := range events {
		if e.enqueue(ev.ID) {
			n++
		}
	}
	return n, nil
}

// ExpireDeferred finalizes events deferred for longer than the deferral
// window. An event that was only held for a sequence gap is applied;
// otherwise it is stale when it sorts behind the applied state and rejected
// when it does not. It returns the number of records finalized.
func (e *Engine) ExpireDeferred(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.deferralWindow)
	recs, err := e.store.ListDeferredRecords(ctx, cutoff, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("entitle: list deferred records: %w", err)
	}

	n := 0
	for _, r := range recs {
		done, err := e.expireOne(ctx, r.EventID)
		if err != nil {
			return n, err
		}
		if done {
			n++
		}
	}
	return n, nil
}

func (e *Engine) expireOne(ctx context.Context, eventID string) (bool, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("entitle: load event %s: %w", eventID, err)
	}

	unlock := e.locks.Lock(ev.CustomerID)
	defer unlock()

	// Re-read under the lock; a fold may have applied it meanwhile.
	rec, err := e.store.GetRecord(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("entitle: load record %s: %w", eventID, err)
	}
	if rec.Outcome != event.OutcomeDeferred {
		return false, nil
	}

	cur, err := e.currentSubscription(ctx, ev.CustomerID)
	if err != nil {
		return false, err
	}

	// An event held for a sequence gap gets one last fold with the gap
	// released before it is finalized.
	if e.holdGaps {
		history, records, err := e.history(ctx, cur, ev.CustomerID)
		if err != nil {
			return false, err
		}
		d := e.evaluate(cur, history, records, ev, map[string]bool{ev.ID: true})
		if d.Outcome == event.OutcomeApplied {
			e.logger.Info("sequence gap released", "event_id", ev.ID, "customer_id", ev.CustomerID)
			if _, err := e.apply(ctx, ev, cur, history, records, d, e.tiers.Current()); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	cause := ErrTransitionGuardViolation
	rec.Outcome = subscription.Expire(cur, ev)
	if rec.Outcome == event.OutcomeStale {
		cause = ErrStaleEvent
	}
	reason := "deferral window elapsed"
	if rec.Reason != "" {
		reason += ": " + rec.Reason
	}
	rec.Reason = fmt.Errorf("%w: %s", cause, reason).Error()
	rec.ProcessedAt = e.now().UTC()
	if cur != nil {
		rec.SubscriptionVersion = cur.Version
	}

	if err := e.store.SaveRecord(ctx, rec); err != nil {
		return false, fmt.Errorf("entitle: save record %s: %w", eventID, err)
	}
	e.logOutcome(ev, rec)
	e.plugins.EmitEventProcessed(ctx, ev, rec)
	return true, nil
}

// FireGraceTimers ingests a grace_period_expired event for every past-due
// subscription whose grace deadline has passed. Event IDs are derived from
// the lineage and deadline so repeated sweeps dedupe at the ledger. It
// returns the number of new events.
func (e *Engine) FireGraceTimers(ctx context.Context) (int, error) {
	subs, err := e.store.ListGraceExpired(ctx, e.now(), e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("entitle: list expired grace periods: %w", err)
	}

	n := 0
	for _, sub := range subs {
		receipt, err := e.Ingest(ctx, GraceExpiredEvent(sub))
		if err != nil {
			return n, err
		}
		if !receipt.Duplicate {
			n++
		}
	}
	return n, nil
}

// GraceExpiredEvent builds the synthetic event that ends sub's grace
// period. It sorts directly after the subscription's applied state.
func GraceExpiredEvent(sub *subscription.Subscription) *event.Event {
	deadline := *sub.GraceDeadline
	return &event.Event{
		ID:           "grace:" + sub.CustomerID + ":" + sub.Lineage + ":" + strconv.FormatInt(deadline.Unix(), 10),
		CustomerID:   sub.CustomerID,
		Type:         event.TypeGracePeriodExpired,
		OccurredAt:   deadline,
		SequenceHint: sub.LastSequence,
		Source:       event.SourceGraceTimer,
	}
}

// ProcessPending processes every ledgered event without a record in the
// calling goroutine. It is meant for tools and tests that run the engine
// without starting workers.
func (e *Engine) ProcessPending(ctx context.Context) (int, error) {
	n := 0
	for {
		events, err := e.store.ListUnprocessedEvents(ctx, e.batchSize)
		if err != nil {
			return n, fmt.Errorf("entitle: list unprocessed events: %w", err)
		}
		if len(events) == 0 {
			return n, nil
		}
		for _, ev := range events {
			if _, err := e.ProcessEvent(ctx, ev.ID); err != nil {
				return n, err
			}
			n++
		}
	}
}
