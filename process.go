package entitle

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/tier"
	"github.com/xraph/entitle/types"
)

// ProcessEvent folds one ledgered event into its customer's subscription
// and returns the event's processing record. Processing is serialized per
// customer. An event that already has a terminal record is left alone and
// its record is returned unchanged.
func (e *Engine) ProcessEvent(ctx context.Context, eventID string) (*event.Record, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("entitle: load event %s: %w", eventID, err)
	}

	unlock := e.locks.Lock(ev.CustomerID)
	defer unlock()

	existing, err := e.store.GetRecord(ctx, eventID)
	switch {
	case err == nil && existing.Outcome.Terminal():
		return existing, nil
	case err != nil && !IsNotFound(err):
		return nil, fmt.Errorf("entitle: load record %s: %w", eventID, err)
	}

	cur, err := e.currentSubscription(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}
	history, records, err := e.history(ctx, cur, ev.CustomerID)
	if err != nil {
		return nil, err
	}

	cfg := e.tiers.Current()
	d := e.evaluate(cur, history, records, ev, nil)

	if d.Outcome != event.OutcomeApplied {
		rec := e.newRecord(ev, records, d.Outcome, d.Reason)
		if cur != nil {
			rec.SubscriptionVersion = cur.Version
		}
		if err := e.store.SaveRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("entitle: save record %s: %w", ev.ID, err)
		}
		e.logOutcome(ev, rec)
		e.plugins.EmitEventProcessed(ctx, ev, rec)
		return rec, nil
	}

	return e.apply(ctx, ev, cur, history, records, d, cfg)
}

// apply persists an applied decision: the new projection first, then the
// records of every event the fold applied, then the entitlement set and
// its notifications.
func (e *Engine) apply(
	ctx context.Context,
	ev *event.Event,
	cur *subscription.Subscription,
	history []*event.Event,
	records map[string]*event.Record,
	d subscription.Decision,
	cfg *tier.Configuration,
) (*event.Record, error) {
	next := d.State
	if cur != nil {
		next.Entity = cur.Entity
	} else {
		next.Entity = types.NewEntity()
	}
	next.Touch()

	if err := e.store.SaveSubscription(ctx, next); err != nil {
		return nil, fmt.Errorf("entitle: save subscription %s: %w", ev.CustomerID, err)
	}

	byID := make(map[string]*event.Event, len(history)+1)
	for _, h := range history {
		byID[h.ID] = h
	}
	byID[ev.ID] = ev

	saved := make(map[string]*event.Record, len(d.Applied))
	for eventID, a := range d.Applied {
		rec := e.newRecord(byID[eventID], records, event.OutcomeApplied, nil)
		rec.SubscriptionVersion = a.Version
		rec.Lineage = a.Lineage
		rec.GraceDeadline = a.GraceDeadline
		if err := e.store.SaveRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("entitle: save record %s: %w", eventID, err)
		}
		saved[eventID] = rec
	}

	e.logger.Info("subscription transitioned",
		"customer_id", next.CustomerID,
		"event_id", ev.ID,
		"event_type", ev.Type,
		"status", next.Status,
		"tier", next.Tier,
		"version", next.Version,
		"unblocked", len(d.Applied)-1,
	)
	e.plugins.EmitSubscriptionTransitioned(ctx, cur, next)
	for eventID, rec := range saved {
		e.plugins.EmitEventProcessed(ctx, byID[eventID], rec)
	}

	if err := e.publish(ctx, next, cfg); err != nil {
		// The subscription and records are committed; a missing set is
		// recomputed on the next read.
		e.logger.Error("entitlement publication failed",
			"customer_id", next.CustomerID,
			"version", next.Version,
			"error", err,
		)
	}
	return saved[ev.ID], nil
}

// publish resolves, stores, caches and dispatches the entitlement set for
// a new subscription state.
func (e *Engine) publish(ctx context.Context, sub *subscription.Subscription, cfg *tier.Configuration) error {
	set := entitlement.Resolve(sub, cfg)
	set.ID = id.NewEntitlementSetID()
	set.ComputedAt = e.now().UTC()

	if err := e.store.SaveSet(ctx, set); err != nil {
		return fmt.Errorf("save entitlement set: %w", err)
	}
	if err := e.cache.Put(ctx, set); err != nil {
		e.logger.Warn("entitlement cache put failed", "customer_id", set.CustomerID, "error", err)
	}
	e.plugins.EmitEntitlementsChanged(ctx, set)

	outcome, err := e.dispatcher.Dispatch(ctx, set)
	if err != nil {
		e.logger.Warn("entitlement dispatch incomplete",
			"customer_id", set.CustomerID,
			"version", set.SubscriptionVersion,
			"outcome", outcome,
			"error", fmt.Errorf("%w: %w", ErrDownstreamDispatchFailure, err),
		)
	}
	return nil
}

// currentSubscription returns the stored projection, or nil when the
// customer has none.
func (e *Engine) currentSubscription(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	cur, err := e.store.GetSubscription(ctx, customerID)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("entitle: load subscription %s: %w", customerID, err)
	}
	return cur, nil
}

// history returns the events of cur's lineage that are recorded as
// applied, plus every deferred event of the customer, together with their
// records keyed by event ID.
func (e *Engine) history(ctx context.Context, cur *subscription.Subscription, customerID string) ([]*event.Event, map[string]*event.Record, error) {
	deferred, err := e.store.ListRecords(ctx, customerID, event.ListOpts{Outcome: event.OutcomeDeferred})
	if err != nil {
		return nil, nil, fmt.Errorf("entitle: list deferred records %s: %w", customerID, err)
	}
	recs := deferred
	if cur != nil {
		applied, err := e.store.ListRecords(ctx, customerID, event.ListOpts{
			Outcome: event.OutcomeApplied,
			Lineage: cur.Lineage,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("entitle: list applied records %s: %w", customerID, err)
		}
		recs = append(applied, deferred...)
	}

	history := make([]*event.Event, 0, len(recs))
	records := make(map[string]*event.Record, len(recs))
	for _, r := range recs {
		ev, err := e.store.GetEvent(ctx, r.EventID)
		if err != nil {
			return nil, nil, fmt.Errorf("entitle: load event %s: %w", r.EventID, err)
		}
		history = append(history, ev)
		records[r.EventID] = r
	}
	return history, records, nil
}

// evaluate runs the machine over a loaded history. Grace deadlines pinned
// on applied records are reused, and released names events exempt from the
// sequence gap hold.
func (e *Engine) evaluate(
	cur *subscription.Subscription,
	history []*event.Event,
	records map[string]*event.Record,
	ev *event.Event,
	released map[string]bool,
) subscription.Decision {
	p := e.policy()
	p.Released = released
	applied := make(map[string]bool, len(records))
	for evID, r := range records {
		if r.Outcome != event.OutcomeApplied {
			continue
		}
		applied[evID] = true
		if r.GraceDeadline != nil {
			if p.Deadlines == nil {
				p.Deadlines = make(map[string]time.Time)
			}
			p.Deadlines[evID] = *r.GraceDeadline
		}
	}
	return e.machine.Evaluate(cur, history, applied, ev, p)
}

func (e *Engine) newRecord(ev *event.Event, records map[string]*event.Record, outcome event.Outcome, reason error) *event.Record {
	now := e.now().UTC()
	rec := &event.Record{
		EventID:     ev.ID,
		CustomerID:  ev.CustomerID,
		Outcome:     outcome,
		ProcessedAt: now,
		FirstSeenAt: now,
	}
	if prev, ok := records[ev.ID]; ok {
		rec.FirstSeenAt = prev.FirstSeenAt
	}
	if reason != nil {
		rec.Reason = reason.Error()
	}
	return rec
}

func (e *Engine) logOutcome(ev *event.Event, rec *event.Record) {
	attrs := []any{
		"event_id", ev.ID,
		"customer_id", ev.CustomerID,
		"event_type", ev.Type,
		"outcome", rec.Outcome,
	}
	if rec.Reason != "" {
		attrs = append(attrs, "reason", rec.Reason)
	}
	switch rec.Outcome {
	case event.OutcomeStale, event.OutcomeRejected:
		e.logger.Warn("event not applied", attrs...)
	default:
		e.logger.Debug("event not applied", attrs...)
	}
}
