// Package observability provides a metrics extension for the entitle engine
// that records pipeline event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                     = (*MetricsExtension)(nil)
	_ plugin.OnEventIngested            = (*MetricsExtension)(nil)
	_ plugin.OnIngestRejected           = (*MetricsExtension)(nil)
	_ plugin.OnEventProcessed           = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionTransitioned = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementsChanged      = (*MetricsExtension)(nil)
	_ plugin.OnNotificationDeadLettered = (*MetricsExtension)(nil)
	_ plugin.OnDivergenceReported       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records pipeline metrics. Register it as an engine
// plugin.
type MetricsExtension struct {
	// Ingestion metrics
	EventsIngested Counter
	IngestRejected Counter

	// Processing metrics
	EventsApplied   Counter
	EventsDuplicate Counter
	EventsDeferred  Counter
	EventsStale     Counter
	EventsRejected  Counter
	ProcessingLag   Histogram

	// Subscription metrics
	SubscriptionsCreated   Counter
	SubscriptionsPastDue   Counter
	SubscriptionsSuspended Counter
	SubscriptionsCanceled  Counter

	// Entitlement metrics
	EntitlementsChanged Counter

	// Delivery and reconciliation metrics
	NotificationsDeadLettered Counter
	DivergencesReported       Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		EventsIngested: factory.Counter("entitle.events.ingested"),
		IngestRejected: factory.Counter("entitle.ingest.rejected"),

		EventsApplied:   factory.Counter("entitle.events.applied"),
		EventsDuplicate: factory.Counter("entitle.events.duplicate"),
		EventsDeferred:  factory.Counter("entitle.events.deferred"),
		EventsStale:     factory.Counter("entitle.events.stale"),
		EventsRejected:  factory.Counter("entitle.events.rejected"),
		ProcessingLag:   factory.Histogram("entitle.events.processing_lag_seconds"),

		SubscriptionsCreated:   factory.Counter("entitle.subscriptions.created"),
		SubscriptionsPastDue:   factory.Counter("entitle.subscriptions.past_due"),
		SubscriptionsSuspended: factory.Counter("entitle.subscriptions.suspended"),
		SubscriptionsCanceled:  factory.Counter("entitle.subscriptions.canceled"),

		EntitlementsChanged: factory.Counter("entitle.entitlements.changed"),

		NotificationsDeadLettered: factory.Counter("entitle.notifications.dead_lettered"),
		DivergencesReported:       factory.Counter("entitle.divergences.reported"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Ingestion hooks
// ──────────────────────────────────────────────────

// OnEventIngested implements plugin.OnEventIngested.
func (m *MetricsExtension) OnEventIngested(_ context.Context, _ *event.Event) error {
	m.EventsIngested.Inc()
	return nil
}

// OnIngestRejected implements plugin.OnIngestRejected.
func (m *MetricsExtension) OnIngestRejected(_ context.Context, _ string, _ error) error {
	m.IngestRejected.Inc()
	return nil
}

// OnEventProcessed implements plugin.OnEventProcessed.
func (m *MetricsExtension) OnEventProcessed(_ context.Context, e *event.Event, rec *event.Record) error {
	switch rec.Outcome {
	case event.OutcomeApplied:
		m.EventsApplied.Inc()
	case event.OutcomeDuplicate:
		m.EventsDuplicate.Inc()
	case event.OutcomeDeferred:
		m.EventsDeferred.Inc()
	case event.OutcomeStale:
		m.EventsStale.Inc()
	case event.OutcomeRejected:
		m.EventsRejected.Inc()
	}
	if !e.ReceivedAt.IsZero() && rec.Outcome.Terminal() {
		m.ProcessingLag.Observe(rec.ProcessedAt.Sub(e.ReceivedAt).Seconds())
	}
	return nil
}

// ──────────────────────────────────────────────────
// Subscription and entitlement hooks
// ──────────────────────────────────────────────────

// OnSubscriptionTransitioned implements plugin.OnSubscriptionTransitioned.
// Only status changes are counted.
func (m *MetricsExtension) OnSubscriptionTransitioned(_ context.Context, prev, next *subscription.Subscription) error {
	if prev != nil && prev.Lineage == next.Lineage && prev.Status == next.Status {
		return nil
	}
	switch next.Status {
	case subscription.StatusTrialing, subscription.StatusActive:
		if prev == nil || prev.Lineage != next.Lineage {
			m.SubscriptionsCreated.Inc()
		}
	case subscription.StatusPastDue:
		m.SubscriptionsPastDue.Inc()
	case subscription.StatusSuspended:
		m.SubscriptionsSuspended.Inc()
	case subscription.StatusCanceled:
		m.SubscriptionsCanceled.Inc()
	}
	return nil
}

// OnEntitlementsChanged implements plugin.OnEntitlementsChanged.
func (m *MetricsExtension) OnEntitlementsChanged(_ context.Context, _ *entitlement.Set) error {
	m.EntitlementsChanged.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Delivery and reconciliation hooks
// ──────────────────────────────────────────────────

// OnNotificationDeadLettered implements plugin.OnNotificationDeadLettered.
func (m *MetricsExtension) OnNotificationDeadLettered(_ context.Context, _ *notify.Notification) error {
	m.NotificationsDeadLettered.Inc()
	return nil
}

// OnDivergenceReported implements plugin.OnDivergenceReported.
func (m *MetricsExtension) OnDivergenceReported(_ context.Context, _ *reconcile.Divergence) error {
	m.DivergencesReported.Inc()
	return nil
}
