// Package audithook bridges entitle pipeline events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                     = (*Extension)(nil)
	_ plugin.OnEventIngested            = (*Extension)(nil)
	_ plugin.OnIngestRejected           = (*Extension)(nil)
	_ plugin.OnEventProcessed           = (*Extension)(nil)
	_ plugin.OnSubscriptionTransitioned = (*Extension)(nil)
	_ plugin.OnEntitlementsChanged      = (*Extension)(nil)
	_ plugin.OnNotificationDeadLettered = (*Extension)(nil)
	_ plugin.OnDivergenceReported       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges pipeline events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Ingestion hooks
// ──────────────────────────────────────────────────

// OnEventIngested implements plugin.OnEventIngested.
func (e *Extension) OnEventIngested(ctx context.Context, ev *event.Event) error {
	return e.record(ctx, ActionEventIngested, SeverityInfo, OutcomeSuccess,
		ResourceEvent, ev.ID, CategoryIngestion, nil,
		"customer_id", ev.CustomerID,
		"event_type", string(ev.Type),
		"source", string(ev.Source),
	)
}

// OnIngestRejected implements plugin.OnIngestRejected.
func (e *Extension) OnIngestRejected(ctx context.Context, provider string, reason error) error {
	return e.record(ctx, ActionIngestRejected, SeverityWarning, OutcomeFailure,
		ResourceWebhook, "", CategoryIngestion, reason,
		"provider", provider,
	)
}

// OnEventProcessed implements plugin.OnEventProcessed. Duplicates are not
// audited.
func (e *Extension) OnEventProcessed(ctx context.Context, ev *event.Event, rec *event.Record) error {
	var action, severity, outcome string
	switch rec.Outcome {
	case event.OutcomeApplied:
		action, severity, outcome = ActionEventApplied, SeverityInfo, OutcomeSuccess
	case event.OutcomeDeferred:
		action, severity, outcome = ActionEventDeferred, SeverityInfo, OutcomePartial
	case event.OutcomeStale:
		action, severity, outcome = ActionEventStale, SeverityWarning, OutcomeFailure
	case event.OutcomeRejected:
		action, severity, outcome = ActionEventRejected, SeverityError, OutcomeFailure
	default:
		return nil
	}

	var reason error
	if rec.Reason != "" {
		reason = errors.New(rec.Reason)
	}
	return e.record(ctx, action, severity, outcome,
		ResourceEvent, ev.ID, CategorySubscription, reason,
		"customer_id", ev.CustomerID,
		"event_type", string(ev.Type),
		"subscription_version", rec.SubscriptionVersion,
	)
}

// ──────────────────────────────────────────────────
// Subscription and entitlement hooks
// ──────────────────────────────────────────────────

// OnSubscriptionTransitioned implements plugin.OnSubscriptionTransitioned.
func (e *Extension) OnSubscriptionTransitioned(ctx context.Context, prev, next *subscription.Subscription) error {
	from := "none"
	if prev != nil {
		from = string(prev.Status)
	}
	return e.record(ctx, ActionSubscriptionTransitioned, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, next.CustomerID, CategorySubscription, nil,
		"lineage", next.Lineage,
		"from", from,
		"to", string(next.Status),
		"tier", next.Tier,
		"version", next.Version,
	)
}

// OnEntitlementsChanged implements plugin.OnEntitlementsChanged.
func (e *Extension) OnEntitlementsChanged(ctx context.Context, set *entitlement.Set) error {
	return e.record(ctx, ActionEntitlementsChanged, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, set.ID.String(), CategoryAccess, nil,
		"customer_id", set.CustomerID,
		"subscription_version", set.SubscriptionVersion,
		"config_version", set.ConfigVersion,
		"capabilities", len(set.Capabilities),
	)
}

// ──────────────────────────────────────────────────
// Delivery and reconciliation hooks
// ──────────────────────────────────────────────────

// OnNotificationDeadLettered implements plugin.OnNotificationDeadLettered.
func (e *Extension) OnNotificationDeadLettered(ctx context.Context, n *notify.Notification) error {
	var reason error
	if n.LastError != "" {
		reason = errors.New(n.LastError)
	}
	return e.record(ctx, ActionNotificationDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceNotification, n.ID.String(), CategoryDelivery, reason,
		"customer_id", n.CustomerID,
		"sink", n.Sink,
		"attempts", n.Attempts,
		"subscription_version", n.SubscriptionVersion,
	)
}

// OnDivergenceReported implements plugin.OnDivergenceReported.
func (e *Extension) OnDivergenceReported(ctx context.Context, d *reconcile.Divergence) error {
	var reason error
	if d.Reason != "" {
		reason = errors.New(d.Reason)
	}
	return e.record(ctx, ActionDivergenceReported, SeverityError, OutcomeFailure,
		ResourceDivergence, d.ID.String(), CategoryReconciliation, reason,
		"customer_id", d.CustomerID,
		"local_status", string(d.LocalStatus),
		"provider_status", string(d.ProviderStatus),
		"cycles", d.Cycles,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
