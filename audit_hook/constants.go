package audithook

// Action constants for audit events.
const (
	// Ingestion actions
	ActionEventIngested  = "event.ingested"
	ActionIngestRejected = "ingest.rejected"

	// Processing actions
	ActionEventApplied  = "event.applied"
	ActionEventDeferred = "event.deferred"
	ActionEventStale    = "event.stale"
	ActionEventRejected = "event.rejected"

	// Subscription actions
	ActionSubscriptionTransitioned = "subscription.transitioned"

	// Entitlement actions
	ActionEntitlementsChanged = "entitlements.changed"

	// Delivery actions
	ActionNotificationDeadLettered = "notification.dead_lettered"

	// Reconciliation actions
	ActionDivergenceReported = "divergence.reported"
)

// Resource constants for audit events.
const (
	ResourceEvent        = "event"
	ResourceWebhook      = "webhook"
	ResourceSubscription = "subscription"
	ResourceEntitlement  = "entitlement"
	ResourceNotification = "notification"
	ResourceDivergence   = "divergence"
)

// Category constants for audit events.
const (
	CategoryIngestion      = "ingestion"
	CategorySubscription   = "subscription"
	CategoryAccess         = "access"
	CategoryDelivery       = "delivery"
	CategoryReconciliation = "reconciliation"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
