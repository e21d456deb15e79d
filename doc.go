// Package entitle keeps customer entitlements in sync with subscription
// state held by an external billing provider.
//
// Entitle is designed as a library, not a service. Provider webhooks are
// verified and decoded by the gateway package, ledgered exactly once by
// the Engine, and folded per customer into a subscription projection.
// Every applied transition yields a new entitlement set that is stored,
// cached and delivered to the configured notification sinks.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/entitle"
//	    "github.com/xraph/entitle/store/postgres"
//	    "github.com/xraph/entitle/tier"
//	)
//
//	tiers, err := tier.NewLoader("tiers.yaml", slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := entitle.New(postgres.New(db), tiers,
//	    entitle.WithSinks([]notify.Sink{notify.NewHTTPSink("billing", url, secret)}),
//	)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Ordering
//
// Provider deliveries are at-least-once and unordered. Events for one
// customer are folded in (occurred_at, sequence_hint, event_id) order.
// An event that cannot be applied yet is deferred and retried whenever
// the customer's history changes; an event that would rewrite applied
// history is recorded as stale. Deferred events that outlive the
// deferral window are finalized by a background sweep.
//
// # Reconciliation
//
// When a reconcile.Provider is configured, customers are compared with
// the provider's view on a cron schedule. Divergences are corrected by
// ingesting synthetic events through the same pipeline, or reported when
// they persist or cannot be expressed as valid transitions.
package entitle
