package entitle

import (
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// Re-export common types so callers rarely need the leaf packages.

// Event is re-exported from the event package.
type Event = event.Event

// Record is re-exported from the event package.
type Record = event.Record

// Subscription is re-exported from the subscription package.
type Subscription = subscription.Subscription

// EntitlementSet is re-exported from the entitlement package.
type EntitlementSet = entitlement.Set

// Entity is re-exported from the types package.
type Entity = types.Entity

// NewEntity is re-exported from the types package.
var NewEntity = types.NewEntity
