package entitlement

import (
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/tier"
)

// Resolve derives the entitlement set for sub under cfg. It is pure: the
// result depends only on its arguments, and ID and ComputedAt are left for
// the caller to stamp. A nil subscription resolves to nil.
//
// Suspended and canceled subscriptions resolve to the empty set, as does a
// tier the configuration does not declare. Past-due access follows the
// configured policy.
func Resolve(sub *subscription.Subscription, cfg *tier.Configuration) *Set {
	if sub == nil {
		return nil
	}
	set := &Set{
		CustomerID:          sub.CustomerID,
		Lineage:             sub.Lineage,
		SubscriptionVersion: sub.Version,
		Tier:                sub.Tier,
		Status:              sub.Status,
		Capabilities:        []tier.Capability{},
		Quotas:              map[tier.Capability]int64{},
	}
	if cfg == nil {
		return set
	}
	set.ConfigVersion = cfg.Version

	t, err := cfg.Tier(sub.Tier)
	if err != nil {
		return set
	}

	var granted []tier.Capability
	switch sub.Status {
	case subscription.StatusTrialing, subscription.StatusActive:
		granted = t.Capabilities
	case subscription.StatusPastDue:
		switch cfg.Policy.PastDueAccess {
		case tier.PastDueFull:
			granted = t.Capabilities
		case tier.PastDueRestricted:
			granted = t.PastDueCapabilities
		}
	}
	if len(granted) == 0 {
		return set
	}

	set.SupportLevel = t.SupportLevel
	set.Capabilities = make([]tier.Capability, len(granted))
	copy(set.Capabilities, granted)
	for _, c := range granted {
		if q, ok := t.Quotas[c]; ok {
			set.Quotas[c] = q
		}
	}
	return set
}
