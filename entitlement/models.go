package entitlement

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/tier"
)

// Set is the concrete capability set a customer holds at one subscription
// version. Sets are immutable once stored.
type Set struct {
	ID                  id.EntitlementSetID       `json:"id"`
	CustomerID          string                    `json:"customer_id"`
	Lineage             string                    `json:"lineage"`
	SubscriptionVersion int64                     `json:"subscription_version"`
	ConfigVersion       string                    `json:"config_version"`
	Tier                string                    `json:"tier"`
	Status              subscription.Status       `json:"status"`
	Capabilities        []tier.Capability         `json:"capabilities"`
	Quotas              map[tier.Capability]int64 `json:"quotas"`
	SupportLevel        tier.SupportLevel         `json:"support_level,omitempty"`
	ComputedAt          time.Time                 `json:"computed_at"`
}

// Key addresses a set by the subscription state it was derived from.
type Key struct {
	CustomerID string
	Lineage    string
	Version    int64
}

func (s *Set) Key() Key {
	return Key{CustomerID: s.CustomerID, Lineage: s.Lineage, Version: s.SubscriptionVersion}
}

// Has reports whether c is enabled.
func (s *Set) Has(c tier.Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Quota returns the limit for c and whether one is set. A capability
// without a quota entry is unmetered.
func (s *Set) Quota(c tier.Capability) (int64, bool) {
	q, ok := s.Quotas[c]
	return q, ok
}

// Empty reports whether nothing is enabled.
func (s *Set) Empty() bool { return len(s.Capabilities) == 0 }

// Equivalent reports whether a and b grant the same access, ignoring
// identity and bookkeeping fields.
func Equivalent(a, b *Set) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.SupportLevel != b.SupportLevel || len(a.Capabilities) != len(b.Capabilities) || len(a.Quotas) != len(b.Quotas) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	for c, q := range a.Quotas {
		if other, ok := b.Quotas[c]; !ok || other != q {
			return false
		}
	}
	return true
}

type ListOpts struct {
	Limit  int
	Offset int
}
