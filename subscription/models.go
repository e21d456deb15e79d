package subscription

import (
	"time"

	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusNone      Status = ""
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
)

// Statuses returns every real status. StatusNone is not included.
func Statuses() []Status {
	return []Status{StatusTrialing, StatusActive, StatusPastDue, StatusSuspended, StatusCanceled}
}

// Valid reports whether s is a real status.
func (s Status) Valid() bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s can only be left by opening a new lineage.
func (s Status) Terminal() bool { return s == StatusCanceled }

// Subscription is the per-customer projection of the event ledger. Lineage
// is the ID of the subscription_created event that opened it; Version counts
// applied events within the lineage.
type Subscription struct {
	types.Entity
	CustomerID         string     `json:"customer_id"`
	Lineage            string     `json:"lineage"`
	Tier               string     `json:"tier"`
	Status             Status     `json:"status"`
	Version            int64      `json:"version"`
	LastAppliedEventID string     `json:"last_applied_event_id"`
	LastSequence       int64      `json:"last_sequence,omitempty"`
	EffectiveSince     time.Time  `json:"effective_since"`
	GraceDeadline      *time.Time `json:"grace_deadline,omitempty"`
	ProviderRef        string     `json:"provider_ref,omitempty"`
}

// Position returns the ordering position of the last applied event.
func (s *Subscription) Position() event.Position {
	if s == nil {
		return event.Position{}
	}
	return event.Position{
		Sequence:   s.LastSequence,
		OccurredAt: s.EffectiveSince,
		EventID:    s.LastAppliedEventID,
	}
}

// GraceExpired reports whether a past-due subscription's grace deadline has
// passed at t.
func (s *Subscription) GraceExpired(t time.Time) bool {
	return s.Status == StatusPastDue && s.GraceDeadline != nil && !t.Before(*s.GraceDeadline)
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.GraceDeadline != nil {
		d := *s.GraceDeadline
		c.GraceDeadline = &d
	}
	return &c
}

// SameState reports whether a and b describe the same lineage at the same version.
func SameState(a, b *Subscription) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Lineage == b.Lineage && a.Version == b.Version
}
