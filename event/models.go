// Package event defines billing events, their canonical ordering, and the
// processing records that make folding them idempotent.
package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Type is the kind of billing event.
type Type string

const (
	TypeSubscriptionCreated Type = "subscription_created"
	TypePaymentSucceeded    Type = "payment_succeeded"
	TypePaymentFailed       Type = "payment_failed"
	TypeGracePeriodExpired  Type = "grace_period_expired"
	TypeSubscriptionUpdated Type = "subscription_updated"
	TypeSubscriptionDeleted Type = "subscription_deleted"
)

// Types returns every event type in declaration order.
func Types() []Type {
	return []Type{
		TypeSubscriptionCreated,
		TypePaymentSucceeded,
		TypePaymentFailed,
		TypeGracePeriodExpired,
		TypeSubscriptionUpdated,
		TypeSubscriptionDeleted,
	}
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Source records who produced an event.
type Source string

const (
	SourceProvider       Source = "provider"
	SourceGraceTimer     Source = "grace_timer"
	SourceReconciliation Source = "reconciliation"
)

// Payload holds the fields of an event the state machine reads. Data keeps
// the provider's original object for audit.
type Payload struct {
	Tier        string          `json:"tier,omitempty"`
	Trial       bool            `json:"trial,omitempty"`
	ProviderRef string          `json:"provider_ref,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Event is an immutable billing event as stored in the ledger.
type Event struct {
	ID           string    `json:"event_id"`
	CustomerID   string    `json:"customer_id"`
	Type         Type      `json:"event_type"`
	OccurredAt   time.Time `json:"occurred_at"`
	SequenceHint int64     `json:"sequence_hint,omitempty"`
	Source       Source    `json:"source"`
	Payload      Payload   `json:"payload"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Position returns the event's place in the canonical per-customer order.
func (e *Event) Position() Position {
	return Position{
		Sequence:   e.SequenceHint,
		OccurredAt: e.OccurredAt,
		EventID:    e.ID,
	}
}

// Synthetic reports whether the event was produced internally.
func (e *Event) Synthetic() bool {
	return e.Source == SourceGraceTimer || e.Source == SourceReconciliation
}

// Position orders events for one customer. A higher sequence hint wins, then
// a later occurrence, then the lexicographically higher event ID. Events
// without a provider sequence carry zero. The zero Position precedes every
// real event.
type Position struct {
	Sequence   int64     `json:"sequence"`
	OccurredAt time.Time `json:"occurred_at"`
	EventID    string    `json:"event_id"`
}

// Compare returns -1, 0 or +1 as p sorts before, equal to, or after o.
func (p Position) Compare(o Position) int {
	switch {
	case p.Sequence < o.Sequence:
		return -1
	case p.Sequence > o.Sequence:
		return 1
	}
	if c := p.OccurredAt.Compare(o.OccurredAt); c != 0 {
		return c
	}
	return strings.Compare(p.EventID, o.EventID)
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool { return p.Compare(o) < 0 }

// IsZero reports whether p is the zero Position.
func (p Position) IsZero() bool {
	return p.Sequence == 0 && p.OccurredAt.IsZero() && p.EventID == ""
}

// Outcome is the result of folding one event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeStale     Outcome = "stale"
)

// Terminal reports whether the outcome is final. Only deferred events are
// reconsidered.
func (o Outcome) Terminal() bool { return o != OutcomeDeferred }

// Record is the single processing record of one event. A deferred record
// is rewritten in place when the event is finally applied or discarded.
type Record struct {
	EventID             string    `json:"event_id"`
	CustomerID          string    `json:"customer_id"`
	Outcome             Outcome   `json:"outcome"`
	Reason              string    `json:"reason,omitempty"`
	SubscriptionVersion int64     `json:"subscription_version,omitempty"`
	ProcessedAt         time.Time `json:"processed_at"`
	FirstSeenAt         time.Time `json:"first_seen_at"`

	// Lineage is the subscription lineage an applied event belongs to.
	Lineage string `json:"lineage,omitempty"`
	// GraceDeadline is fixed when an applied event starts a grace period
	// and is reused on every later fold.
	GraceDeadline *time.Time `json:"grace_deadline,omitempty"`
}

// ListOpts filters and paginates record queries.
type ListOpts struct {
	Outcome Outcome
	Lineage string
	Limit   int
	Offset  int
}
