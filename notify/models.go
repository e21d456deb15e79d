package notify

import (
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusRetrying     Status = "retrying"
	StatusDelivered    Status = "delivered"
	StatusDeadLettered Status = "dead_lettered"
	StatusSuperseded   Status = "superseded"
)

// Queued reports whether a notification still waits for delivery.
func (s Status) Queued() bool { return s == StatusPending || s == StatusRetrying }

// Outcome is the result of one dispatch.
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeQueuedForRetry Outcome = "queued_for_retry"
	OutcomeDeadLettered   Outcome = "dead_lettered"
)

// Notification is one entitlement set addressed to one sink. Consumers use
// SubscriptionVersion to discard stale or repeated deliveries.
type Notification struct {
	types.Entity
	ID                  id.NotificationID `json:"id"`
	CustomerID          string            `json:"customer_id"`
	Sink                string            `json:"sink"`
	Lineage             string            `json:"lineage"`
	SubscriptionVersion int64             `json:"subscription_version"`
	Set                 *entitlement.Set  `json:"entitlements"`
	Status              Status            `json:"status"`
	Attempts            int               `json:"attempts"`
	LastError           string            `json:"last_error,omitempty"`
	NextAttemptAt       *time.Time        `json:"next_attempt_at,omitempty"`
	DeliveredAt         *time.Time        `json:"delivered_at,omitempty"`
}

type ListOpts struct {
	Status     Status
	CustomerID string
	Sink       string
	Limit      int
	Offset     int
}
