package event

import (
	"context"
	"time"
)

// Store is the event ledger: the append-only event log plus the processing
// records keyed by event ID.
type Store interface {
	// AppendEvent stores e unless an event with the same ID exists. It
	// reports whether e was newly appended.
	AppendEvent(ctx context.Context, e *Event) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*Event, error)
	// ListCustomerEvents returns every ledgered event of a customer in
	// receipt order.
	ListCustomerEvents(ctx context.Context, customerID string) ([]*Event, error)
	// ListUnprocessedEvents returns ledgered events that have no record yet,
	// oldest first.
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*Event, error)

	SaveRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, eventID string) (*Record, error)
	ListRecords(ctx context.Context, customerID string, opts ListOpts) ([]*Record, error)
	// ListDeferredRecords returns deferred records first seen before the cutoff.
	ListDeferredRecords(ctx context.Context, firstSeenBefore time.Time, limit int) ([]*Record, error)
}
