package entitlement

import "context"

type Store interface {
	// SaveSet stores a set. Saving a second set for the same key is a no-op.
	SaveSet(ctx context.Context, s *Set) error
	GetSet(ctx context.Context, key Key) (*Set, error)
	// GetLatestSet returns the customer's most recently computed set.
	GetLatestSet(ctx context.Context, customerID string) (*Set, error)
	// ListSets returns a customer's sets newest first.
	ListSets(ctx context.Context, customerID string, opts ListOpts) ([]*Set, error)
}
