package subscription

import (
	"context"
	"time"
)

type Store interface {
	GetSubscription(ctx context.Context, customerID string) (*Subscription, error)
	// SaveSubscription upserts the projection keyed by customer ID.
	SaveSubscription(ctx context.Context, s *Subscription) error
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)
	// ListGraceExpired returns past-due subscriptions whose grace deadline is
	// at or before t.
	ListGraceExpired(ctx context.Context, t time.Time, limit int) ([]*Subscription, error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
