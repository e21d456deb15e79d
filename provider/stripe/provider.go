package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	"github.com/xraph/entitle/reconcile"
	"github.com/xraph/entitle/subscription"
)

// FetchFunc reads one Stripe subscription by ID.
type FetchFunc func(ctx context.Context, id string) (*stripelib.Subscription, error)

// Provider reads authoritative subscription state from Stripe for
// reconciliation.
type Provider struct {
	fetch FetchFunc
}

var _ reconcile.Provider = (*Provider)(nil)

// NewProvider creates a Provider that calls the Stripe API with apiKey.
func NewProvider(apiKey string) *Provider {
	stripelib.Key = apiKey
	return NewProviderWithFetch(func(ctx context.Context, id string) (*stripelib.Subscription, error) {
		params := &stripelib.SubscriptionParams{}
		params.Context = ctx
		params.AddExpand("latest_invoice")
		return stripesub.Get(id, params)
	})
}

// NewProviderWithFetch creates a Provider over a custom fetch function.
func NewProviderWithFetch(fetch FetchFunc) *Provider {
	return &Provider{fetch: fetch}
}

// Fetch returns Stripe's view of sub. Local subscriptions without a Stripe
// reference, and references Stripe does not know, are reconcile.ErrNotFound.
func (p *Provider) Fetch(ctx context.Context, sub *subscription.Subscription) (*reconcile.Record, error) {
	if sub.ProviderRef == "" {
		return nil, fmt.Errorf("%w: %s has no stripe subscription", reconcile.ErrNotFound, sub.CustomerID)
	}

	s, err := p.fetch(ctx, sub.ProviderRef)
	if err != nil {
		var serr *stripelib.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", reconcile.ErrNotFound, sub.ProviderRef)
		}
		return nil, fmt.Errorf("stripe: fetch subscription %s: %w", sub.ProviderRef, err)
	}

	return &reconcile.Record{
		CustomerID:  sub.CustomerID,
		Tier:        Tier(s),
		Status:      MapStatus(s.Status),
		UpdatedAt:   UpdatedAt(s),
		ProviderRef: s.ID,
	}, nil
}

// MapStatus maps a Stripe subscription status onto a local state. Stripe
// states without a local equivalent map to suspended, granting nothing.
func MapStatus(s stripelib.SubscriptionStatus) subscription.Status {
	switch s {
	case stripelib.SubscriptionStatusTrialing:
		return subscription.StatusTrialing
	case stripelib.SubscriptionStatusActive:
		return subscription.StatusActive
	case stripelib.SubscriptionStatusPastDue:
		return subscription.StatusPastDue
	case stripelib.SubscriptionStatusCanceled, stripelib.SubscriptionStatusIncompleteExpired:
		return subscription.StatusCanceled
	default:
		return subscription.StatusSuspended
	}
}

// UpdatedAt returns the latest change Stripe records for s. Stripe keeps
// no modification time on subscriptions, so it is the newest of the
// lifecycle timestamps, the trial end once the trial is over, each item's
// creation and current period start, and the latest invoice's status
// transitions. A price swapped on an existing item without an invoice is
// not visible here until the next period or invoice.
func UpdatedAt(s *stripelib.Subscription) time.Time {
	latest := s.Created
	for _, ts := range []int64{s.StartDate, s.TrialStart, s.CanceledAt, s.EndedAt} {
		latest = max(latest, ts)
	}
	if s.Status != stripelib.SubscriptionStatusTrialing {
		latest = max(latest, s.TrialEnd)
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			latest = max(latest, item.Created, item.CurrentPeriodStart)
		}
	}
	if inv := s.LatestInvoice; inv != nil {
		latest = max(latest, inv.Created)
		if st := inv.StatusTransitions; st != nil {
			latest = max(latest, st.FinalizedAt, st.PaidAt, st.MarkedUncollectibleAt, st.VoidedAt)
		}
	}
	return time.Unix(latest, 0).UTC()
}
