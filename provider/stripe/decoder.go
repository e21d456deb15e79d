// Package stripe adapts Stripe to entitle: a webhook decoder for the
// gateway and a subscription reader for reconciliation.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/event"
)

// SignatureHeader is the header Stripe signs deliveries with.
const SignatureHeader = "Stripe-Signature"

// Metadata keys read from Stripe subscriptions and prices.
const (
	MetadataCustomerID = "customer_id"
	MetadataTier       = "tier"
)

// Decoder verifies Stripe webhook signatures and maps subscription and
// invoice events onto entitle events. The event's API version is not
// checked; only fields stable across versions are read.
type Decoder struct {
	secret    string
	tolerance time.Duration
}

// NewDecoder creates a decoder for the endpoint signing secret. A zero
// tolerance uses Stripe's default.
func NewDecoder(secret string, tolerance time.Duration) *Decoder {
	if tolerance == 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Decoder{secret: secret, tolerance: tolerance}
}

func (d *Decoder) SignatureHeader() string { return SignatureHeader }

func (d *Decoder) Decode(_ context.Context, raw []byte, sig string) (*event.Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(raw, sig, d.secret, d.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %w", entitle.ErrAuthenticationFailed, err)
	}

	var se stripelib.Event
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, fmt.Errorf("%w: %w", entitle.ErrMalformedPayload, err)
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", entitle.ErrMalformedPayload, se.ID)
	}

	ev := &event.Event{
		ID:         se.ID,
		OccurredAt: time.Unix(se.Created, 0).UTC(),
		Source:     event.SourceProvider,
	}

	switch se.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripelib.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %w", entitle.ErrMalformedPayload, err)
		}
		ev.CustomerID = CustomerID(&sub)
		ev.Payload = event.Payload{
			Tier:        Tier(&sub),
			Trial:       sub.Status == stripelib.SubscriptionStatusTrialing,
			ProviderRef: sub.ID,
			Data:        se.Data.Raw,
		}
		switch se.Type {
		case "customer.subscription.created":
			ev.Type = event.TypeSubscriptionCreated
		case "customer.subscription.updated":
			ev.Type = event.TypeSubscriptionUpdated
		default:
			ev.Type = event.TypeSubscriptionDeleted
		}

	// invoice.payment_succeeded is not read: it fires alongside invoice.paid
	// for the same payment under a different event ID.
	case "invoice.paid", "invoice.payment_failed":
		var inv invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %w", entitle.ErrMalformedPayload, err)
		}
		ev.CustomerID = inv.customerID()
		ev.Payload = event.Payload{ProviderRef: inv.subscriptionID(), Data: se.Data.Raw}
		ev.Type = event.TypePaymentSucceeded
		if se.Type == "invoice.payment_failed" {
			ev.Type = event.TypePaymentFailed
		}

	default:
		return nil, fmt.Errorf("%w: unsupported stripe event type %q", entitle.ErrMalformedPayload, se.Type)
	}

	if ev.CustomerID == "" {
		return nil, fmt.Errorf("%w: event %s carries no customer", entitle.ErrMalformedPayload, se.ID)
	}
	return ev, nil
}

// CustomerID returns the internal customer ID of a Stripe subscription:
// the customer_id metadata entry when present, otherwise the Stripe
// customer ID.
func CustomerID(sub *stripelib.Subscription) string {
	if id := strings.TrimSpace(sub.Metadata[MetadataCustomerID]); id != "" {
		return id
	}
	if sub.Customer != nil {
		return sub.Customer.ID
	}
	return ""
}

// Tier returns the tier named by the subscription's tier metadata, or by
// the first item's price metadata or lookup key.
func Tier(sub *stripelib.Subscription) string {
	if t := strings.TrimSpace(sub.Metadata[MetadataTier]); t != "" {
		return t
	}
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if t := strings.TrimSpace(item.Price.Metadata[MetadataTier]); t != "" {
			return t
		}
		if t := strings.TrimSpace(item.Price.LookupKey); t != "" {
			return t
		}
	}
	return ""
}

// invoice holds the invoice fields read here. Stripe has moved the
// subscription reference between API versions, so both places are read.
type invoice struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *invoice) customerID() string {
	if id := strings.TrimSpace(i.Parent.SubscriptionDetails.Metadata[MetadataCustomerID]); id != "" {
		return id
	}
	if id := strings.TrimSpace(i.Metadata[MetadataCustomerID]); id != "" {
		return id
	}
	return strings.TrimSpace(i.Customer)
}

func (i *invoice) subscriptionID() string {
	if s := i.Parent.SubscriptionDetails.Subscription; s != "" {
		return s
	}
	return i.Subscription
}
