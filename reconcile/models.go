package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

var (
	// ErrNotFound is returned by a Provider that holds no subscription for
	// the customer.
	ErrNotFound = errors.New("reconcile: subscription not found at provider")

	// ErrDivergenceNotFound is returned by a Store with no open divergence
	// for the customer.
	ErrDivergenceNotFound = errors.New("reconcile: divergence not found")
)

// Record is the billing provider's authoritative view of a subscription.
type Record struct {
	CustomerID  string              `json:"customer_id"`
	Tier        string              `json:"tier"`
	Status      subscription.Status `json:"status"`
	UpdatedAt   time.Time           `json:"updated_at"`
	ProviderRef string              `json:"provider_ref,omitempty"`
}

// Provider reads subscriptions from the billing provider.
type Provider interface {
	Fetch(ctx context.Context, sub *subscription.Subscription) (*Record, error)
}

// IngestFunc feeds a corrective event into the normal ingestion path.
type IngestFunc func(ctx context.Context, e *event.Event) error

// Divergence tracks an open mismatch between local state and the provider.
// There is at most one per customer.
type Divergence struct {
	types.Entity
	ID                id.DivergenceID     `json:"id"`
	CustomerID        string              `json:"customer_id"`
	LocalTier         string              `json:"local_tier"`
	LocalStatus       subscription.Status `json:"local_status"`
	LocalVersion      int64               `json:"local_version"`
	LocalUpdatedAt    time.Time           `json:"local_updated_at"`
	ProviderTier      string              `json:"provider_tier"`
	ProviderStatus    subscription.Status `json:"provider_status"`
	ProviderUpdatedAt time.Time           `json:"provider_updated_at"`
	Cycles            int                 `json:"cycles"`
	Reported          bool                `json:"reported"`
	ReportedAt        *time.Time          `json:"reported_at,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

type ListOpts struct {
	ReportedOnly bool
	Limit        int
	Offset       int
}

type Store interface {
	GetDivergence(ctx context.Context, customerID string) (*Divergence, error)
	// SaveDivergence upserts by customer ID.
	SaveDivergence(ctx context.Context, d *Divergence) error
	DeleteDivergence(ctx context.Context, customerID string) error
	ListDivergences(ctx context.Context, opts ListOpts) ([]*Divergence, error)
}

// Result is the outcome of reconciling one customer.
type Result string

const (
	ResultInSync     Result = "in_sync"
	ResultCorrected  Result = "corrected"
	ResultLocalNewer Result = "local_newer"
	ResultReported   Result = "reported"
	ResultFailed     Result = "failed"
)

// Summary counts results for one pass.
type Summary struct {
	Shard      int `json:"shard"`
	Checked    int `json:"checked"`
	InSync     int `json:"in_sync"`
	Corrected  int `json:"corrected"`
	LocalNewer int `json:"local_newer"`
	Reported   int `json:"reported"`
	Failed     int `json:"failed"`
}

func (s *Summary) add(r Result) {
	s.Checked++
	switch r {
	case ResultInSync:
		s.InSync++
	case ResultCorrected:
		s.Corrected++
	case ResultLocalNewer:
		s.LocalNewer++
	case ResultReported:
		s.Reported++
	case ResultFailed:
		s.Failed++
	}
}
