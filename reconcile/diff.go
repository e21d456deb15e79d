package reconcile

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/subscription"
)

// ErrNotExpressible is returned by Plan when no sequence of legal
// transitions moves the local state to the provider's.
var ErrNotExpressible = errors.New("reconcile: divergence not expressible as a legal transition")

// InSync reports whether local and remote agree on tier and status. A
// missing local subscription is in sync only with a canceled remote.
func InSync(local *subscription.Subscription, remote *Record) bool {
	if local == nil {
		return remote.Status == subscription.StatusCanceled
	}
	if local.Status != remote.Status {
		return false
	}
	// Tier is meaningless once canceled.
	return local.Status == subscription.StatusCanceled || local.Tier == remote.Tier
}

// ProviderNewer reports whether the provider's record was updated after the
// last event applied locally.
func ProviderNewer(local *subscription.Subscription, remote *Record) bool {
	if local == nil {
		return true
	}
	return remote.UpdatedAt.After(local.EffectiveSince)
}

// Plan builds the corrective events that move local to remote: a status
// event first, then a tier event. Each step is checked against the machine
// so the result applies cleanly in canonical order. Event IDs derive from
// the provider's update time, so repeated cycles for the same divergence
// produce the same events.
func Plan(m *subscription.Machine, p subscription.Policy, local *subscription.Subscription, remote *Record) ([]*event.Event, error) {
	var seq int64
	if local != nil {
		seq = local.LastSequence
	}
	base := "reconcile:" + remote.CustomerID + ":" + strconv.FormatInt(remote.UpdatedAt.Unix(), 10)
	mk := func(n int, kind string, typ event.Type) *event.Event {
		return &event.Event{
			ID:           fmt.Sprintf("%s:%d:%s", base, n, kind),
			CustomerID:   remote.CustomerID,
			Type:         typ,
			OccurredAt:   remote.UpdatedAt,
			SequenceHint: seq,
			Source:       event.SourceReconciliation,
			Payload:      event.Payload{ProviderRef: remote.ProviderRef},
		}
	}

	var (
		events []*event.Event
		state  = local
	)
	step := func(e *event.Event) error {
		next, err := m.Step(state, e, p)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrNotExpressible, e.Type, err)
		}
		events = append(events, e)
		state = next
		return nil
	}

	from := subscription.StatusNone
	if local != nil {
		from = local.Status
	}

	if from != remote.Status {
		var e *event.Event
		switch remote.Status {
		case subscription.StatusTrialing, subscription.StatusActive:
			if from == subscription.StatusNone || from == subscription.StatusCanceled {
				e = mk(1, "status", event.TypeSubscriptionCreated)
				e.Payload.Tier = remote.Tier
				e.Payload.Trial = remote.Status == subscription.StatusTrialing
			} else {
				e = mk(1, "status", event.TypePaymentSucceeded)
			}
		case subscription.StatusPastDue:
			e = mk(1, "status", event.TypePaymentFailed)
		case subscription.StatusSuspended:
			e = mk(1, "status", event.TypeGracePeriodExpired)
		case subscription.StatusCanceled:
			e = mk(1, "status", event.TypeSubscriptionDeleted)
		default:
			return nil, fmt.Errorf("%w: unknown provider status %q", ErrNotExpressible, remote.Status)
		}
		if err := step(e); err != nil {
			return nil, err
		}
	}

	if state != nil && state.Status != subscription.StatusCanceled && state.Tier != remote.Tier {
		e := mk(2, "tier", event.TypeSubscriptionUpdated)
		e.Payload.Tier = remote.Tier
		if err := step(e); err != nil {
			return nil, err
		}
	}

	if state == nil || !InSync(state, remote) {
		return nil, fmt.Errorf("%w: plan does not reach %s/%s", ErrNotExpressible, remote.Status, remote.Tier)
	}
	return events, nil
}
