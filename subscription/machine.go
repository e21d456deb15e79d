package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/event"
)

var (
	// ErrInvalidTransition is returned when an event is not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("subscription: invalid transition")

	// ErrNoChange is returned when an event is allowed but leaves the state
	// as it is, such as a tier update to the current tier.
	ErrNoChange = errors.New("subscription: event does not change state")

	// ErrSequenceGap is returned for an event whose sequence hint skips
	// ahead of the state it would apply to.
	ErrSequenceGap = errors.New("subscription: sequence gap")
)

// Policy carries the lifecycle parameters a fold runs with.
type Policy struct {
	GracePeriod time.Duration

	// Deadlines holds the grace deadlines fixed when payment_failed events
	// were first applied, keyed by event ID. They take precedence over
	// GracePeriod so a changed grace period only affects new failures.
	Deadlines map[string]time.Time

	// HoldSequenceGaps refuses events whose sequence hint is more than one
	// past the state's, until the events in between have applied.
	HoldSequenceGaps bool

	// Released names events exempt from HoldSequenceGaps.
	Released map[string]bool
}

func (p Policy) graceDeadline(e *event.Event) time.Time {
	if d, ok := p.Deadlines[e.ID]; ok {
		return d
	}
	return e.OccurredAt.Add(p.GracePeriod)
}

// releasing returns a copy of p with the given events also released.
func (p Policy) releasing(ids map[string]bool) Policy {
	if len(ids) == 0 {
		return p
	}
	released := make(map[string]bool, len(p.Released)+len(ids))
	for id := range p.Released {
		released[id] = true
	}
	for id, ok := range ids {
		if ok {
			released[id] = true
		}
	}
	p.Released = released
	return p
}

func (p Policy) gap(cur *Subscription, e *event.Event) bool {
	return p.HoldSequenceGaps && !p.Released[e.ID] &&
		cur != nil && cur.LastSequence > 0 && e.SequenceHint > cur.LastSequence+1
}

type action uint8

const (
	actionInvalid action = iota
	actionCreate
	actionActivate
	actionStartGrace
	actionSuspend
	actionRetier
	actionCancel
	actionIgnore
)

type key struct {
	from Status
	typ  event.Type
}

// Machine is the subscription transition table keyed by (state, event type).
// Every pair has an explicit entry.
type Machine struct {
	table map[key]action
}

// NewMachine builds the transition table. It panics if the table is not
// total, which can only happen when a state or event type is added without
// extending the table.
func NewMachine() *Machine {
	t := defaultTable()
	if err := checkTotal(t); err != nil {
		panic(err)
	}
	return &Machine{table: t}
}

func defaultTable() map[key]action {
	rows := map[Status]map[event.Type]action{
		StatusNone: {
			event.TypeSubscriptionCreated: actionCreate,
			event.TypePaymentSucceeded:    actionInvalid,
			event.TypePaymentFailed:       actionInvalid,
			event.TypeGracePeriodExpired:  actionInvalid,
			event.TypeSubscriptionUpdated: actionInvalid,
			event.TypeSubscriptionDeleted: actionInvalid,
		},
		StatusTrialing: {
			event.TypeSubscriptionCreated: actionInvalid,
			event.TypePaymentSucceeded:    actionActivate,
			event.TypePaymentFailed:       actionInvalid,
			event.TypeGracePeriodExpired:  actionInvalid,
			event.TypeSubscriptionUpdated: actionRetier,
			event.TypeSubscriptionDeleted: actionCancel,
		},
		StatusActive: {
			event.TypeSubscriptionCreated: actionInvalid,
			event.TypePaymentSucceeded:    actionInvalid,
			event.TypePaymentFailed:       actionStartGrace,
			event.TypeGracePeriodExpired:  actionInvalid,
			event.TypeSubscriptionUpdated: actionRetier,
			event.TypeSubscriptionDeleted: actionCancel,
		},
		StatusPastDue: {
			event.TypeSubscriptionCreated: actionInvalid,
			event.TypePaymentSucceeded:    actionActivate,
			event.TypePaymentFailed:       actionSuspend,
			event.TypeGracePeriodExpired:  actionSuspend,
			event.TypeSubscriptionUpdated: actionRetier,
			event.TypeSubscriptionDeleted: actionCancel,
		},
		StatusSuspended: {
			event.TypeSubscriptionCreated: actionInvalid,
			event.TypePaymentSucceeded:    actionInvalid,
			event.TypePaymentFailed:       actionInvalid,
			event.TypeGracePeriodExpired:  actionInvalid,
			event.TypeSubscriptionUpdated: actionRetier,
			event.TypeSubscriptionDeleted: actionCancel,
		},
		StatusCanceled: {
			event.TypeSubscriptionCreated: actionCreate,
			event.TypePaymentSucceeded:    actionInvalid,
			event.TypePaymentFailed:       actionInvalid,
			event.TypeGracePeriodExpired:  actionInvalid,
			event.TypeSubscriptionUpdated: actionInvalid,
			event.TypeSubscriptionDeleted: actionIgnore,
		},
	}

	t := make(map[key]action, len(rows)*len(event.Types()))
	for from, row := range rows {
		for typ, act := range row {
			t[key{from: from, typ: typ}] = act
		}
	}
	return t
}

func checkTotal(t map[key]action) error {
	states := append([]Status{StatusNone}, Statuses()...)
	var missing []string
	for _, s := range states {
		for _, typ := range event.Types() {
			if _, ok := t[key{from: s, typ: typ}]; !ok {
				missing = append(missing, fmt.Sprintf("(%s, %s)", displayStatus(s), typ))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("subscription: transition table missing %d entries: %v", len(missing), missing)
	}
	return nil
}

// Allowed reports whether an event type can ever apply in the given state.
// Guards that depend on the event itself, such as the grace deadline, are
// not evaluated.
func (m *Machine) Allowed(from Status, typ event.Type) bool {
	act, ok := m.table[key{from: from, typ: typ}]
	return ok && act != actionInvalid
}

// Step applies e to cur and returns the next state. cur is nil for a
// customer without a subscription and is never modified.
func (m *Machine) Step(cur *Subscription, e *event.Event, p Policy) (*Subscription, error) {
	from := StatusNone
	if cur != nil {
		from = cur.Status
	}

	act, ok := m.table[key{from: from, typ: e.Type}]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidTransition, e.Type)
	}
	if p.gap(cur, e) {
		return nil, fmt.Errorf("%w: %s at sequence %d, state at %d", ErrSequenceGap, e.ID, e.SequenceHint, cur.LastSequence)
	}

	var next *Subscription
	switch act {
	case actionCreate:
		if e.Payload.Tier == "" {
			return nil, fmt.Errorf("%w: %s without tier", ErrInvalidTransition, e.Type)
		}
		next = &Subscription{
			CustomerID: e.CustomerID,
			Lineage:    e.ID,
			Tier:       e.Payload.Tier,
			Status:     StatusActive,
		}
		if cur != nil {
			next.Entity = cur.Entity
		}
		if e.Payload.Trial {
			next.Status = StatusTrialing
		}

	case actionActivate:
		next = cur.Clone()
		next.Status = StatusActive
		next.GraceDeadline = nil

	case actionStartGrace:
		next = cur.Clone()
		next.Status = StatusPastDue
		deadline := p.graceDeadline(e)
		next.GraceDeadline = &deadline

	case actionSuspend:
		if !cur.GraceExpired(e.OccurredAt) {
			return nil, fmt.Errorf("%w: %s before grace deadline", ErrInvalidTransition, e.Type)
		}
		next = cur.Clone()
		next.Status = StatusSuspended
		next.GraceDeadline = nil

	case actionRetier:
		if e.Payload.Tier == "" {
			return nil, fmt.Errorf("%w: %s without tier", ErrInvalidTransition, e.Type)
		}
		if e.Payload.Tier == cur.Tier {
			return nil, ErrNoChange
		}
		next = cur.Clone()
		next.Tier = e.Payload.Tier

	case actionCancel:
		next = cur.Clone()
		next.Status = StatusCanceled
		next.GraceDeadline = nil

	case actionIgnore:
		return nil, ErrNoChange

	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e.Type, displayStatus(from))
	}

	next.Version++
	next.LastAppliedEventID = e.ID
	next.LastSequence = e.SequenceHint
	next.EffectiveSince = e.OccurredAt
	if e.Payload.ProviderRef != "" {
		next.ProviderRef = e.Payload.ProviderRef
	}
	return next, nil
}

func displayStatus(s Status) string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}
