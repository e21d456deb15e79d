package subscription

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/xraph/entitle/event"
)

// ErrStale is returned for an event that arrives behind the applied state
// and cannot be merged into it.
var ErrStale = errors.New("subscription: stale event")

// Applied describes an event accepted by a fold. GraceDeadline is set for
// the event that moved the subscription into past_due.
type Applied struct {
	Lineage       string
	Version       int64
	GraceDeadline *time.Time
}

// Folded is the result of replaying a set of events from an empty state.
type Folded struct {
	State   *Subscription
	Applied map[string]Applied
	Skipped map[string]error
}

// Sort orders events canonically in place.
func Sort(events []*event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Before(events[j].Position())
	})
}

// Fold replays events in canonical order starting from no subscription.
// The input slice is not modified.
func (m *Machine) Fold(events []*event.Event, p Policy) *Folded {
	ordered := make([]*event.Event, len(events))
	copy(ordered, events)
	Sort(ordered)

	f := &Folded{
		Applied: make(map[string]Applied, len(ordered)),
		Skipped: make(map[string]error),
	}
	for _, e := range ordered {
		next, err := m.Step(f.State, e, p)
		if err != nil {
			f.Skipped[e.ID] = err
			continue
		}
		a := Applied{Lineage: next.Lineage, Version: next.Version}
		if next.Status == StatusPastDue && (f.State == nil || f.State.Status != StatusPastDue) {
			a.GraceDeadline = next.GraceDeadline
		}
		f.State = next
		f.Applied[e.ID] = a
	}
	return f
}

// Decision is the outcome of evaluating one incoming event against a
// customer's history.
type Decision struct {
	Outcome event.Outcome
	Reason  error

	// State is the projection after the event. Set only when Outcome is
	// applied.
	State *Subscription

	// Applied holds every event that becomes applied, the incoming one and
	// any previously deferred ones it unblocked.
	Applied map[string]Applied
}

// Evaluate decides what incoming does to a customer. cur is the stored
// projection, history holds the customer's applied and deferred events, and
// applied names the events already recorded as applied.
//
// The current lineage is refolded with the incoming event so the final
// state does not depend on arrival order. An event the refold cannot apply
// is deferred and reconsidered on every later fold; a duplicate is one that
// changes nothing. A refold that would drop an applied event, or an event
// that sorts before the lineage was opened, is refused as stale.
//
// Applied events are never held for a sequence gap again, and grace
// deadlines already in p.Deadlines are kept.
func (m *Machine) Evaluate(cur *Subscription, history []*event.Event, applied map[string]bool, incoming *event.Event, p Policy) Decision {
	var opening *event.Event
	if cur != nil {
		for _, e := range history {
			if e.ID == cur.Lineage {
				opening = e
				break
			}
		}
	}
	if opening != nil && incoming.ID != opening.ID && incoming.Position().Before(opening.Position()) {
		return Decision{
			Outcome: event.OutcomeStale,
			Reason:  fmt.Errorf("%w: predates lineage %s", ErrStale, opening.ID),
		}
	}

	candidates := make([]*event.Event, 0, len(history)+1)
	for _, e := range history {
		if e.ID == incoming.ID {
			continue
		}
		if opening != nil && e.Position().Before(opening.Position()) {
			continue
		}
		candidates = append(candidates, e)
	}
	candidates = append(candidates, incoming)

	f := m.Fold(candidates, p.releasing(applied))

	for _, e := range candidates {
		if !applied[e.ID] {
			continue
		}
		if _, ok := f.Applied[e.ID]; !ok {
			return Decision{
				Outcome: event.OutcomeStale,
				Reason:  fmt.Errorf("%w: would rewrite applied event %s", ErrStale, e.ID),
			}
		}
	}

	if _, ok := f.Applied[incoming.ID]; !ok {
		skipErr := f.Skipped[incoming.ID]
		if errors.Is(skipErr, ErrNoChange) {
			return Decision{Outcome: event.OutcomeDuplicate, Reason: skipErr}
		}
		return Decision{Outcome: event.OutcomeDeferred, Reason: skipErr}
	}

	d := Decision{
		Outcome: event.OutcomeApplied,
		State:   f.State,
		Applied: make(map[string]Applied),
	}
	head := cur.Position()
	for _, e := range candidates {
		a, ok := f.Applied[e.ID]
		if !ok || applied[e.ID] {
			continue
		}
		if a.Lineage != f.State.Lineage {
			return Decision{
				Outcome: event.OutcomeStale,
				Reason:  fmt.Errorf("%w: belongs to closed lineage %s", ErrStale, a.Lineage),
			}
		}
		// Events merged behind the previous head report the version the
		// projection reaches, not their slot in the replay.
		if cur != nil && cur.Lineage == f.State.Lineage && e.Position().Before(head) {
			a.Version = f.State.Version
		}
		d.Applied[e.ID] = a
	}
	return d
}

// Expire decides the terminal outcome of a deferred event that never became
// applicable: stale if it sorts behind the applied state, rejected otherwise.
func Expire(cur *Subscription, e *event.Event) event.Outcome {
	if cur != nil && e.Position().Before(cur.Position()) {
		return event.OutcomeStale
	}
	return event.OutcomeRejected
}
