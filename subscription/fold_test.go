package subscription_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/subscription"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var policy = subscription.Policy{GracePeriod: 72 * time.Hour}

func mkEvent(id string, typ event.Type, seq int64, at time.Time) *event.Event {
	return &event.Event{
		ID:           id,
		CustomerID:   "cus_1",
		Type:         typ,
		SequenceHint: seq,
		OccurredAt:   at,
		Source:       event.SourceProvider,
	}
}

func created(id string, seq int64, tier string, trial bool) *event.Event {
	e := mkEvent(id, event.TypeSubscriptionCreated, seq, base.Add(time.Duration(seq)*time.Minute))
	e.Payload.Tier = tier
	e.Payload.Trial = trial
	return e
}

func updated(id string, seq int64, at time.Time, tier string) *event.Event {
	e := mkEvent(id, event.TypeSubscriptionUpdated, seq, at)
	e.Payload.Tier = tier
	return e
}

func simple(id string, typ event.Type, seq int64) *event.Event {
	return mkEvent(id, typ, seq, base.Add(time.Duration(seq)*time.Minute))
}

// sim keeps the per-customer bookkeeping the engine keeps in its stores.
type sim struct {
	m        *subscription.Machine
	p        subscription.Policy
	cur      *subscription.Subscription
	history  []*event.Event
	applied  map[string]bool
	outcomes map[string]event.Outcome
	versions map[string]int64
}

func newSim() *sim { return newSimWith(policy) }

func newSimWith(p subscription.Policy) *sim {
	return &sim{
		m:        subscription.NewMachine(),
		p:        p,
		applied:  make(map[string]bool),
		outcomes: make(map[string]event.Outcome),
		versions: make(map[string]int64),
	}
}

func (s *sim) process(e *event.Event) event.Outcome {
	if o, ok := s.outcomes[e.ID]; ok && o.Terminal() {
		return event.OutcomeDuplicate
	}
	d := s.m.Evaluate(s.cur, s.history, s.applied, e, s.p)
	switch d.Outcome {
	case event.OutcomeApplied:
		s.cur = d.State
		for id, v := range d.Applied {
			s.applied[id] = true
			s.outcomes[id] = event.OutcomeApplied
			s.versions[id] = v.Version
		}
		s.remember(e)
	case event.OutcomeDeferred:
		s.outcomes[e.ID] = event.OutcomeDeferred
		s.remember(e)
	default:
		s.outcomes[e.ID] = d.Outcome
	}
	return d.Outcome
}

func (s *sim) remember(e *event.Event) {
	for _, h := range s.history {
		if h.ID == e.ID {
			return
		}
	}
	s.history = append(s.history, e)
}

func TestScenarioInOrderTrialThenPayment(t *testing.T) {
	s := newSim()
	if got := s.process(created("evt_c", 1, "starter", true)); got != event.OutcomeApplied {
		t.Fatalf("created outcome = %q", got)
	}
	if s.cur.Status != subscription.StatusTrialing {
		t.Fatalf("status after create = %q", s.cur.Status)
	}
	if got := s.process(simple("evt_ps", event.TypePaymentSucceeded, 2)); got != event.OutcomeApplied {
		t.Fatalf("payment outcome = %q", got)
	}
	if s.cur.Status != subscription.StatusActive || s.cur.Version != 2 {
		t.Errorf("final = %s v%d, want active v2", s.cur.Status, s.cur.Version)
	}
}

func TestScenarioGraceExpirySuspends(t *testing.T) {
	s := newSim()
	s.process(created("evt_c", 1, "starter", false))
	pf := simple("evt_pf", event.TypePaymentFailed, 2)
	s.process(pf)
	if s.cur.Status != subscription.StatusPastDue {
		t.Fatalf("status = %q, want past_due", s.cur.Status)
	}

	early := mkEvent("grace:early", event.TypeGracePeriodExpired, 2, pf.OccurredAt.Add(time.Hour))
	early.Source = event.SourceGraceTimer
	if got := s.process(early); got != event.OutcomeDeferred {
		t.Errorf("early grace outcome = %q, want deferred", got)
	}

	expired := mkEvent("grace:due", event.TypeGracePeriodExpired, 2, *s.cur.GraceDeadline)
	expired.Source = event.SourceGraceTimer
	if got := s.process(expired); got != event.OutcomeApplied {
		t.Fatalf("grace outcome = %q, want applied", got)
	}
	if s.cur.Status != subscription.StatusSuspended || s.cur.Version != 3 {
		t.Errorf("final = %s v%d, want suspended v3", s.cur.Status, s.cur.Version)
	}
}

func TestScenarioDuplicateTierUpdate(t *testing.T) {
	s := newSim()
	s.process(created("evt_c", 1, "starter", false))

	u := updated("evt_u", 2, base.Add(time.Hour), "growth")
	if got := s.process(u); got != event.OutcomeApplied {
		t.Fatalf("first delivery = %q", got)
	}
	redelivered := *u
	if got := s.process(&redelivered); got != event.OutcomeDuplicate {
		t.Errorf("redelivery = %q, want duplicate", got)
	}
	if s.cur.Tier != "growth" || s.cur.Version != 2 {
		t.Errorf("final = %s v%d, want growth v2", s.cur.Tier, s.cur.Version)
	}
}

func TestSameTierUpdateIsDuplicate(t *testing.T) {
	s := newSim()
	s.process(created("evt_c", 1, "starter", false))
	if got := s.process(updated("evt_u", 2, base.Add(time.Hour), "starter")); got != event.OutcomeDuplicate {
		t.Errorf("outcome = %q, want duplicate", got)
	}
	if s.cur.Version != 1 {
		t.Errorf("version = %d, want 1", s.cur.Version)
	}
}

func TestScenarioTieBreakIndependentOfArrival(t *testing.T) {
	at := base.Add(2 * time.Hour)
	orders := [][]string{{"evt_u1", "evt_u2"}, {"evt_u2", "evt_u1"}}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			events := map[string]*event.Event{
				"evt_u1": updated("evt_u1", 0, at, "growth"),
				"evt_u2": updated("evt_u2", 0, at, "scale"),
			}
			s := newSim()
			s.process(created("evt_c", 0, "starter", false))
			for _, id := range order {
				s.process(events[id])
			}
			if s.cur.Tier != "scale" {
				t.Errorf("tier = %q, want scale", s.cur.Tier)
			}
			if s.cur.Version != 3 {
				t.Errorf("version = %d, want 3", s.cur.Version)
			}
			if s.cur.LastAppliedEventID != "evt_u2" {
				t.Errorf("last applied = %q, want evt_u2", s.cur.LastAppliedEventID)
			}
		})
	}
}

func permutations(ids []string) [][]string {
	if len(ids) <= 1 {
		return [][]string{append([]string(nil), ids...)}
	}
	var out [][]string
	for i := range ids {
		rest := make([]string, 0, len(ids)-1)
		rest = append(rest, ids[:i]...)
		rest = append(rest, ids[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{ids[i]}, p...))
		}
	}
	return out
}

func TestOrderingConvergence(t *testing.T) {
	chain := func() map[string]*event.Event {
		return map[string]*event.Event{
			"evt_c":  created("evt_c", 1, "starter", true),
			"evt_ps": simple("evt_ps", event.TypePaymentSucceeded, 2),
			"evt_pf": simple("evt_pf", event.TypePaymentFailed, 3),
			"evt_u":  updated("evt_u", 4, base.Add(4*time.Minute), "growth"),
		}
	}

	for _, order := range permutations([]string{"evt_c", "evt_ps", "evt_pf", "evt_u"}) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			events := chain()
			s := newSim()
			for _, id := range order {
				s.process(events[id])
			}
			if s.cur == nil {
				t.Fatal("no subscription after full chain")
			}
			if s.cur.Status != subscription.StatusPastDue || s.cur.Tier != "growth" || s.cur.Version != 4 {
				t.Errorf("final = %s/%s v%d, want past_due/growth v4", s.cur.Status, s.cur.Tier, s.cur.Version)
			}
			for id := range events {
				if s.outcomes[id] != event.OutcomeApplied {
					t.Errorf("%s outcome = %q, want applied", id, s.outcomes[id])
				}
			}
		})
	}
}

func TestOrderingConvergenceAcrossSequenceGaps(t *testing.T) {
	chain := func() map[string]*event.Event {
		return map[string]*event.Event{
			"evt_c":   created("evt_c", 1, "starter", true),
			"evt_ps2": simple("evt_ps2", event.TypePaymentSucceeded, 2),
			"evt_pf":  simple("evt_pf", event.TypePaymentFailed, 3),
			"evt_ps4": simple("evt_ps4", event.TypePaymentSucceeded, 4),
		}
	}
	held := subscription.Policy{GracePeriod: policy.GracePeriod, HoldSequenceGaps: true}

	for _, order := range permutations([]string{"evt_c", "evt_ps2", "evt_pf", "evt_ps4"}) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			events := chain()
			s := newSimWith(held)
			for _, id := range order {
				s.process(events[id])
			}
			if s.cur == nil {
				t.Fatal("no subscription after full chain")
			}
			if s.cur.Status != subscription.StatusActive || s.cur.Version != 4 || s.cur.LastAppliedEventID != "evt_ps4" {
				t.Errorf("final = %s v%d last %s, want active v4 last evt_ps4", s.cur.Status, s.cur.Version, s.cur.LastAppliedEventID)
			}
			for id := range events {
				if s.outcomes[id] != event.OutcomeApplied {
					t.Errorf("%s outcome = %q, want applied", id, s.outcomes[id])
				}
			}
		})
	}
}

func TestSequenceGapIsHeldUntilReleased(t *testing.T) {
	m := subscription.NewMachine()
	held := subscription.Policy{GracePeriod: policy.GracePeriod, HoldSequenceGaps: true}
	c := created("evt_c", 1, "starter", false)
	cur := m.Fold([]*event.Event{c}, held).State
	applied := map[string]bool{"evt_c": true}
	u := updated("evt_u", 3, base.Add(3*time.Minute), "growth")

	d := m.Evaluate(cur, []*event.Event{c}, applied, u, held)
	if d.Outcome != event.OutcomeDeferred || !errors.Is(d.Reason, subscription.ErrSequenceGap) {
		t.Fatalf("decision = %q %v, want deferred sequence gap", d.Outcome, d.Reason)
	}

	held.Released = map[string]bool{"evt_u": true}
	d = m.Evaluate(cur, []*event.Event{c, u}, applied, u, held)
	if d.Outcome != event.OutcomeApplied || d.State.Tier != "growth" || d.State.LastSequence != 3 {
		t.Fatalf("released decision = %q, state %+v", d.Outcome, d.State)
	}

	// Once applied, the event is not held again on later folds.
	cur = d.State
	applied["evt_u"] = true
	held.Released = nil
	pf := simple("evt_pf", event.TypePaymentFailed, 4)
	d = m.Evaluate(cur, []*event.Event{c, u}, applied, pf, held)
	if d.Outcome != event.OutcomeApplied || d.State.Version != 3 {
		t.Errorf("decision after release = %q %v", d.Outcome, d.Reason)
	}
}

func TestEvaluateKeepsPinnedGraceDeadline(t *testing.T) {
	m := subscription.NewMachine()
	c := created("evt_c", 1, "starter", false)
	pf := simple("evt_pf", event.TypePaymentFailed, 2)

	f := m.Fold([]*event.Event{c, pf}, policy)
	pinned := f.Applied["evt_pf"].GraceDeadline
	if pinned == nil || !pinned.Equal(pf.OccurredAt.Add(policy.GracePeriod)) {
		t.Fatalf("pinned deadline = %v", pinned)
	}
	if f.Applied["evt_c"].GraceDeadline != nil {
		t.Error("created event should not pin a deadline")
	}

	grace := mkEvent("grace:due", event.TypeGracePeriodExpired, 2, *pinned)
	grace.Source = event.SourceGraceTimer
	history := []*event.Event{c, pf, grace}
	cur := m.Fold(history, policy).State
	if cur.Status != subscription.StatusSuspended {
		t.Fatalf("status = %q, want suspended", cur.Status)
	}
	applied := map[string]bool{"evt_c": true, "evt_pf": true, "grace:due": true}
	del := simple("evt_del", event.TypeSubscriptionDeleted, 3)

	longer := subscription.Policy{GracePeriod: 168 * time.Hour}
	if d := m.Evaluate(cur, history, applied, del, longer); d.Outcome != event.OutcomeStale {
		t.Errorf("unpinned decision = %q, want stale", d.Outcome)
	}

	longer.Deadlines = map[string]time.Time{"evt_pf": *pinned}
	d := m.Evaluate(cur, history, applied, del, longer)
	if d.Outcome != event.OutcomeApplied {
		t.Fatalf("pinned decision = %q %v, want applied", d.Outcome, d.Reason)
	}
	if d.State.Status != subscription.StatusCanceled || d.State.Version != 4 {
		t.Errorf("final = %s v%d, want canceled v4", d.State.Status, d.State.Version)
	}
}

func TestEvaluateWithLineageHistoryOnly(t *testing.T) {
	m := subscription.NewMachine()
	c2 := created("evt_c2", 5, "growth", false)
	cur := m.Fold([]*event.Event{c2}, policy).State
	applied := map[string]bool{"evt_c2": true}

	d := m.Evaluate(cur, []*event.Event{c2}, applied, simple("evt_pf", event.TypePaymentFailed, 2), policy)
	if d.Outcome != event.OutcomeStale || !errors.Is(d.Reason, subscription.ErrStale) {
		t.Errorf("decision = %q %v, want stale", d.Outcome, d.Reason)
	}

	d = m.Evaluate(cur, []*event.Event{c2}, applied, simple("evt_pf6", event.TypePaymentFailed, 6), policy)
	if d.Outcome != event.OutcomeApplied || d.State.Version != 2 || d.Applied["evt_pf6"].Lineage != "evt_c2" {
		t.Errorf("decision = %q, applied %+v", d.Outcome, d.Applied)
	}
}

func TestEvaluateStaleWhenRewritingApplied(t *testing.T) {
	s := newSim()
	s.process(created("evt_c", 1, "starter", false))
	s.process(simple("evt_pf", event.TypePaymentFailed, 3))

	got := s.process(simple("evt_del", event.TypeSubscriptionDeleted, 2))
	if got != event.OutcomeStale {
		t.Fatalf("outcome = %q, want stale", got)
	}
	if s.cur.Status != subscription.StatusPastDue || s.cur.Version != 2 {
		t.Errorf("state changed: %s v%d", s.cur.Status, s.cur.Version)
	}
}

func TestEvaluateStaleIntoClosedLineage(t *testing.T) {
	s := newSim()
	s.process(created("evt_c1", 1, "starter", false))
	s.process(simple("evt_del", event.TypeSubscriptionDeleted, 3))
	s.process(created("evt_c2", 5, "growth", false))
	if s.cur.Lineage != "evt_c2" || s.cur.Version != 1 {
		t.Fatalf("lineage = %s v%d, want evt_c2 v1", s.cur.Lineage, s.cur.Version)
	}

	if got := s.process(simple("evt_pf", event.TypePaymentFailed, 2)); got != event.OutcomeStale {
		t.Errorf("outcome = %q, want stale", got)
	}
}

func TestEvaluateReasons(t *testing.T) {
	m := subscription.NewMachine()
	c := created("evt_c", 1, "starter", false)
	f := m.Fold([]*event.Event{c}, policy)

	d := m.Evaluate(f.State, []*event.Event{c}, map[string]bool{"evt_c": true},
		simple("evt_ps", event.TypePaymentSucceeded, 2), policy)
	if d.Outcome != event.OutcomeDeferred || !errors.Is(d.Reason, subscription.ErrInvalidTransition) {
		t.Errorf("decision = %q %v, want deferred invalid transition", d.Outcome, d.Reason)
	}

	d = m.Evaluate(f.State, []*event.Event{c}, map[string]bool{"evt_c": true},
		updated("evt_u", 2, base.Add(time.Hour), "starter"), policy)
	if d.Outcome != event.OutcomeDuplicate || !errors.Is(d.Reason, subscription.ErrNoChange) {
		t.Errorf("decision = %q %v, want duplicate no change", d.Outcome, d.Reason)
	}
}

func TestFoldDoesNotReorderInput(t *testing.T) {
	m := subscription.NewMachine()
	events := []*event.Event{
		simple("evt_ps", event.TypePaymentSucceeded, 2),
		created("evt_c", 1, "starter", true),
	}
	f := m.Fold(events, policy)
	if events[0].ID != "evt_ps" {
		t.Error("input slice reordered")
	}
	if len(f.Applied) != 2 || f.State.Status != subscription.StatusActive {
		t.Errorf("fold = %d applied, status %q", len(f.Applied), f.State.Status)
	}
}

func TestExpire(t *testing.T) {
	cur := &subscription.Subscription{LastSequence: 3, EffectiveSince: base, LastAppliedEventID: "evt_h"}

	tests := []struct {
		name string
		cur  *subscription.Subscription
		e    *event.Event
		want event.Outcome
	}{
		{"behind head", cur, simple("evt_old", event.TypePaymentSucceeded, 2), event.OutcomeStale},
		{"ahead of head", cur, simple("evt_new", event.TypePaymentSucceeded, 5), event.OutcomeRejected},
		{"no subscription", nil, simple("evt_new", event.TypePaymentSucceeded, 1), event.OutcomeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := subscription.Expire(tt.cur, tt.e); got != tt.want {
				t.Errorf("Expire() = %q, want %q", got, tt.want)
			}
		})
	}
}
