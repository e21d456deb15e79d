package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/entitle/event"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(id string, typ event.Type, at time.Time) *event.Event {
	return &event.Event{ID: id, CustomerID: "cus_1", Type: typ, OccurredAt: at}
}

func withTier(e *event.Event, tier string) *event.Event {
	e.Payload.Tier = tier
	return e
}

func TestDefaultTableIsTotal(t *testing.T) {
	if err := checkTotal(defaultTable()); err != nil {
		t.Fatal(err)
	}
}

func TestCheckTotalReportsMissing(t *testing.T) {
	table := defaultTable()
	delete(table, key{from: StatusSuspended, typ: event.TypePaymentSucceeded})
	if err := checkTotal(table); err == nil {
		t.Fatal("expected missing entry to be reported")
	}
}

func TestStep(t *testing.T) {
	m := NewMachine()
	policy := Policy{GracePeriod: 72 * time.Hour}
	deadline := t0.Add(72 * time.Hour)

	active := &Subscription{CustomerID: "cus_1", Lineage: "evt_c", Tier: "starter", Status: StatusActive, Version: 1}
	pastDue := &Subscription{CustomerID: "cus_1", Lineage: "evt_c", Tier: "starter", Status: StatusPastDue, Version: 2, GraceDeadline: &deadline}
	canceled := &Subscription{CustomerID: "cus_1", Lineage: "evt_c", Tier: "starter", Status: StatusCanceled, Version: 3}
	suspended := &Subscription{CustomerID: "cus_1", Lineage: "evt_c", Tier: "starter", Status: StatusSuspended, Version: 3}

	trialCreate := withTier(ev("evt_new", event.TypeSubscriptionCreated, t0), "growth")
	trialCreate.Payload.Trial = true

	tests := []struct {
		name        string
		cur         *Subscription
		event       *event.Event
		wantStatus  Status
		wantVersion int64
		wantErr     error
	}{
		{"create on none starts trial", nil, trialCreate, StatusTrialing, 1, nil},
		{"create on none active", nil, withTier(ev("evt_new", event.TypeSubscriptionCreated, t0), "growth"), StatusActive, 1, nil},
		{"create without tier", nil, ev("evt_new", event.TypeSubscriptionCreated, t0), "", 0, ErrInvalidTransition},
		{"create on active", active, withTier(ev("evt_new", event.TypeSubscriptionCreated, t0), "growth"), "", 0, ErrInvalidTransition},
		{"create on canceled opens lineage", canceled, withTier(ev("evt_new", event.TypeSubscriptionCreated, t0), "growth"), StatusActive, 1, nil},
		{"payment succeeded on active", active, ev("evt_ps", event.TypePaymentSucceeded, t0), "", 0, ErrInvalidTransition},
		{"payment succeeded on past due", pastDue, ev("evt_ps", event.TypePaymentSucceeded, t0), StatusActive, 3, nil},
		{"payment failed on active", active, ev("evt_pf", event.TypePaymentFailed, t0), StatusPastDue, 2, nil},
		{"payment failed within grace", pastDue, ev("evt_pf2", event.TypePaymentFailed, t0.Add(time.Hour)), "", 0, ErrInvalidTransition},
		{"payment failed after grace", pastDue, ev("evt_pf2", event.TypePaymentFailed, deadline), StatusSuspended, 3, nil},
		{"grace expired early", pastDue, ev("evt_g", event.TypeGracePeriodExpired, deadline.Add(-time.Second)), "", 0, ErrInvalidTransition},
		{"grace expired at deadline", pastDue, ev("evt_g", event.TypeGracePeriodExpired, deadline), StatusSuspended, 3, nil},
		{"grace expired on active", active, ev("evt_g", event.TypeGracePeriodExpired, deadline), "", 0, ErrInvalidTransition},
		{"update tier on suspended", suspended, withTier(ev("evt_u", event.TypeSubscriptionUpdated, t0), "growth"), StatusSuspended, 4, nil},
		{"update to same tier", active, withTier(ev("evt_u", event.TypeSubscriptionUpdated, t0), "starter"), "", 0, ErrNoChange},
		{"update on canceled", canceled, withTier(ev("evt_u", event.TypeSubscriptionUpdated, t0), "growth"), "", 0, ErrInvalidTransition},
		{"update on none", nil, withTier(ev("evt_u", event.TypeSubscriptionUpdated, t0), "growth"), "", 0, ErrInvalidTransition},
		{"delete on past due", pastDue, ev("evt_d", event.TypeSubscriptionDeleted, t0), StatusCanceled, 3, nil},
		{"delete on canceled", canceled, ev("evt_d", event.TypeSubscriptionDeleted, t0), "", 0, ErrNoChange},
		{"delete on none", nil, ev("evt_d", event.TypeSubscriptionDeleted, t0), "", 0, ErrInvalidTransition},
		{"unknown type", active, ev("evt_x", event.Type("refund_issued"), t0), "", 0, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := m.Step(tt.cur, tt.event, policy)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", next.Status, tt.wantStatus)
			}
			if next.Version != tt.wantVersion {
				t.Errorf("version = %d, want %d", next.Version, tt.wantVersion)
			}
			if next.LastAppliedEventID != tt.event.ID {
				t.Errorf("last applied = %q, want %q", next.LastAppliedEventID, tt.event.ID)
			}
		})
	}
}

func TestStepDoesNotMutateCurrent(t *testing.T) {
	m := NewMachine()
	cur := &Subscription{CustomerID: "cus_1", Lineage: "evt_c", Tier: "starter", Status: StatusActive, Version: 1}

	next, err := m.Step(cur, ev("evt_pf", event.TypePaymentFailed, t0), Policy{GracePeriod: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if cur.Status != StatusActive || cur.Version != 1 || cur.GraceDeadline != nil {
		t.Errorf("current state mutated: %+v", cur)
	}
	if next.GraceDeadline == nil || !next.GraceDeadline.Equal(t0.Add(time.Hour)) {
		t.Errorf("grace deadline = %v, want %v", next.GraceDeadline, t0.Add(time.Hour))
	}
}

func TestZeroGracePeriodSuspendsOnNextFailure(t *testing.T) {
	m := NewMachine()
	policy := Policy{}
	cur := &Subscription{CustomerID: "cus_1", Lineage: "evt_c", Tier: "starter", Status: StatusActive, Version: 1}

	pastDue, err := m.Step(cur, ev("evt_pf1", event.TypePaymentFailed, t0), policy)
	if err != nil {
		t.Fatal(err)
	}
	suspended, err := m.Step(pastDue, ev("evt_g", event.TypeGracePeriodExpired, t0), policy)
	if err != nil {
		t.Fatal(err)
	}
	if suspended.Status != StatusSuspended {
		t.Errorf("status = %q, want suspended", suspended.Status)
	}
}

func TestAllowed(t *testing.T) {
	m := NewMachine()
	if !m.Allowed(StatusNone, event.TypeSubscriptionCreated) {
		t.Error("create should be allowed on none")
	}
	if m.Allowed(StatusCanceled, event.TypePaymentSucceeded) {
		t.Error("payment succeeded should not be allowed on canceled")
	}
}
