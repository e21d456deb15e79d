package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	audithook "github.com/xraph/entitle/audit_hook"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/subscription"
)

func collect() (*[]*audithook.AuditEvent, audithook.RecorderFunc) {
	var got []*audithook.AuditEvent
	return &got, func(_ context.Context, e *audithook.AuditEvent) error {
		got = append(got, e)
		return nil
	}
}

func TestEventProcessedActions(t *testing.T) {
	tests := []struct {
		outcome event.Outcome
		action  string
	}{
		{event.OutcomeApplied, audithook.ActionEventApplied},
		{event.OutcomeDeferred, audithook.ActionEventDeferred},
		{event.OutcomeStale, audithook.ActionEventStale},
		{event.OutcomeRejected, audithook.ActionEventRejected},
		{event.OutcomeDuplicate, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			got, rec := collect()
			ext := audithook.New(rec)
			ev := &event.Event{ID: "evt_1", CustomerID: "cus_1", Type: event.TypePaymentFailed}
			if err := ext.OnEventProcessed(context.Background(), ev, &event.Record{Outcome: tt.outcome, Reason: "x"}); err != nil {
				t.Fatal(err)
			}
			if tt.action == "" {
				if len(*got) != 0 {
					t.Errorf("duplicate should not be audited")
				}
				return
			}
			if len(*got) != 1 || (*got)[0].Action != tt.action {
				t.Fatalf("got %+v, want action %s", *got, tt.action)
			}
			if (*got)[0].ResourceID != "evt_1" || (*got)[0].Metadata["customer_id"] != "cus_1" {
				t.Errorf("event = %+v", (*got)[0])
			}
		})
	}
}

func TestEnabledActions(t *testing.T) {
	got, rec := collect()
	ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionSubscriptionTransitioned))

	next := &subscription.Subscription{CustomerID: "cus_1", Status: subscription.StatusActive}
	if err := ext.OnSubscriptionTransitioned(context.Background(), nil, next); err != nil {
		t.Fatal(err)
	}
	if err := ext.OnIngestRejected(context.Background(), "stripe", errors.New("bad signature")); err != nil {
		t.Fatal(err)
	}
	if len(*got) != 1 || (*got)[0].Action != audithook.ActionIngestRejected {
		t.Fatalf("got %+v", *got)
	}
	if (*got)[0].Reason != "bad signature" {
		t.Errorf("reason = %q", (*got)[0].Reason)
	}
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	ext := audithook.New(
		audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error { return errors.New("down") }),
		audithook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err := ext.OnEventIngested(context.Background(), &event.Event{ID: "evt_1"}); err != nil {
		t.Errorf("recorder failure leaked: %v", err)
	}
}
