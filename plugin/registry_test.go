package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/event"
	"github.com/xraph/entitle/plugin"
)

type recorder struct {
	name     string
	ingested atomic.Int32
	changed  atomic.Int32
	failWith error
	sleepFor time.Duration
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnEventIngested(context.Context, *event.Event) error {
	r.ingested.Add(1)
	return r.failWith
}

func (r *recorder) OnEntitlementsChanged(context.Context, *entitlement.Set) error {
	time.Sleep(r.sleepFor)
	r.changed.Add(1)
	return nil
}

func quietRegistry() *plugin.Registry {
	return plugin.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryDispatch(t *testing.T) {
	r := quietRegistry()
	a := &recorder{name: "a"}
	b := &recorder{name: "b", failWith: errors.New("boom")}
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(b); err != nil {
		t.Fatal(err)
	}

	r.EmitEventIngested(context.Background(), &event.Event{ID: "evt_1"})
	if a.ingested.Load() != 1 || b.ingested.Load() != 1 {
		t.Errorf("ingested = %d/%d, want 1/1", a.ingested.Load(), b.ingested.Load())
	}

	// Hooks the plugins do not implement are no-ops.
	r.EmitDivergenceReported(context.Background(), nil)

	if r.Count() != 2 || r.Get("b") != b || r.Get("missing") != nil {
		t.Error("registry lookup mismatch")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := quietRegistry()
	if err := r.Register(&recorder{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&recorder{name: "a"}); err == nil {
		t.Error("expected duplicate registration error")
	}
}

func TestRegistryHookTimeout(t *testing.T) {
	r := quietRegistry().WithTimeout(20 * time.Millisecond)
	slow := &recorder{name: "slow", sleepFor: 200 * time.Millisecond}
	if err := r.Register(slow); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.EmitEntitlementsChanged(context.Background(), &entitlement.Set{})
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("emit blocked for %v", elapsed)
	}
}
