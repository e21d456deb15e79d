package entitlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/entitle/entitlement"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	c := entitlement.NewLRUCache(2, 0)

	a := &entitlement.Set{CustomerID: "cus_a", Lineage: "evt_1", SubscriptionVersion: 1}
	b := &entitlement.Set{CustomerID: "cus_a", Lineage: "evt_1", SubscriptionVersion: 2}
	other := &entitlement.Set{CustomerID: "cus_b", Lineage: "evt_9", SubscriptionVersion: 1}

	if _, err := c.Get(ctx, a.Key()); !errors.Is(err, entitlement.ErrCacheMiss) {
		t.Fatalf("empty cache Get err = %v", err)
	}

	_ = c.Put(ctx, a)
	_ = c.Put(ctx, b)
	got, err := c.Get(ctx, b.Key())
	if err != nil || got != b {
		t.Fatalf("Get = %v, %v", got, err)
	}

	// Capacity is two; a is least recently used.
	_ = c.Put(ctx, other)
	if _, err := c.Get(ctx, a.Key()); !errors.Is(err, entitlement.ErrCacheMiss) {
		t.Error("expected a to be evicted")
	}

	if err := c.Invalidate(ctx, "cus_a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, b.Key()); !errors.Is(err, entitlement.ErrCacheMiss) {
		t.Error("expected cus_a entries to be invalidated")
	}
	if _, err := c.Get(ctx, other.Key()); err != nil {
		t.Errorf("other customer entry dropped: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestLRUCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := entitlement.NewLRUCache(10, 20*time.Millisecond)
	s := &entitlement.Set{CustomerID: "cus_a", Lineage: "evt_1", SubscriptionVersion: 1}
	_ = c.Put(ctx, s)

	time.Sleep(60 * time.Millisecond)
	if _, err := c.Get(ctx, s.Key()); !errors.Is(err, entitlement.ErrCacheMiss) {
		t.Error("expected entry to expire")
	}
}
