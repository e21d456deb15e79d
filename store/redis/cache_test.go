package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/store/redis"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/tier"
)

func setup(t *testing.T, opts ...redis.Option) (*redis.Cache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := redis.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func set(customer string, version int64) *entitlement.Set {
	return &entitlement.Set{
		ID:                  id.NewEntitlementSetID(),
		CustomerID:          customer,
		Lineage:             "evt_created",
		SubscriptionVersion: version,
		ConfigVersion:       "cfg-1",
		Tier:                "growth",
		Status:              subscription.StatusActive,
		Capabilities:        []tier.Capability{tier.CapContentStrategist, tier.CapSEODomination},
		Quotas:              map[tier.Capability]int64{tier.CapContentStrategist: 500},
		SupportLevel:        tier.SupportStandard,
		ComputedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPutGet(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	want := set("cus_a", 3)

	_, err := c.Get(ctx, want.Key())
	assert.ErrorIs(t, err, entitlement.ErrCacheMiss)

	require.NoError(t, c.Put(ctx, want))
	got, err := c.Get(ctx, want.Key())
	require.NoError(t, err)

	assert.Equal(t, want.ID.String(), got.ID.String())
	assert.Equal(t, want.Key(), got.Key())
	assert.Equal(t, want.Capabilities, got.Capabilities)
	assert.Equal(t, want.Quotas, got.Quotas)
	assert.True(t, entitlement.Equivalent(want, got))
}

func TestInvalidateDropsOnlyThatCustomer(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()
	a1, a2, b := set("cus_a", 1), set("cus_a", 2), set("cus_b", 1)

	for _, s := range []*entitlement.Set{a1, a2, b} {
		require.NoError(t, c.Put(ctx, s))
	}
	require.NoError(t, c.Invalidate(ctx, "cus_a"))

	for _, s := range []*entitlement.Set{a1, a2} {
		_, err := c.Get(ctx, s.Key())
		assert.ErrorIs(t, err, entitlement.ErrCacheMiss)
	}
	_, err := c.Get(ctx, b.Key())
	require.NoError(t, err)
	assert.False(t, mr.Exists(redis.DefaultPrefix+":cus_a:keys"))

	assert.NoError(t, c.Invalidate(ctx, "cus_unknown"))
}

func TestTTLExpiresEntries(t *testing.T) {
	c, mr := setup(t, redis.WithTTL(time.Minute), redis.WithPrefix("test"))
	ctx := context.Background()
	s := set("cus_a", 1)

	require.NoError(t, c.Put(ctx, s))
	assert.True(t, mr.Exists("test:cus_a:evt_created:1"))

	mr.FastForward(2 * time.Minute)
	_, err := c.Get(ctx, s.Key())
	assert.ErrorIs(t, err, entitlement.ErrCacheMiss)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	c, mr := setup(t)
	ctx := context.Background()
	s := set("cus_a", 1)

	require.NoError(t, mr.Set(redis.DefaultPrefix+":cus_a:evt_created:1", "{not json"))
	_, err := c.Get(ctx, s.Key())
	assert.ErrorIs(t, err, entitlement.ErrCacheMiss)
	assert.False(t, mr.Exists(redis.DefaultPrefix+":cus_a:evt_created:1"))
}

func TestDial(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, err := redis.Dial(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	assert.NotNil(t, c.Client())
	require.NoError(t, c.Close())

	_, err = redis.Dial(context.Background(), "invalid://url")
	assert.Error(t, err)
}
