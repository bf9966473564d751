package ratelimits

import (
	"context"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmission(t *testing.T) (*Admission, *MemorySource, string) {
	t.Helper()
	clk := clock.NewFake()
	source := NewMemorySource(clk)
	cache := NewCache(0, nil)
	resolver := NewResolver(source, cache)
	entities := NewEntityStore(source, "ns1")
	metrics := NewNopMetrics()
	return NewAdmission(source, clk, resolver, entities, metrics, nil, "ns1", OnUnavailableBlock), source, "ns1"
}

func TestNoopLeaseIsSilent(t *testing.T) {
	l := newNoopLease()
	assert.NoError(t, l.Commit(context.Background()))
	assert.NoError(t, l.Release(context.Background()))
	l.Adjust(map[string]int64{"x": 5}) // must not panic
}

func TestLeaseCommitIsIdempotent(t *testing.T) {
	a, source, opaqueID := newTestAdmission(t)
	ctx := context.Background()
	limits := []Limit{PerSecond("rps", 10)}
	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{Limits: limits}))

	lease, err := a.Acquire(ctx, AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 1}, NoFastPath: true})
	require.NoError(t, err)

	require.NoError(t, lease.Commit(ctx))
	require.NoError(t, lease.Commit(ctx)) // no-op, must not re-apply deltas
}

func TestLeaseReleaseCompensatesConsumedAmount(t *testing.T) {
	a, source, opaqueID := newTestAdmission(t)
	ctx := context.Background()
	limits := []Limit{PerSecond("rps", 10)}
	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{Limits: limits}))

	before, err := a.Available(ctx, "e1", "r1")
	require.NoError(t, err)

	lease, err := a.Acquire(ctx, AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 4}, NoFastPath: true})
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))

	after, err := a.Available(ctx, "e1", "r1")
	require.NoError(t, err)
	assert.Equal(t, before["rps"], after["rps"])
}

func TestLeaseAdjustAccumulatesBeforeCommit(t *testing.T) {
	a, source, opaqueID := newTestAdmission(t)
	ctx := context.Background()
	limits := []Limit{PerSecond("rps", 10)}
	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{Limits: limits}))

	lease, err := a.Acquire(ctx, AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 1}, NoFastPath: true})
	require.NoError(t, err)

	lease.Adjust(map[string]int64{"rps": 1}) // refund the 1 base unit already consumed
	require.NoError(t, lease.Commit(ctx))

	avail, err := a.Available(ctx, "e1", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["rps"]) // net consumption is zero, back to full
}

func TestLeaseAdjustAfterCommitIsNoop(t *testing.T) {
	a, source, opaqueID := newTestAdmission(t)
	ctx := context.Background()
	limits := []Limit{PerSecond("rps", 10)}
	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{Limits: limits}))

	lease, err := a.Acquire(ctx, AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 1}, NoFastPath: true})
	require.NoError(t, err)
	require.NoError(t, lease.Commit(ctx))

	lease.Adjust(map[string]int64{"rps": -100}) // must be ignored, lease already COMMITTED

	avail, err := a.Available(ctx, "e1", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), avail["rps"])
}
