package ratelimits

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, Source, string) {
	t.Helper()
	source := NewMemorySource(clock.NewFake())
	cache := NewCache(time.Minute, nil)
	return NewResolver(source, cache), source, "ns1"
}

func TestResolverFallsThroughPrecedenceLevels(t *testing.T) {
	r, source, opaqueID := newTestResolver(t)
	ctx := context.Background()

	sysLimits := []Limit{PerSecond("rps", 1)}
	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{Limits: sysLimits}))

	res, err := r.Resolve(ctx, opaqueID, "entityA", "resourceA", nil)
	require.NoError(t, err)
	assert.Equal(t, sysLimits, res.limits)
}

func TestResolverPrefersNarrowerScope(t *testing.T) {
	r, source, opaqueID := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{Limits: []Limit{PerSecond("rps", 1)}}))
	require.NoError(t, source.PutConfig(ctx, resourceDefaultConfigKey(opaqueID, "res"), ConfigRecord{Limits: []Limit{PerSecond("rps", 2)}}))
	require.NoError(t, source.PutConfig(ctx, entityDefaultConfigKey(opaqueID, "ent"), ConfigRecord{Limits: []Limit{PerSecond("rps", 3)}}))
	require.NoError(t, source.PutConfig(ctx, entityResourceConfigKey(opaqueID, "ent", "res"), ConfigRecord{Limits: []Limit{PerSecond("rps", 4)}}))

	res, err := r.Resolve(ctx, opaqueID, "ent", "res", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.limits[0].Capacity)
}

func TestResolverUsesOverrideWhenNothingStored(t *testing.T) {
	r, _, opaqueID := newTestResolver(t)
	ctx := context.Background()

	override := []Limit{PerSecond("rps", 9)}
	res, err := r.Resolve(ctx, opaqueID, "ent", "res", override)
	require.NoError(t, err)
	assert.Equal(t, override, res.limits)
}

func TestResolverErrorsWithNoConfigAndNoOverride(t *testing.T) {
	r, _, opaqueID := newTestResolver(t)
	_, err := r.Resolve(context.Background(), opaqueID, "ent", "res", nil)
	assert.Error(t, err)
}

func TestResolverOnUnavailableOnlyFromSystemDefault(t *testing.T) {
	r, source, opaqueID := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{
		Limits:        []Limit{PerSecond("rps", 1)},
		OnUnavailable: OnUnavailableAllow,
	}))
	require.NoError(t, source.PutConfig(ctx, resourceDefaultConfigKey(opaqueID, "res"), ConfigRecord{
		Limits:        []Limit{PerSecond("rps", 2)},
		OnUnavailable: OnUnavailableBlock, // ignored: not the system-default scope
	}))

	res, err := r.Resolve(ctx, opaqueID, "ent", "res", nil)
	require.NoError(t, err)
	assert.Equal(t, OnUnavailableAllow, res.onUnavailable)
}

func TestResolverCachesNegativeAtResourceAndSystemScopeOnly(t *testing.T) {
	r, source, opaqueID := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, source.PutConfig(ctx, systemDefaultConfigKey(opaqueID), ConfigRecord{Limits: []Limit{PerSecond("rps", 1)}}))

	_, err := r.Resolve(ctx, opaqueID, "ent", "res", nil)
	require.NoError(t, err)

	// entity-default and entity+resource misses are not negative-cacheable;
	// resource-default and system-default misses/hits are.
	_, negative, ok := r.cache.Get(fingerprint(scopeResourceDefault, opaqueID, "", "res"))
	require.True(t, ok)
	assert.True(t, negative)

	_, _, ok = r.cache.Get(fingerprint(scopeEntityDefault, opaqueID, "ent", ""))
	assert.False(t, ok)
}
