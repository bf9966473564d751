package ratelimits

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	source := NewMemorySource(clock.NewFake())
	l, err := NewLimiter(context.Background(), clock.NewFake(), source, "tenant-a", Options{
		CacheTTL:   time.Minute,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return l
}

func TestNewLimiterRegistersNamespaceOnce(t *testing.T) {
	source := NewMemorySource(clock.NewFake())
	ctx := context.Background()

	first, err := NewLimiter(ctx, clock.NewFake(), source, "tenant-a", Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	second, err := NewLimiter(ctx, clock.NewFake(), source, "tenant-a", Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	assert.Equal(t, first.Namespace().OpaqueID, second.Namespace().OpaqueID)
}

func TestLimiterAcquireAndCommit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	require.NoError(t, l.Config().SetSystemDefaults(ctx, []Limit{PerSecond("rps", 5)}, OnUnavailableBlock))

	lease, err := l.Acquire(ctx, "e1", "r1", map[string]int64{"rps": 2}, false)
	require.NoError(t, err)
	require.NoError(t, lease.Commit(ctx))

	avail, err := l.Available(ctx, "e1", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), avail["rps"])
}

func TestLimiterAcquireWithOverride(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	lease, err := l.AcquireWithOverride(ctx, "e1", "r1", map[string]int64{"rps": 1}, false, []Limit{PerSecond("rps", 3)})
	require.NoError(t, err)
	require.NoError(t, lease.Commit(ctx))
}

func TestLimiterGetStatusAndTimeUntilAvailable(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	require.NoError(t, l.Config().SetSystemDefaults(ctx, []Limit{PerSecond("rps", 1).WithBurst(1)}, OnUnavailableBlock))

	lease, err := l.Acquire(ctx, "e1", "r1", map[string]int64{"rps": 1}, false)
	require.NoError(t, err)
	require.NoError(t, lease.Commit(ctx))

	statuses, err := l.GetStatus(ctx, "e1", "r1", map[string]int64{"rps": 1})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Exceeded)

	wait, err := l.TimeUntilAvailable(ctx, "e1", "r1", map[string]int64{"rps": 1})
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
}

func TestLimiterIsAvailableReflectsSource(t *testing.T) {
	source := NewMemorySource(clock.NewFake())
	l, err := NewLimiter(context.Background(), clock.NewFake(), source, "tenant-a", Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	assert.True(t, l.IsAvailable(context.Background()))
	source.SetUnreachable(true)
	assert.False(t, l.IsAvailable(context.Background()))
}

func TestLimiterCacheStatsTracksHitsAndMisses(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	require.NoError(t, l.Config().SetSystemDefaults(ctx, []Limit{PerSecond("rps", 5)}, OnUnavailableBlock))

	_, err := l.Available(ctx, "e1", "r1")
	require.NoError(t, err)
	_, err = l.Available(ctx, "e1", "r1")
	require.NoError(t, err)

	stats := l.CacheStats()
	assert.Greater(t, stats.Hits+stats.Misses, int64(0))
}
