package ratelimits

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisSource(t *testing.T) *RedisSource {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisSource(client, clock.New(), prometheus.NewRegistry())
}

func TestRedisSourcePutBucketNewThenGet(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 10), 0)

	_, err := r.PutBucketNew(ctx, "k", state)
	require.NoError(t, err)

	got, version, _, err := r.GetBucket(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, state.TokensMilli, got.TokensMilli)
	assert.Equal(t, state.CapacityMilli, got.CapacityMilli)
}

func TestRedisSourcePutBucketNewRejectsDuplicate(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 10), 0)

	_, err := r.PutBucketNew(ctx, "k", state)
	require.NoError(t, err)
	_, err = r.PutBucketNew(ctx, "k", state)
	assert.True(t, IsAlreadyExists(err))
}

func TestRedisSourceGetBucketNotFound(t *testing.T) {
	r := newTestRedisSource(t)
	_, _, _, err := r.GetBucket(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestRedisSourceUpdateBucketVersionMismatch(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 10), 0)
	_, err := r.PutBucketNew(ctx, "k", state)
	require.NoError(t, err)

	_, err = r.UpdateBucket(ctx, "k", 99, state)
	assert.True(t, IsConflict(err))

	_, err = r.UpdateBucket(ctx, "k", 1, state)
	require.NoError(t, err)

	_, version, _, err := r.GetBucket(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestRedisSourceUpdateBucketMissingKey(t *testing.T) {
	r := newTestRedisSource(t)
	_, err := r.UpdateBucket(context.Background(), "missing", 1, freshBucketState(PerSecond("rps", 1), 0))
	assert.True(t, IsNotFound(err))
}

func TestRedisSourceTransactUpdateBothOrNeither(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 10), 0)

	items := []TransactItem{
		{Key: "child", ExpectedVersion: 0, State: state},
		{Key: "parent", ExpectedVersion: 0, State: state},
	}
	_, err := r.TransactUpdate(ctx, items)
	require.NoError(t, err)

	_, childVersion, _, err := r.GetBucket(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, int64(1), childVersion)

	// A conflicting second call (parent's version has moved since) must
	// leave both keys untouched.
	badItems := []TransactItem{
		{Key: "child", ExpectedVersion: 1, State: state},
		{Key: "parent", ExpectedVersion: 99, State: state},
	}
	_, err = r.TransactUpdate(ctx, badItems)
	assert.True(t, IsConflict(err))

	_, childVersion, _, err = r.GetBucket(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, int64(1), childVersion) // unchanged
}

func TestRedisSourceTransactUpdateRejectsTooManyItems(t *testing.T) {
	r := newTestRedisSource(t)
	_, err := r.TransactUpdate(context.Background(), make([]TransactItem, maxTransactItems+1))
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRedisSourceBatchGetBuckets(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 10), 0)
	_, err := r.PutBucketNew(ctx, "present", state)
	require.NoError(t, err)

	got, _, err := r.BatchGetBuckets(ctx, []string{"present", "absent"})
	require.NoError(t, err)
	_, ok := got["present"]
	assert.True(t, ok)
	_, ok = got["absent"]
	assert.False(t, ok)
}

func TestRedisSourceConfigRoundTrip(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	rec := ConfigRecord{Limits: []Limit{PerSecond("rps", 3)}, OnUnavailable: OnUnavailableAllow}

	require.NoError(t, r.PutConfig(ctx, "k", rec))
	got, err := r.GetConfig(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, rec.OnUnavailable, got.OnUnavailable)
	assert.Equal(t, rec.Limits, got.Limits)

	require.NoError(t, r.DeleteConfig(ctx, "k"))
	_, err = r.GetConfig(ctx, "k")
	assert.True(t, IsNotFound(err))
}

func TestRedisSourceEntityRoundTrip(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	rec := EntityRecord{Name: "Acme", ParentID: "p1", CreatedAt: 12345}

	require.NoError(t, r.PutEntity(ctx, "e1", rec))
	got, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, r.DeleteEntity(ctx, "e1"))
	_, err = r.GetEntity(ctx, "e1")
	assert.True(t, IsNotFound(err))
}

func TestRedisSourceListChildrenFiltersByParent(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	require.NoError(t, r.PutEntity(ctx, entityKey("ns1", "parent"), EntityRecord{Name: "Parent"}))
	require.NoError(t, r.PutEntity(ctx, entityKey("ns1", "child-a"), EntityRecord{Name: "A", ParentID: "parent"}))
	require.NoError(t, r.PutEntity(ctx, entityKey("ns1", "child-b"), EntityRecord{Name: "B", ParentID: "parent"}))
	require.NoError(t, r.PutEntity(ctx, entityKey("ns1", "unrelated"), EntityRecord{Name: "U"}))

	got, err := r.ListChildren(ctx, "ns1", "parent")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"child-a", "child-b"}, got)
}

func TestRedisSourceListResourceDefaults(t *testing.T) {
	r := newTestRedisSource(t)
	ctx := context.Background()
	require.NoError(t, r.PutConfig(ctx, resourceDefaultConfigKey("ns1", "login"), ConfigRecord{}))
	require.NoError(t, r.PutConfig(ctx, resourceDefaultConfigKey("ns1", "signup"), ConfigRecord{}))
	require.NoError(t, r.PutConfig(ctx, systemDefaultConfigKey("ns1"), ConfigRecord{}))

	got, err := r.ListResourceDefaults(ctx, "ns1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"login", "signup"}, got)
}

func TestRedisSourceIsReachable(t *testing.T) {
	r := newTestRedisSource(t)
	assert.True(t, r.IsReachable(context.Background()))
}

func TestRedisSourceServerTimeMs(t *testing.T) {
	r := newTestRedisSource(t)
	ms, err := r.ServerTimeMs(context.Background())
	require.NoError(t, err)
	assert.Greater(t, ms, int64(0))
}
