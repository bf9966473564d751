package ratelimits

import (
	"context"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySourcePutBucketNewRejectsDuplicate(t *testing.T) {
	s := NewMemorySource(clock.NewFake())
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 1), 0)

	_, err := s.PutBucketNew(ctx, "k", state)
	require.NoError(t, err)

	_, err = s.PutBucketNew(ctx, "k", state)
	assert.True(t, IsAlreadyExists(err))
}

func TestMemorySourceUpdateBucketVersionMismatch(t *testing.T) {
	s := NewMemorySource(clock.NewFake())
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 1), 0)
	_, err := s.PutBucketNew(ctx, "k", state)
	require.NoError(t, err)

	_, err = s.UpdateBucket(ctx, "k", 5, state)
	assert.True(t, IsConflict(err))

	_, err = s.UpdateBucket(ctx, "k", 1, state)
	require.NoError(t, err)
}

func TestMemorySourceTransactUpdateAllOrNothing(t *testing.T) {
	s := NewMemorySource(clock.NewFake())
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 1), 0)

	items := []TransactItem{
		{Key: "a", ExpectedVersion: 0, State: state},
		{Key: "b", ExpectedVersion: 7, State: state}, // b doesn't exist: conflict
	}
	_, err := s.TransactUpdate(ctx, items)
	assert.True(t, IsConflict(err))

	// Neither item should have been written.
	_, _, _, err = s.GetBucket(ctx, "a")
	assert.True(t, IsNotFound(err))
}

func TestMemorySourceTransactUpdateTooManyItems(t *testing.T) {
	s := NewMemorySource(clock.NewFake())
	_, err := s.TransactUpdate(context.Background(), make([]TransactItem, maxTransactItems+1))
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestMemorySourceListChildrenFiltersByParent(t *testing.T) {
	s := NewMemorySource(clock.NewFake())
	ctx := context.Background()
	require.NoError(t, s.PutEntity(ctx, entityKey("ns1", "parent"), EntityRecord{Name: "Parent"}))
	require.NoError(t, s.PutEntity(ctx, entityKey("ns1", "child-a"), EntityRecord{Name: "A", ParentID: "parent"}))
	require.NoError(t, s.PutEntity(ctx, entityKey("ns1", "child-b"), EntityRecord{Name: "B", ParentID: "parent"}))
	require.NoError(t, s.PutEntity(ctx, entityKey("ns1", "unrelated"), EntityRecord{Name: "U"}))

	got, err := s.ListChildren(ctx, "ns1", "parent")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"child-a", "child-b"}, got)
}

func TestMemorySourceListResourceDefaultsTrimsPrefix(t *testing.T) {
	s := NewMemorySource(clock.NewFake())
	ctx := context.Background()
	require.NoError(t, s.PutConfig(ctx, resourceDefaultConfigKey("ns1", "login"), ConfigRecord{}))
	require.NoError(t, s.PutConfig(ctx, resourceDefaultConfigKey("ns1", "signup"), ConfigRecord{}))
	require.NoError(t, s.PutConfig(ctx, systemDefaultConfigKey("ns1"), ConfigRecord{}))

	got, err := s.ListResourceDefaults(ctx, "ns1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"login", "signup"}, got)
}

func TestMemorySourceBatchGetBucketsOmitsMissingKeys(t *testing.T) {
	s := NewMemorySource(clock.NewFake())
	ctx := context.Background()
	state := freshBucketState(PerSecond("rps", 1), 0)
	_, err := s.PutBucketNew(ctx, "present", state)
	require.NoError(t, err)

	got, _, err := s.BatchGetBuckets(ctx, []string{"present", "absent"})
	require.NoError(t, err)
	_, ok := got["present"]
	assert.True(t, ok)
	_, ok = got["absent"]
	assert.False(t, ok)
}
