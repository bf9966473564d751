package ratelimits

import (
	"context"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceRegisterAndLookup(t *testing.T) {
	source := NewMemorySource(clock.NewFake())
	reg := NewNamespaceRegistry(source)
	ctx := context.Background()

	ns, err := reg.Register(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", ns.Name)
	assert.GreaterOrEqual(t, len(ns.OpaqueID), minOpaqueIDLength)

	got, err := reg.Lookup(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, ns, got)
}

func TestNamespaceRegisterIsIdempotent(t *testing.T) {
	source := NewMemorySource(clock.NewFake())
	reg := NewNamespaceRegistry(source)
	ctx := context.Background()

	first, err := reg.Register(ctx, "tenant-a")
	require.NoError(t, err)
	second, err := reg.Register(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, first.OpaqueID, second.OpaqueID)
}

func TestNamespaceLookupMissing(t *testing.T) {
	source := NewMemorySource(clock.NewFake())
	reg := NewNamespaceRegistry(source)
	_, err := reg.Lookup(context.Background(), "nope")
	assert.True(t, IsNotFound(err))
}

func TestNamespaceRegisterRejectsEmptyName(t *testing.T) {
	source := NewMemorySource(clock.NewFake())
	reg := NewNamespaceRegistry(source)
	_, err := reg.Register(context.Background(), "")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestNamespaceOpaqueIDsAreDistinctPerName(t *testing.T) {
	source := NewMemorySource(clock.NewFake())
	reg := NewNamespaceRegistry(source)
	ctx := context.Background()

	a, err := reg.Register(ctx, "a")
	require.NoError(t, err)
	b, err := reg.Register(ctx, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.OpaqueID, b.OpaqueID)
}
