package ratelimits

import (
	"context"
	"errors"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultySource wraps a Source and fails GetConfig with an
// InfrastructureError once faulty is true, to exercise the failure-mode
// gate without a real network dependency.
type faultySource struct {
	Source
	faulty bool
}

func (f *faultySource) GetConfig(ctx context.Context, key string) (ConfigRecord, error) {
	if f.faulty {
		return ConfigRecord{}, newInfrastructureError("get_config", errors.New("connection refused"))
	}
	return f.Source.GetConfig(ctx, key)
}

func newTestGate(t *testing.T, faulty *faultySource, defaultOnUnavailable OnUnavailable) *FailureModeGate {
	t.Helper()
	cache := NewCache(0, nil)
	resolver := NewResolver(faulty, cache)
	entities := NewEntityStore(faulty, "ns1")
	admission := NewAdmission(faulty, clock.NewFake(), resolver, entities, NewNopMetrics(), nil, "ns1", defaultOnUnavailable)
	return NewFailureModeGate(admission, resolver, "ns1", defaultOnUnavailable, nil)
}

func TestFailureModeGateBlocksByDefault(t *testing.T) {
	inner := NewMemorySource(clock.NewFake())
	faulty := &faultySource{Source: inner, faulty: true}
	gate := newTestGate(t, faulty, OnUnavailableBlock)

	_, err := gate.Acquire(context.Background(), AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 1}})
	var unavailable *RateLimiterUnavailable
	require.ErrorAs(t, err, &unavailable)
}

func TestFailureModeGateAllowsWhenPolicyIsAllow(t *testing.T) {
	inner := NewMemorySource(clock.NewFake())
	faulty := &faultySource{Source: inner, faulty: true}
	gate := newTestGate(t, faulty, OnUnavailableAllow)

	lease, err := gate.Acquire(context.Background(), AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 1}})
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.NoError(t, lease.Commit(context.Background()))
}

func TestFailureModeGatePropagatesValidationError(t *testing.T) {
	inner := NewMemorySource(clock.NewFake())
	faulty := &faultySource{Source: inner, faulty: false}
	ctx := context.Background()
	require.NoError(t, inner.PutConfig(ctx, systemDefaultConfigKey("ns1"), ConfigRecord{Limits: []Limit{PerSecond("rps", 1)}}))
	gate := newTestGate(t, faulty, OnUnavailableBlock)

	_, err := gate.Acquire(ctx, AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 999}})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestFailureModeGatePropagatesRateLimitExceeded(t *testing.T) {
	inner := NewMemorySource(clock.NewFake())
	faulty := &faultySource{Source: inner, faulty: false}
	ctx := context.Background()
	require.NoError(t, inner.PutConfig(ctx, systemDefaultConfigKey("ns1"), ConfigRecord{Limits: []Limit{PerSecond("rps", 1).WithBurst(1)}}))
	gate := newTestGate(t, faulty, OnUnavailableBlock)

	_, err := gate.Acquire(ctx, AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 1}, NoFastPath: true})
	require.NoError(t, err)

	_, err = gate.Acquire(ctx, AcquireRequest{EntityID: "e1", Resource: "r1", Consume: map[string]int64{"rps": 1}, NoFastPath: true})
	var rle *RateLimitExceeded
	assert.ErrorAs(t, err, &rle)
}
