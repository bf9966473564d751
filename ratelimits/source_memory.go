package ratelimits

import (
	"context"
	"strings"
	"sync"

	"github.com/jmhodges/clock"
)

var _ Source = (*MemorySource)(nil)

// MemorySource is an in-process Source backed by plain maps, guarded by a
// single mutex. It exists for unit tests that want real conditional-write
// and transaction semantics without a Redis or SQL dependency; it makes no
// attempt at the concurrency throughput either production adapter offers.
type MemorySource struct {
	clk clock.Clock

	mu       sync.Mutex
	buckets  map[string]BucketStateVersion
	configs  map[string]ConfigRecord
	entities map[string]EntityRecord
	down     bool
}

// NewMemorySource builds an empty MemorySource using clk for ServerTimeMs.
func NewMemorySource(clk clock.Clock) *MemorySource {
	return &MemorySource{
		clk:      clk,
		buckets:  make(map[string]BucketStateVersion),
		configs:  make(map[string]ConfigRecord),
		entities: make(map[string]EntityRecord),
	}
}

// SetUnreachable flips IsReachable's return value, for exercising
// failure-mode behavior without a real outage.
func (m *MemorySource) SetUnreachable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MemorySource) GetBucket(ctx context.Context, key string) (BucketState, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now().UnixMilli()
	bv, ok := m.buckets[key]
	if !ok {
		return BucketState{}, 0, now, &NotFoundError{Key: key}
	}
	return bv.State, bv.Version, now, nil
}

func (m *MemorySource) PutBucketNew(ctx context.Context, key string, state BucketState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[key]; ok {
		return m.clk.Now().UnixMilli(), &AlreadyExistsError{Key: key}
	}
	m.buckets[key] = BucketStateVersion{State: state, Version: 1}
	return m.clk.Now().UnixMilli(), nil
}

func (m *MemorySource) UpdateBucket(ctx context.Context, key string, expectedVersion int64, state BucketState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bv, ok := m.buckets[key]
	if !ok {
		return m.clk.Now().UnixMilli(), &NotFoundError{Key: key}
	}
	if bv.Version != expectedVersion {
		return m.clk.Now().UnixMilli(), &ConflictError{Key: key}
	}
	m.buckets[key] = BucketStateVersion{State: state, Version: bv.Version + 1}
	return m.clk.Now().UnixMilli(), nil
}

func (m *MemorySource) TransactUpdate(ctx context.Context, items []TransactItem) (int64, error) {
	if len(items) == 0 || len(items) > maxTransactItems {
		return 0, newValidationError("transact_update: at most %d items, got %d", maxTransactItems, len(items))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range items {
		bv, ok := m.buckets[it.Key]
		if it.ExpectedVersion == 0 {
			if ok {
				return m.clk.Now().UnixMilli(), &ConflictError{Key: it.Key}
			}
			continue
		}
		if !ok || bv.Version != it.ExpectedVersion {
			return m.clk.Now().UnixMilli(), &ConflictError{Key: it.Key}
		}
	}
	for _, it := range items {
		bv := m.buckets[it.Key]
		m.buckets[it.Key] = BucketStateVersion{State: it.State, Version: bv.Version + 1}
	}
	return m.clk.Now().UnixMilli(), nil
}

func (m *MemorySource) BatchGetBuckets(ctx context.Context, keys []string) (map[string]BucketStateVersion, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]BucketStateVersion, len(keys))
	for _, k := range keys {
		if bv, ok := m.buckets[k]; ok {
			out[k] = bv
		}
	}
	return out, m.clk.Now().UnixMilli(), nil
}

func (m *MemorySource) GetConfig(ctx context.Context, key string) (ConfigRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.configs[key]
	if !ok {
		return ConfigRecord{}, &NotFoundError{Key: key}
	}
	return rec, nil
}

func (m *MemorySource) PutConfig(ctx context.Context, key string, record ConfigRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[key] = record
	return nil
}

func (m *MemorySource) DeleteConfig(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, key)
	return nil
}

func (m *MemorySource) GetEntity(ctx context.Context, key string) (EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[key]
	if !ok {
		return EntityRecord{}, &NotFoundError{Key: key}
	}
	return rec, nil
}

func (m *MemorySource) PutEntity(ctx context.Context, key string, record EntityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[key] = record
	return nil
}

func (m *MemorySource) DeleteEntity(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, key)
	return nil
}

func (m *MemorySource) ListChildren(ctx context.Context, opaqueID, parentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := opaqueID + "/ENTITYREC#"
	var out []string
	for k, rec := range m.entities {
		if rec.ParentID != parentID {
			continue
		}
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out = append(out, rest)
		}
	}
	return out, nil
}

func (m *MemorySource) ListResourceDefaults(ctx context.Context, opaqueID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := opaqueID + "/RESOURCE#"
	var out []string
	for k := range m.configs {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out = append(out, rest)
		}
	}
	return out, nil
}

func (m *MemorySource) ServerTimeMs(ctx context.Context) (int64, error) {
	return m.clk.Now().UnixMilli(), nil
}

func (m *MemorySource) IsReachable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}
