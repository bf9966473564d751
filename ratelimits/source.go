package ratelimits

import "context"

// maxTransactItems bounds a single TransactUpdate call: at most one bucket
// key per limit bound to a resource, times at most two entities (the
// cascade's child and its one parent — spec.md §9, one-level cascade only).
// 16 is comfortably above any config this core expects to resolve while
// still catching a caller that passes something unbounded.
const maxTransactItems = 16

// ConfigRecord is the persisted, replace-wholesale configuration bound at
// one of the four resolver scopes (system-default, resource-default,
// entity-default, entity+resource), or the namespace registry / schema
// version record when stored under the reserved namespace. Writing a
// record replaces it wholesale: there is no merge semantics anywhere in
// this type (spec.md §3).
type ConfigRecord struct {
	// Limits is the bound limit set for a resolver-scope record. Empty for
	// registry/schema-version records.
	Limits []Limit

	// OnUnavailable is only meaningful on the system-default record; the
	// resolver never reads it from any other scope (spec.md §4.E).
	OnUnavailable OnUnavailable

	// Namespaces backs the reserved-namespace registry record: human name
	// -> opaque id. Empty for every other record.
	Namespaces map[string]string

	// SchemaVersion backs the reserved-namespace schema-version record.
	// Zero for every other record.
	SchemaVersion int
}

// Source is the narrow storage-adapter surface the core requires
// (spec.md §4.C, §6). Implementations must be safe for concurrent use.
// Three concrete flavors are provided: RedisSource (conditional writes and
// multi-key transactions via Lua scripts), SQLSource (row-version columns,
// real SQL transactions for multi-key writes, per spec.md §9 Design Note
// 2), and the in-process MemorySource.
type Source interface {
	// GetBucket reads a bucket's state. It returns NotFoundError if absent.
	// serverNowMs is always returned, even on NotFoundError, since the
	// caller needs a monotonic clock reading regardless.
	GetBucket(ctx context.Context, key string) (state BucketState, version int64, serverNowMs int64, err error)

	// PutBucketNew conditionally creates a bucket. It returns
	// AlreadyExistsError if key is already present.
	PutBucketNew(ctx context.Context, key string, state BucketState) (serverNowMs int64, err error)

	// UpdateBucket conditionally replaces a bucket's state, guarded by
	// expectedVersion. It returns ConflictError on a version mismatch.
	UpdateBucket(ctx context.Context, key string, expectedVersion int64, state BucketState) (serverNowMs int64, err error)

	// TransactUpdate atomically applies every item or none: every key
	// either does not yet exist (expectedVersion == 0, created) or matches
	// expectedVersion (updated). It returns ConflictError if any item's
	// precondition fails. len(items)
	// must be <= maxTransactItems (one write per limit bound to a
	// resource, times at most two entities on a cascade); more is a
	// ValidationError.
	TransactUpdate(ctx context.Context, items []TransactItem) (serverNowMs int64, err error)

	// BatchGetBuckets reads many buckets in one round trip. Keys absent
	// from the store are simply absent from the returned map, not an
	// error.
	BatchGetBuckets(ctx context.Context, keys []string) (states map[string]BucketStateVersion, serverNowMs int64, err error)

	// GetConfig reads a ConfigRecord. It returns NotFoundError if absent.
	GetConfig(ctx context.Context, key string) (ConfigRecord, error)

	// PutConfig replaces a ConfigRecord wholesale (creating it if absent).
	PutConfig(ctx context.Context, key string, record ConfigRecord) error

	// DeleteConfig removes a ConfigRecord. It is a no-op, not an error, if
	// key was already absent.
	DeleteConfig(ctx context.Context, key string) error

	// GetEntity reads an EntityRecord. It returns NotFoundError if absent.
	GetEntity(ctx context.Context, key string) (EntityRecord, error)

	// PutEntity replaces an EntityRecord wholesale (creating it if absent).
	PutEntity(ctx context.Context, key string, record EntityRecord) error

	// DeleteEntity removes an EntityRecord. It is a no-op, not an error, if
	// key was already absent.
	DeleteEntity(ctx context.Context, key string) error

	// ListChildren returns the entity id of every Entity directly parented
	// by parentID, backing EntityStore.Delete's cascade option. No adapter
	// maintains a parent->children index, so this scans every entity record
	// under opaqueID and filters client-side; cost is proportional to the
	// namespace's total entity count, not to the number of children.
	ListChildren(ctx context.Context, opaqueID, parentID string) ([]string, error)

	// ListResourceDefaults returns the resource name for every
	// resource-default record currently stored under opaqueID, backing
	// list_resources_with_defaults (spec.md §6).
	ListResourceDefaults(ctx context.Context, opaqueID string) ([]string, error)

	// ServerTimeMs returns the store's monotonic server-side clock, the
	// sole source of truth for refill math (spec.md Non-goals: no
	// wall-clock sync across clients).
	ServerTimeMs(ctx context.Context) (int64, error)

	// IsReachable best-effort probes liveness, bounded by ctx. It never
	// raises; a failed probe simply returns false.
	IsReachable(ctx context.Context) bool
}

// EntityRecord is the persisted shape of an Entity (spec.md §3).
type EntityRecord struct {
	Name      string
	ParentID  string
	CreatedAt int64 // unix millis
}

// BucketStateVersion pairs a bucket's state with its version tag, as
// returned by BatchGetBuckets.
type BucketStateVersion struct {
	State   BucketState
	Version int64
}

// TransactItem is one item of an atomic multi-item write passed to
// TransactUpdate. ExpectedVersion == 0 means "must not yet exist" (create);
// any other value means "must match exactly" (update).
type TransactItem struct {
	Key             string
	ExpectedVersion int64
	State           BucketState
}

// OnUnavailable selects the failure-mode gate's policy when an
// InfrastructureError reaches it (spec.md §4.H).
type OnUnavailable int

const (
	// OnUnavailableUnset means the system-default record does not specify
	// a policy; the gate falls back to its constructor default.
	OnUnavailableUnset OnUnavailable = iota
	// OnUnavailableBlock re-raises InfrastructureError as
	// RateLimiterUnavailable.
	OnUnavailableBlock
	// OnUnavailableAllow swallows the error and returns a no-op Lease.
	OnUnavailableAllow
)
