package ratelimits

import (
	"context"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Limiter is the top-level facade: it composes the Resolver, Cache,
// Admission engine, and FailureModeGate behind the single surface spec.md
// §6 describes, generalizing the teacher's own Limiter (which bundled a
// defaults/overrides map, a source, and a clock behind one NewLimiter
// constructor) into the multi-tenant, multi-scope shape this spec adds.
type Limiter struct {
	opaqueID  string
	source    Source
	clk       clock.Clock
	resolver  *Resolver
	cache     *Cache
	admission *Admission
	gate      *FailureModeGate
	entities  *EntityStore
	config    *ConfigStore
	namespace Namespace
	metrics   *Metrics
	logger    *zap.Logger
}

// Options configures NewLimiter. Zero values pick the teacher-grounded
// defaults noted per field.
type Options struct {
	// CacheTTL is the config cache's TTL; zero disables caching entirely
	// (spec.md §4.D).
	CacheTTL time.Duration
	// DefaultOnUnavailable is the failure-mode gate's fallback when the
	// resolver cannot be consulted at all. Defaults to OnUnavailableBlock,
	// the spec's recommended conservative choice.
	DefaultOnUnavailable OnUnavailable
	// Logger defaults to a no-op logger if nil.
	Logger *zap.Logger
	// Registerer defaults to prometheus.DefaultRegisterer if nil.
	Registerer prometheus.Registerer
}

// NewLimiter constructs a Limiter bound to one namespace, mirroring the
// teacher's NewLimiter(clk, source, defaults, overrides, stats) shape:
// clk and source remain constructor arguments, while defaults/overrides
// are now resolved per-call from storage rather than loaded once from
// two YAML paths (see SeedDefaults for the bootstrap equivalent of the
// teacher's loadAndParseDefaultLimits/loadAndParseOverrideLimits).
func NewLimiter(ctx context.Context, clk clock.Clock, source Source, namespaceName string, opts Options) (*Limiter, error) {
	if opts.DefaultOnUnavailable == OnUnavailableUnset {
		opts.DefaultOnUnavailable = OnUnavailableBlock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	registry := NewNamespaceRegistry(source)
	ns, err := registry.Lookup(ctx, namespaceName)
	if err != nil {
		if !IsNotFound(err) {
			return nil, err
		}
		ns, err = registry.Register(ctx, namespaceName)
		if err != nil {
			return nil, err
		}
	}

	cache := NewCache(opts.CacheTTL, reg)
	resolver := NewResolver(source, cache)
	entities := NewEntityStore(source, ns.OpaqueID)
	metrics := NewMetrics(reg)
	admission := NewAdmission(source, clk, resolver, entities, metrics, opts.Logger, ns.OpaqueID, opts.DefaultOnUnavailable)
	gate := NewFailureModeGate(admission, resolver, ns.OpaqueID, opts.DefaultOnUnavailable, opts.Logger)
	config := NewConfigStore(source, resolver, ns.OpaqueID)

	return &Limiter{
		opaqueID:  ns.OpaqueID,
		source:    source,
		clk:       clk,
		resolver:  resolver,
		cache:     cache,
		admission: admission,
		gate:      gate,
		entities:  entities,
		config:    config,
		namespace: ns,
		metrics:   metrics,
		logger:    opts.Logger,
	}, nil
}

// Namespace returns the namespace this Limiter is bound to.
func (l *Limiter) Namespace() Namespace { return l.namespace }

// Entities exposes the Entity CRUD surface.
func (l *Limiter) Entities() *EntityStore { return l.entities }

// Config exposes the Entity/Config CRUD surface.
func (l *Limiter) Config() *ConfigStore { return l.config }

// CacheStats returns the config cache's current counters.
func (l *Limiter) CacheStats() CacheStats { return l.cache.Stats() }

// Acquire resolves limits for (entityID, resource), runs admission, and
// returns an OPEN Lease the caller must Commit or Release. cascade, when
// true, additionally checks and reserves against the entity's parent
// bucket atomically (spec.md §4.F). Behavior on InfrastructureError is
// governed by the effective on_unavailable policy (spec.md §4.H): BLOCK
// raises RateLimiterUnavailable, ALLOW returns a no-op Lease.
func (l *Limiter) Acquire(ctx context.Context, entityID, resource string, consume map[string]int64, cascade bool) (*Lease, error) {
	return l.gate.Acquire(ctx, AcquireRequest{EntityID: entityID, Resource: resource, Consume: consume, Cascade: cascade})
}

// AcquireWithOverride is Acquire but with a caller-supplied limit set used
// only if no stored config resolves at any of the four scopes (spec.md
// §4.E, precedence level 5).
func (l *Limiter) AcquireWithOverride(ctx context.Context, entityID, resource string, consume map[string]int64, cascade bool, override []Limit) (*Lease, error) {
	return l.gate.Acquire(ctx, AcquireRequest{EntityID: entityID, Resource: resource, Consume: consume, Cascade: cascade, Limits: override})
}

// Available returns the current token balance, in base units, for every
// limit bound to (entityID, resource). Read-only.
func (l *Limiter) Available(ctx context.Context, entityID, resource string) (map[string]int64, error) {
	return l.gate.Available(ctx, entityID, resource)
}

// TimeUntilAvailable returns how long until needed base units of every
// named limit would be available. Read-only.
func (l *Limiter) TimeUntilAvailable(ctx context.Context, entityID, resource string, needed map[string]int64) (time.Duration, error) {
	return l.admission.TimeUntilAvailable(ctx, entityID, resource, needed)
}

// GetStatus returns the LimitStatus for every limit bound to (entityID,
// resource) as if requested base units of each were about to be consumed,
// without consuming anything. Read-only.
func (l *Limiter) GetStatus(ctx context.Context, entityID, resource string, requested map[string]int64) ([]LimitStatus, error) {
	return l.gate.GetStatus(ctx, entityID, resource, requested)
}

// IsAvailable best-effort probes the storage adapter's reachability.
func (l *Limiter) IsAvailable(ctx context.Context) bool {
	return l.admission.IsAvailable(ctx)
}
