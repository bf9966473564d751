package ratelimits

import "context"

// resolved is what the resolver hands back to the admission engine: an
// immutable snapshot of the effective limits and the effective
// on_unavailable policy (spec.md §4.E). The caller-supplied override,
// level 5, is passed to Resolve and appears here only when none of the
// four stored scopes resolves.
type resolved struct {
	limits        []Limit
	onUnavailable OnUnavailable
}

// Resolver implements the four-level config-precedence walk of spec.md
// §4.E: entity+resource, entity-default, resource-default, system-default.
// Each level is consulted through a Cache; on a cache miss the Source is
// read and the result cached (positively on a hit, negatively only at the
// resource-default and system-default levels, per spec.md §4.D).
type Resolver struct {
	source Source
	cache  *Cache
}

// NewResolver returns a Resolver backed by source, consulting cache.
func NewResolver(source Source, cache *Cache) *Resolver {
	return &Resolver{source: source, cache: cache}
}

// precedenceLevel is one step of the four-level walk: which scope to
// consult, and the (entityID, resource) arguments that scope's key needs.
type precedenceLevel struct {
	kind              scopeKind
	entityID          string
	resource          string
	negativeCacheable bool
}

// Resolve walks the precedence order for (opaqueID, entityID, resource)
// and returns the first full hit: entity+resource, entity-default,
// resource-default, system-default, then override (spec.md §4.E).
func (r *Resolver) Resolve(ctx context.Context, opaqueID, entityID, resource string, override []Limit) (resolved, error) {
	levels := [...]precedenceLevel{
		{scopeEntityResource, entityID, resource, false},
		{scopeEntityDefault, entityID, "", false},
		{scopeResourceDefault, "", resource, true},
		{scopeSystemDefault, "", "", true},
	}
	for _, lvl := range levels {
		limits, ok, err := r.lookupPositive(ctx, lvl.kind, opaqueID, lvl.entityID, lvl.resource, lvl.negativeCacheable)
		if err != nil {
			return resolved{}, err
		}
		if !ok {
			continue
		}
		onUnavail, err := r.resolveOnUnavailable(ctx, opaqueID)
		if err != nil {
			return resolved{}, err
		}
		return resolved{limits: limits, onUnavailable: onUnavail}, nil
	}

	if len(override) > 0 {
		onUnavail, err := r.resolveOnUnavailable(ctx, opaqueID)
		if err != nil {
			return resolved{}, err
		}
		return resolved{limits: override, onUnavailable: onUnavail}, nil
	}

	return resolved{}, newValidationError("no limits configured for entity %q resource %q and no override supplied", entityID, resource)
}

// resolveOnUnavailable reads the system-default record's OnUnavailable
// field, the only scope permitted to define it (spec.md §4.E). A miss
// here is not an error: it means OnUnavailableUnset, and the failure-mode
// gate falls back to its constructor default.
func (r *Resolver) resolveOnUnavailable(ctx context.Context, opaqueID string) (OnUnavailable, error) {
	rec, found, err := r.readThrough(ctx, scopeSystemDefault, opaqueID, "", "", true)
	if err != nil {
		return OnUnavailableUnset, err
	}
	if !found {
		return OnUnavailableUnset, nil
	}
	return rec.OnUnavailable, nil
}

// lookupPositive reports whether a full hit exists at the given scope,
// returning its limits.
func (r *Resolver) lookupPositive(ctx context.Context, kind scopeKind, opaqueID, entityID, resource string, negativeCacheable bool) ([]Limit, bool, error) {
	rec, found, err := r.readThrough(ctx, kind, opaqueID, entityID, resource, negativeCacheable)
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return rec.Limits, true, nil
}

// readThrough is the cache-then-storage read for one scope.
func (r *Resolver) readThrough(ctx context.Context, kind scopeKind, opaqueID, entityID, resource string, negativeCacheable bool) (ConfigRecord, bool, error) {
	fp := fingerprint(kind, opaqueID, entityID, resource)

	if rec, negative, ok := r.cache.Get(fp); ok {
		if negative {
			return ConfigRecord{}, false, nil
		}
		return rec, true, nil
	}

	rec, err := r.source.GetConfig(ctx, scopeKey(kind, opaqueID, entityID, resource))
	if err != nil {
		if IsNotFound(err) {
			if negativeCacheable {
				r.cache.SetNegative(fp)
			}
			return ConfigRecord{}, false, nil
		}
		return ConfigRecord{}, false, err
	}
	r.cache.Set(fp, rec)
	return rec, true, nil
}

// scopeKey maps a scopeKind to the storage key spec.md §4.B assigns it.
func scopeKey(kind scopeKind, opaqueID, entityID, resource string) string {
	switch kind {
	case scopeEntityResource:
		return entityResourceConfigKey(opaqueID, entityID, resource)
	case scopeEntityDefault:
		return entityDefaultConfigKey(opaqueID, entityID)
	case scopeResourceDefault:
		return resourceDefaultConfigKey(opaqueID, resource)
	case scopeSystemDefault:
		return systemDefaultConfigKey(opaqueID)
	default:
		return ""
	}
}

// Invalidate evicts the fingerprint of the scope a config mutation at kind
// touched. Narrower fingerprints are not evicted here, since they cannot be
// enumerated without a scan; callers that know an affected (entityID,
// resource) pair evict those via InvalidateNarrower (spec.md §4.E).
func (r *Resolver) Invalidate(opaqueID, entityID, resource string, kind scopeKind) {
	fps := []string{fingerprint(kind, opaqueID, entityID, resource)}
	switch kind {
	case scopeSystemDefault:
		// Every resource-default and entity-default fingerprint that
		// previously missed down to system-default is now potentially
		// stale; the caller is expected to pass the specific
		// entity/resource pairs it knows about via InvalidateNarrower.
	case scopeResourceDefault:
		// entity+resource fingerprints for this resource, across entities,
		// are not enumerable without a scan; callers that know the
		// affected entity should also call InvalidateNarrower.
	}
	r.cache.InvalidatePrefix(fps...)
}

// InvalidateNarrower additionally evicts the entity-default and
// entity+resource fingerprints for a specific (entityID, resource) pair,
// used after a delete at a wider scope might have unshadowed them, or
// after a write at a wider scope that a narrower negative marker was
// shadowing (spec.md §4.E, "adjacent narrower caches are also
// invalidated").
func (r *Resolver) InvalidateNarrower(opaqueID, entityID, resource string) {
	r.cache.InvalidatePrefix(
		fingerprint(scopeEntityResource, opaqueID, entityID, resource),
		fingerprint(scopeEntityDefault, opaqueID, entityID, ""),
	)
}
