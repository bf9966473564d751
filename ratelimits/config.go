package ratelimits

import "context"

// ConfigStore exposes the Entity/Config CRUD surface of spec.md §6: the
// four set_*/get_*/delete_* families, each backed by the Resolver's Cache
// so mutations invalidate exactly the fingerprints they can affect
// (spec.md §4.E).
type ConfigStore struct {
	source   Source
	resolver *Resolver
	opaqueID string
}

// NewConfigStore returns a store scoped to one namespace's opaque id,
// sharing resolver's cache so writes stay coherent with reads.
func NewConfigStore(source Source, resolver *Resolver, opaqueID string) *ConfigStore {
	return &ConfigStore{source: source, resolver: resolver, opaqueID: opaqueID}
}

// SetSystemDefaults replaces the system-default record wholesale
// (spec.md §3: "no merge").
func (s *ConfigStore) SetSystemDefaults(ctx context.Context, limits []Limit, onUnavailable OnUnavailable) error {
	if err := validateLimits(limits); err != nil {
		return err
	}
	key := systemDefaultConfigKey(s.opaqueID)
	if err := s.source.PutConfig(ctx, key, ConfigRecord{Limits: limits, OnUnavailable: onUnavailable}); err != nil {
		return err
	}
	s.resolver.Invalidate(s.opaqueID, "", "", scopeSystemDefault)
	return nil
}

// GetSystemDefaults returns the system-default record, or NotFoundError.
func (s *ConfigStore) GetSystemDefaults(ctx context.Context) (ConfigRecord, error) {
	return s.source.GetConfig(ctx, systemDefaultConfigKey(s.opaqueID))
}

// DeleteSystemDefaults removes the system-default record. Narrower
// scopes that previously missed down to it are not affected by a missing
// system default (it is the bottom of the precedence chain), but any
// negative marker cached at the system-default fingerprint itself must be
// evicted so a later SetSystemDefaults is observed promptly.
func (s *ConfigStore) DeleteSystemDefaults(ctx context.Context) error {
	if err := s.source.DeleteConfig(ctx, systemDefaultConfigKey(s.opaqueID)); err != nil {
		return err
	}
	s.resolver.Invalidate(s.opaqueID, "", "", scopeSystemDefault)
	return nil
}

// SetResourceDefaults replaces the resource-default record for resource
// wholesale.
func (s *ConfigStore) SetResourceDefaults(ctx context.Context, resource string, limits []Limit) error {
	if resource == "" {
		return newValidationError("resource must not be empty")
	}
	if err := validateLimits(limits); err != nil {
		return err
	}
	key := resourceDefaultConfigKey(s.opaqueID, resource)
	if err := s.source.PutConfig(ctx, key, ConfigRecord{Limits: limits}); err != nil {
		return err
	}
	s.resolver.Invalidate(s.opaqueID, "", resource, scopeResourceDefault)
	return nil
}

// GetResourceDefaults returns the resource-default record for resource, or
// NotFoundError.
func (s *ConfigStore) GetResourceDefaults(ctx context.Context, resource string) (ConfigRecord, error) {
	return s.source.GetConfig(ctx, resourceDefaultConfigKey(s.opaqueID, resource))
}

// DeleteResourceDefaults removes the resource-default record for
// resource. A stale negative marker at this fingerprint, and at every
// entity+resource fingerprint for this resource that the caller names via
// knownEntityIDs, is evicted too (spec.md §4.E: "adjacent narrower caches
// are also invalidated").
func (s *ConfigStore) DeleteResourceDefaults(ctx context.Context, resource string, knownEntityIDs ...string) error {
	if err := s.source.DeleteConfig(ctx, resourceDefaultConfigKey(s.opaqueID, resource)); err != nil {
		return err
	}
	s.resolver.Invalidate(s.opaqueID, "", resource, scopeResourceDefault)
	for _, entityID := range knownEntityIDs {
		s.resolver.InvalidateNarrower(s.opaqueID, entityID, resource)
	}
	return nil
}

// ListResourcesWithDefaults returns the resource name for every
// resource-default record currently stored.
func (s *ConfigStore) ListResourcesWithDefaults(ctx context.Context) ([]string, error) {
	return s.source.ListResourceDefaults(ctx, s.opaqueID)
}

// SetLimits replaces the limit set for entityID, scoped to resource if
// non-empty (entity+resource record) or entity-wide if resource == ""
// (entity-default record).
func (s *ConfigStore) SetLimits(ctx context.Context, entityID, resource string, limits []Limit) error {
	if entityID == "" {
		return newValidationError("entity id must not be empty")
	}
	if err := validateLimits(limits); err != nil {
		return err
	}
	var key string
	var kind scopeKind
	if resource == "" {
		key = entityDefaultConfigKey(s.opaqueID, entityID)
		kind = scopeEntityDefault
	} else {
		key = entityResourceConfigKey(s.opaqueID, entityID, resource)
		kind = scopeEntityResource
	}
	if err := s.source.PutConfig(ctx, key, ConfigRecord{Limits: limits}); err != nil {
		return err
	}
	s.resolver.Invalidate(s.opaqueID, entityID, resource, kind)
	return nil
}

// GetLimits returns the entity-scoped record (entity+resource if resource
// is non-empty, else entity-default), or NotFoundError.
func (s *ConfigStore) GetLimits(ctx context.Context, entityID, resource string) (ConfigRecord, error) {
	if resource == "" {
		return s.source.GetConfig(ctx, entityDefaultConfigKey(s.opaqueID, entityID))
	}
	return s.source.GetConfig(ctx, entityResourceConfigKey(s.opaqueID, entityID, resource))
}

// DeleteLimits removes the entity-scoped record.
func (s *ConfigStore) DeleteLimits(ctx context.Context, entityID, resource string) error {
	var key string
	var kind scopeKind
	if resource == "" {
		key = entityDefaultConfigKey(s.opaqueID, entityID)
		kind = scopeEntityDefault
	} else {
		key = entityResourceConfigKey(s.opaqueID, entityID, resource)
		kind = scopeEntityResource
	}
	if err := s.source.DeleteConfig(ctx, key); err != nil {
		return err
	}
	s.resolver.Invalidate(s.opaqueID, entityID, resource, kind)
	return nil
}
