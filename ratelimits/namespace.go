package ratelimits

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Namespace maps a human-readable tenant name to a short opaque id that
// prefixes every storage key belonging to that tenant. The opaque id is
// not a secret but is not derived from Name either, so tenants cannot
// guess each other's prefixes (spec.md §9).
type Namespace struct {
	Name     string
	OpaqueID string
}

// minOpaqueIDLength is the minimum length, in URL-safe characters,
// required of an opaque id per spec.md §4.I ("6+ characters, URL-safe").
const minOpaqueIDLength = 6

// opaqueIDLength is the length this implementation actually draws, well
// above the spec's floor.
const opaqueIDLength = 12

// newOpaqueID draws a fresh random, URL-safe opaque id. It is derived from
// a UUIDv4, folded down to a compact hex alphabet, never from the
// namespace's human name.
func newOpaqueID() string {
	compact := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(compact) < opaqueIDLength {
		return compact
	}
	return compact[:opaqueIDLength]
}

// NamespaceRegistry persists the Name -> OpaqueID mapping for every
// registered namespace, under the reserved namespace's key space. It is a
// thin layer over a Source: the core treats OpaqueID as an opaque string
// and never derives it from Name (spec.md §6, "namespace registry records
// under reserved namespace _").
type NamespaceRegistry struct {
	source Source
}

// NewNamespaceRegistry returns a registry backed by source.
func NewNamespaceRegistry(source Source) *NamespaceRegistry {
	return &NamespaceRegistry{source: source}
}

// Register creates a new Namespace with a freshly drawn opaque id, or
// returns the existing one if name is already registered.
func (r *NamespaceRegistry) Register(ctx context.Context, name string) (Namespace, error) {
	if name == "" {
		return Namespace{}, newValidationError("namespace name must not be empty")
	}
	existing, err := r.Lookup(ctx, name)
	if err == nil {
		return existing, nil
	}
	if !IsNotFound(err) {
		return Namespace{}, err
	}

	registry, err := r.readRegistry(ctx)
	if err != nil {
		return Namespace{}, err
	}
	ns := Namespace{Name: name, OpaqueID: newOpaqueID()}
	registry[name] = ns.OpaqueID
	if err := r.writeRegistry(ctx, registry); err != nil {
		return Namespace{}, err
	}
	return ns, nil
}

// Lookup returns the Namespace registered under name, or a NotFoundError.
func (r *NamespaceRegistry) Lookup(ctx context.Context, name string) (Namespace, error) {
	registry, err := r.readRegistry(ctx)
	if err != nil {
		return Namespace{}, err
	}
	opaqueID, ok := registry[name]
	if !ok {
		return Namespace{}, &NotFoundError{Key: name}
	}
	return Namespace{Name: name, OpaqueID: opaqueID}, nil
}

func (r *NamespaceRegistry) readRegistry(ctx context.Context) (map[string]string, error) {
	rec, err := r.source.GetConfig(ctx, namespaceRegistryKey())
	if err != nil {
		if IsNotFound(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	registry := make(map[string]string, len(rec.Namespaces))
	for k, v := range rec.Namespaces {
		registry[k] = v
	}
	return registry, nil
}

func (r *NamespaceRegistry) writeRegistry(ctx context.Context, registry map[string]string) error {
	return r.source.PutConfig(ctx, namespaceRegistryKey(), ConfigRecord{Namespaces: registry})
}
