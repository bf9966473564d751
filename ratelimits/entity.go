package ratelimits

import (
	"context"
	"time"
)

// Entity is a caller-defined identity that owns buckets: an API key, a
// tenant, a user. At most one parent; cascade operations traverse one
// level only (spec.md §3).
type Entity struct {
	EntityID  string
	Name      string
	ParentID  string
	CreatedAt time.Time
}

func entityToRecord(e Entity) EntityRecord {
	return EntityRecord{Name: e.Name, ParentID: e.ParentID, CreatedAt: e.CreatedAt.UnixMilli()}
}

func recordToEntity(entityID string, rec EntityRecord) Entity {
	return Entity{
		EntityID:  entityID,
		Name:      rec.Name,
		ParentID:  rec.ParentID,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
	}
}

// EntityStore exposes the Entity CRUD surface of spec.md §6. It is
// outside the hard core (the admission engine only ever needs a single
// one-level parent lookup for cascade), but is part of the complete
// caller-facing API.
type EntityStore struct {
	source   Source
	opaqueID string
}

// NewEntityStore returns a store scoped to one namespace's opaque id.
func NewEntityStore(source Source, opaqueID string) *EntityStore {
	return &EntityStore{source: source, opaqueID: opaqueID}
}

// Create persists a new Entity. parentID may be empty (no parent).
func (s *EntityStore) Create(ctx context.Context, entityID, parentID, name string, now time.Time) (Entity, error) {
	if entityID == "" {
		return Entity{}, newValidationError("entity id must not be empty")
	}
	e := Entity{EntityID: entityID, Name: name, ParentID: parentID, CreatedAt: now}
	if err := s.source.PutEntity(ctx, entityKey(s.opaqueID, entityID), entityToRecord(e)); err != nil {
		return Entity{}, err
	}
	return e, nil
}

// Get returns the Entity for entityID, or NotFoundError.
func (s *EntityStore) Get(ctx context.Context, entityID string) (Entity, error) {
	rec, err := s.source.GetEntity(ctx, entityKey(s.opaqueID, entityID))
	if err != nil {
		return Entity{}, err
	}
	return recordToEntity(entityID, rec), nil
}

// Delete removes an Entity. If cascade is true, every direct child (one
// level only, per Entity's single-parent model) is deleted first, found
// via Source.ListChildren since no adapter maintains a parent->children
// index; a failure deleting any child aborts before the parent record is
// touched, so Delete never leaves a parent gone with orphaned children
// still live.
func (s *EntityStore) Delete(ctx context.Context, entityID string, cascade bool) error {
	if cascade {
		children, err := s.source.ListChildren(ctx, s.opaqueID, entityID)
		if err != nil {
			return err
		}
		for _, childID := range children {
			if err := s.source.DeleteEntity(ctx, entityKey(s.opaqueID, childID)); err != nil {
				return err
			}
		}
	}
	return s.source.DeleteEntity(ctx, entityKey(s.opaqueID, entityID))
}

// ParentOf returns the parent Entity's id for entityID, or "" if entityID
// has no parent or does not exist. Used by the admission engine's
// one-level cascade lookup.
func (s *EntityStore) ParentOf(ctx context.Context, entityID string) (string, error) {
	e, err := s.Get(ctx, entityID)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return e.ParentID, nil
}
