package ratelimits

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Reserved is the namespace whose opaque id prefixes records that are
// global to the deployment: the schema version record and the namespace
// registry itself.
const Reserved = "_"

// limitBucketKey constructs the storage key for one named limit's own
// bucket: opaqueID + "/BUCKET#" + entityID + "#" + resource + "#" + limitName.
// Every limit bound to the same (entityID, resource) gets a distinct key, so
// each carries independent state and version — a bucket carries state for
// each limit name, never one shared scalar across names.
func limitBucketKey(opaqueID, entityID, resource, limitName string) string {
	var b strings.Builder
	b.Grow(len(opaqueID) + len(entityID) + len(resource) + len(limitName) + 12)
	b.WriteString(opaqueID)
	b.WriteString("/BUCKET#")
	b.WriteString(entityID)
	b.WriteByte('#')
	b.WriteString(resource)
	b.WriteByte('#')
	b.WriteString(limitName)
	return b.String()
}

// entityResourceConfigKey constructs the key for an entity+resource scoped
// ConfigRecord.
func entityResourceConfigKey(opaqueID, entityID, resource string) string {
	return opaqueID + "/ENTITY#" + entityID + "#" + resource
}

// entityDefaultConfigKey constructs the key for an entity-default scoped
// ConfigRecord (no resource).
func entityDefaultConfigKey(opaqueID, entityID string) string {
	return opaqueID + "/ENTITY#" + entityID
}

// resourceDefaultConfigKey constructs the key for a resource-default scoped
// ConfigRecord.
func resourceDefaultConfigKey(opaqueID, resource string) string {
	return opaqueID + "/RESOURCE#" + resource
}

// systemDefaultConfigKey constructs the key for the system-default
// ConfigRecord, a singleton per namespace.
func systemDefaultConfigKey(opaqueID string) string {
	return opaqueID + "/SYSTEM"
}

// entityKey constructs the key for an Entity record.
func entityKey(opaqueID, entityID string) string {
	return opaqueID + "/ENTITYREC#" + entityID
}

// namespaceRegistryKey is the fixed key, under the reserved namespace, that
// holds the human-name -> opaque-id mapping for every registered namespace.
func namespaceRegistryKey() string {
	return Reserved + "/NAMESPACES"
}

// schemaVersionKey is the fixed key, under the reserved namespace, holding
// the persisted schema version record.
func schemaVersionKey() string {
	return Reserved + "/SCHEMA_VERSION"
}

// scopeKind identifies which of the four config-resolution levels a
// fingerprint or key refers to.
type scopeKind string

const (
	scopeEntityResource scopeKind = "entity_resource"
	scopeEntityDefault  scopeKind = "entity_default"
	scopeResourceDefault scopeKind = "resource_default"
	scopeSystemDefault  scopeKind = "system_default"
)

// fingerprint produces a stable cache key for a config-resolution level.
// Two calls with identical (kind, namespace, entityID, resource) share a
// fingerprint; the limit-name set is intentionally NOT part of the
// fingerprint because a scope's resolved record IS the limit-name set —
// there is exactly one record per (kind, namespace, entityID, resource).
func fingerprint(kind scopeKind, opaqueID, entityID, resource string) string {
	h := sha256.New()
	for _, p := range [...]string{string(kind), opaqueID, entityID, resource} {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
