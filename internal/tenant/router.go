package tenant

import (
	"strings"
)

// VectorSuffix terminates every per-tenant vector collection name. Entity
// collections never end with it because entity names are not suffixed.
const VectorSuffix = "_vectors"

// CollectionName returns the primary store collection (and full-text index)
// name for an entity.
//
// Layout:
//   - Global:     {tenant}_{entity}
//   - UnitScoped: {tenant}_{unit}_{entity}
//
// The result is lower-cased and every character outside [a-z0-9_] is
// replaced by an underscore. The function is pure and total.
func CollectionName(tenantID, unitID, entity string, scope Scope) string {
	var b strings.Builder
	b.Grow(len(tenantID) + len(unitID) + len(entity) + 2)
	b.WriteString(tenantID)
	b.WriteByte('_')
	if !scope.IsGlobal() {
		b.WriteString(unitID)
		b.WriteByte('_')
	}
	b.WriteString(entity)
	return Sanitize(b.String())
}

// VectorCollectionName returns the per-tenant vector collection name.
func VectorCollectionName(tenantID string) string {
	return Sanitize(tenantID) + VectorSuffix
}

// LegacyUnitCollections returns the per-unit collections an entity occupied
// while it was unit scoped, in the order of unitIDs.
func LegacyUnitCollections(tenantID string, unitIDs []string, entity string) []string {
	names := make([]string, 0, len(unitIDs))
	for _, unitID := range unitIDs {
		names = append(names, CollectionName(tenantID, unitID, entity, UnitScoped))
	}
	return names
}

// Sanitize lower-cases s and replaces every rune outside [a-z0-9_] with an
// underscore. Multi-byte runes become a single underscore.
func Sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// IsValidIdentifier reports whether s is already a sanitized, non-empty name.
func IsValidIdentifier(s string) bool {
	return s != "" && Sanitize(s) == s
}
