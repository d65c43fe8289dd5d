// Package configcache holds per-tenant configuration in memory.
//
// Each tenant's state is an immutable snapshot. Writers build a new snapshot
// and swap it in under the lock, so readers observe either the old or the new
// configuration and never a partial update. There is no TTL: Clear and
// ClearAll are the only invalidation.
//
// Loaders that fill the cache from a slower source read Generation before
// loading and store with SetEntitiesIf or SetPermissionsIf. The write is
// dropped when a Clear landed in between, so a stale load never outlives
// the invalidation that should have removed it.
package configcache

import (
	"sync"

	"github.com/fyrsmithlabs/crmstore/internal/schema"
)

type snapshot struct {
	tenant      *schema.TenantConfig
	units       []schema.UnitConfig
	entities    []schema.EntityDefinition
	hasEntities bool
	permissions *schema.PermissionsConfig
}

func (s *snapshot) clone() *snapshot {
	if s == nil {
		return &snapshot{}
	}
	cp := *s
	return &cp
}

// Cache stores tenant, unit, entity and permission configuration.
type Cache struct {
	mu      sync.RWMutex
	tenants map[string]*snapshot
	gens    map[string]uint64 // bumped by Clear
	epoch   uint64            // bumped by ClearAll
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		tenants: make(map[string]*snapshot),
		gens:    make(map[string]uint64),
	}
}

// Generation returns the tenant's invalidation generation. It changes on
// every Clear of the tenant and every ClearAll.
func (c *Cache) Generation(tenantID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation(tenantID)
}

// generation requires c.mu. Both counters only grow, so their sum moves
// whenever either does.
func (c *Cache) generation(tenantID string) uint64 {
	return c.gens[tenantID] + c.epoch
}

func (c *Cache) load(tenantID string) *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenants[tenantID]
}

func (c *Cache) update(tenantID string, fn func(s *snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swap(tenantID, fn)
}

// updateIf applies fn only while the tenant is still at generation gen.
func (c *Cache) updateIf(gen uint64, tenantID string, fn func(s *snapshot)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation(tenantID) != gen {
		return false
	}
	c.swap(tenantID, fn)
	return true
}

func (c *Cache) swap(tenantID string, fn func(s *snapshot)) {
	next := c.tenants[tenantID].clone()
	fn(next)
	c.tenants[tenantID] = next
}

// GetTenant returns the cached tenant settings.
func (c *Cache) GetTenant(tenantID string) (schema.TenantConfig, bool) {
	s := c.load(tenantID)
	if s == nil || s.tenant == nil {
		return schema.TenantConfig{}, false
	}
	return *s.tenant, true
}

// SetTenant replaces the cached tenant settings.
func (c *Cache) SetTenant(tenantID string, cfg schema.TenantConfig) {
	c.update(tenantID, func(s *snapshot) { s.tenant = &cfg })
}

// GetUnits returns every cached unit of the tenant.
func (c *Cache) GetUnits(tenantID string) ([]schema.UnitConfig, bool) {
	s := c.load(tenantID)
	if s == nil || s.units == nil {
		return nil, false
	}
	return append([]schema.UnitConfig(nil), s.units...), true
}

// GetUnit returns a single cached unit.
func (c *Cache) GetUnit(tenantID, unitID string) (schema.UnitConfig, bool) {
	s := c.load(tenantID)
	if s == nil {
		return schema.UnitConfig{}, false
	}
	for _, u := range s.units {
		if u.UnitID == unitID {
			return u, true
		}
	}
	return schema.UnitConfig{}, false
}

// SetUnits replaces the cached unit list.
func (c *Cache) SetUnits(tenantID string, units []schema.UnitConfig) {
	cp := append(make([]schema.UnitConfig, 0, len(units)), units...)
	c.update(tenantID, func(s *snapshot) { s.units = cp })
}

// GetEntity returns the named entity definition.
func (c *Cache) GetEntity(tenantID, name string) (schema.EntityDefinition, bool) {
	s := c.load(tenantID)
	if s == nil {
		return schema.EntityDefinition{}, false
	}
	for _, e := range s.entities {
		if e.Name == name {
			return e, true
		}
	}
	return schema.EntityDefinition{}, false
}

// GetEntities returns every cached entity definition of the tenant.
func (c *Cache) GetEntities(tenantID string) ([]schema.EntityDefinition, bool) {
	s := c.load(tenantID)
	if s == nil || !s.hasEntities {
		return nil, false
	}
	return append([]schema.EntityDefinition(nil), s.entities...), true
}

// SetEntities atomically replaces the tenant's entity list.
func (c *Cache) SetEntities(tenantID string, cfg schema.EntitiesConfig) {
	c.update(tenantID, setEntities(cfg))
}

// SetEntitiesIf replaces the entity list only if the tenant is still at
// generation gen. It reports whether the list was stored.
func (c *Cache) SetEntitiesIf(gen uint64, tenantID string, cfg schema.EntitiesConfig) bool {
	return c.updateIf(gen, tenantID, setEntities(cfg))
}

func setEntities(cfg schema.EntitiesConfig) func(*snapshot) {
	cp := append(make([]schema.EntityDefinition, 0, len(cfg.Entities)), cfg.Entities...)
	return func(s *snapshot) {
		s.entities = cp
		s.hasEntities = true
	}
}

// GetPermissions returns the cached role permissions.
func (c *Cache) GetPermissions(tenantID string) (schema.PermissionsConfig, bool) {
	s := c.load(tenantID)
	if s == nil || s.permissions == nil {
		return schema.PermissionsConfig{}, false
	}
	return *s.permissions, true
}

// SetPermissions replaces the cached role permissions.
func (c *Cache) SetPermissions(tenantID string, cfg schema.PermissionsConfig) {
	c.update(tenantID, func(s *snapshot) { s.permissions = &cfg })
}

// SetPermissionsIf replaces the role permissions only if the tenant is
// still at generation gen. It reports whether they were stored.
func (c *Cache) SetPermissionsIf(gen uint64, tenantID string, cfg schema.PermissionsConfig) bool {
	return c.updateIf(gen, tenantID, func(s *snapshot) { s.permissions = &cfg })
}

// Tenants returns the ids of every tenant with cached state.
func (c *Cache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.tenants))
	for id := range c.tenants {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops every cached value for the tenant.
func (c *Cache) Clear(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
	c.gens[tenantID]++
}

// ClearAll drops every cached value.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants = make(map[string]*snapshot)
	c.epoch++
}
