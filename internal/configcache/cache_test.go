package configcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

func TestCache_MissIsNotAnError(t *testing.T) {
	c := New()

	_, ok := c.GetTenant("acme")
	assert.False(t, ok)
	_, ok = c.GetUnits("acme")
	assert.False(t, ok)
	_, ok = c.GetUnit("acme", "sales")
	assert.False(t, ok)
	_, ok = c.GetEntity("acme", "contact")
	assert.False(t, ok)
	_, ok = c.GetEntities("acme")
	assert.False(t, ok)
	_, ok = c.GetPermissions("acme")
	assert.False(t, ok)
}

func TestCache_SetAndGet(t *testing.T) {
	c := New()
	c.SetTenant("acme", schema.TenantConfig{TenantID: "acme", Name: "Acme"})
	c.SetUnits("acme", []schema.UnitConfig{{UnitID: "sales"}, {UnitID: "support"}})
	c.SetEntities("acme", schema.EntitiesConfig{Entities: []schema.EntityDefinition{
		{Name: "contact"},
		{Name: "product", Scope: tenant.Global},
	}})
	c.SetPermissions("acme", schema.PermissionsConfig{Roles: []schema.RoleConfig{{Role: "admin", Scopes: []string{"*"}}}})

	tc, ok := c.GetTenant("acme")
	require.True(t, ok)
	assert.Equal(t, "Acme", tc.Name)

	unit, ok := c.GetUnit("acme", "support")
	require.True(t, ok)
	assert.Equal(t, "support", unit.UnitID)

	units, ok := c.GetUnits("acme")
	require.True(t, ok)
	assert.Len(t, units, 2)

	def, ok := c.GetEntity("acme", "product")
	require.True(t, ok)
	assert.Equal(t, tenant.Global, def.Scope)

	perms, ok := c.GetPermissions("acme")
	require.True(t, ok)
	assert.Equal(t, "admin", perms.Roles[0].Role)

	_, ok = c.GetEntity("other", "product")
	assert.False(t, ok, "tenants are isolated")
}

func TestCache_SetEntitiesReplacesList(t *testing.T) {
	c := New()
	c.SetEntities("acme", schema.EntitiesConfig{Entities: []schema.EntityDefinition{{Name: "contact"}, {Name: "deal"}}})
	c.SetEntities("acme", schema.EntitiesConfig{Entities: []schema.EntityDefinition{{Name: "deal"}}})

	_, ok := c.GetEntity("acme", "contact")
	assert.False(t, ok)
	_, ok = c.GetEntity("acme", "deal")
	assert.True(t, ok)

	all, ok := c.GetEntities("acme")
	require.True(t, ok)
	assert.Len(t, all, 1)
}

func TestCache_EmptyEntityListIsCached(t *testing.T) {
	c := New()
	c.SetEntities("acme", schema.EntitiesConfig{})
	all, ok := c.GetEntities("acme")
	assert.True(t, ok)
	assert.Empty(t, all)
}

func TestCache_ReturnedSlicesAreCopies(t *testing.T) {
	c := New()
	units := []schema.UnitConfig{{UnitID: "sales"}}
	c.SetUnits("acme", units)
	units[0].UnitID = "mutated"

	got, _ := c.GetUnits("acme")
	assert.Equal(t, "sales", got[0].UnitID)

	got[0].UnitID = "mutated-again"
	again, _ := c.GetUnits("acme")
	assert.Equal(t, "sales", again[0].UnitID)
}

func TestCache_Clear(t *testing.T) {
	c := New()
	c.SetTenant("acme", schema.TenantConfig{TenantID: "acme"})
	c.SetTenant("globex", schema.TenantConfig{TenantID: "globex"})

	c.Clear("acme")
	_, ok := c.GetTenant("acme")
	assert.False(t, ok)
	_, ok = c.GetTenant("globex")
	assert.True(t, ok)

	c.ClearAll()
	_, ok = c.GetTenant("globex")
	assert.False(t, ok)
	assert.Empty(t, c.Tenants())
}

func TestCache_ConditionalSetsLoseToClear(t *testing.T) {
	stale := schema.EntitiesConfig{Entities: []schema.EntityDefinition{{Name: "old"}}}
	perms := schema.PermissionsConfig{Roles: []schema.RoleConfig{{Role: "viewer", Scopes: []string{"contact:read"}}}}

	t.Run("clear between load and store", func(t *testing.T) {
		c := New()
		gen := c.Generation("acme")
		c.Clear("acme")
		assert.False(t, c.SetEntitiesIf(gen, "acme", stale))
		assert.False(t, c.SetPermissionsIf(gen, "acme", perms))
		_, ok := c.GetEntities("acme")
		assert.False(t, ok)
		_, ok = c.GetPermissions("acme")
		assert.False(t, ok)
	})

	t.Run("clear all between load and store", func(t *testing.T) {
		c := New()
		gen := c.Generation("acme")
		c.ClearAll()
		assert.False(t, c.SetEntitiesIf(gen, "acme", stale))
	})

	t.Run("other tenants are unaffected", func(t *testing.T) {
		c := New()
		gen := c.Generation("acme")
		c.Clear("globex")
		assert.True(t, c.SetEntitiesIf(gen, "acme", stale))
		assert.True(t, c.SetPermissionsIf(gen, "acme", perms))
		_, ok := c.GetEntity("acme", "old")
		assert.True(t, ok)
		got, ok := c.GetPermissions("acme")
		require.True(t, ok)
		assert.Equal(t, perms, got)
	})

	t.Run("fresh generation stores", func(t *testing.T) {
		c := New()
		c.Clear("acme")
		c.ClearAll()
		assert.True(t, c.SetEntitiesIf(c.Generation("acme"), "acme", stale))
	})
}

func TestCache_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	c := New()
	listA := schema.EntitiesConfig{Entities: []schema.EntityDefinition{{Name: "a1"}, {Name: "a2"}}}
	listB := schema.EntitiesConfig{Entities: []schema.EntityDefinition{{Name: "b1"}, {Name: "b2"}}}
	c.SetEntities("acme", listA)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if (i+j)%2 == 0 {
					c.SetEntities("acme", listA)
				} else {
					c.SetEntities("acme", listB)
				}
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				all, ok := c.GetEntities("acme")
				if !ok || len(all) != 2 || all[0].Name[0] != all[1].Name[0] {
					errs <- fmt.Errorf("torn snapshot: %+v", all)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
