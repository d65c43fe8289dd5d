package validator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/crmstore/internal/schema"
)

var compilations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crmstore",
		Subsystem: "validator",
		Name:      "compilations_total",
		Help:      "Validator compilations by mode, incremented on cache misses only.",
	},
	[]string{"mode"},
)

type cacheKey struct {
	tenantID string
	entity   string
}

// Cache memoizes compiled validators per tenant and entity. Create and
// update validators are cached separately. Entries live until Clear or
// ClearAll.
type Cache struct {
	mu     sync.Mutex
	create map[cacheKey]*Validator
	update map[cacheKey]*Validator
}

// NewCache creates an empty validator cache.
func NewCache() *Cache {
	return &Cache{
		create: make(map[cacheKey]*Validator),
		update: make(map[cacheKey]*Validator),
	}
}

// GetOrCompile returns the create validator for (tenant, entity), compiling
// it from def on a miss. Repeated calls return the same instance.
func (c *Cache) GetOrCompile(tenantID string, def schema.EntityDefinition) (*Validator, error) {
	return c.getOrCompile(c.create, tenantID, def, ModeCreate, "create")
}

// GetOrCompileUpdate returns the partial-update validator for
// (tenant, entity, "update").
func (c *Cache) GetOrCompileUpdate(tenantID string, def schema.EntityDefinition) (*Validator, error) {
	return c.getOrCompile(c.update, tenantID, def, ModeUpdate, "update")
}

func (c *Cache) getOrCompile(m map[cacheKey]*Validator, tenantID string, def schema.EntityDefinition, mode Mode, label string) (*Validator, error) {
	key := cacheKey{tenantID: tenantID, entity: def.Name}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := m[key]; ok {
		return v, nil
	}
	v, err := Compile(def, mode)
	if err != nil {
		return nil, err
	}
	compilations.WithLabelValues(label).Inc()
	m[key] = v
	return v, nil
}

// Clear removes every cached validator of the tenant, create and update alike.
func (c *Cache) Clear(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.create {
		if k.tenantID == tenantID {
			delete(c.create, k)
		}
	}
	for k := range c.update {
		if k.tenantID == tenantID {
			delete(c.update, k)
		}
	}
}

// ClearAll removes every cached validator.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.create = make(map[cacheKey]*Validator)
	c.update = make(map[cacheKey]*Validator)
}

// Len returns the number of cached validators.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.create) + len(c.update)
}
