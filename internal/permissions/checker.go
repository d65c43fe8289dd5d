// Package permissions evaluates role scopes from a tenant's permissions
// config. Scopes have the form "entity:action"; a trailing "*" matches any
// suffix, so "contact:*" grants every contact action and "*" grants all.
package permissions

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/fyrsmithlabs/crmstore/internal/schema"
)

// Actions checked by the entity service.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionSearch = "search"
)

const rbacModel = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.obj, p.obj)
`

// Scope returns the scope string for an action on an entity.
func Scope(entity, action string) string {
	return entity + ":" + action
}

// Checker answers permission questions for one tenant.
type Checker struct {
	enforcer *casbin.SyncedEnforcer
}

// NewChecker compiles cfg into a casbin enforcer.
func NewChecker(cfg schema.PermissionsConfig) (*Checker, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("loading permissions model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("creating enforcer: %w", err)
	}

	seen := map[[2]string]bool{}
	var rules [][]string
	for _, r := range cfg.Roles {
		role := strings.TrimSpace(r.Role)
		if role == "" {
			return nil, fmt.Errorf("permissions: role name cannot be empty")
		}
		for _, s := range r.Scopes {
			s = strings.TrimSpace(s)
			if s == "" || seen[[2]string{role, s}] {
				continue
			}
			seen[[2]string{role, s}] = true
			rules = append(rules, []string{role, s})
		}
	}
	if len(rules) > 0 {
		if _, err := e.AddPolicies(rules); err != nil {
			return nil, fmt.Errorf("adding policies: %w", err)
		}
	}
	return &Checker{enforcer: e}, nil
}

// Allowed reports whether role holds scope. Evaluation errors deny.
func (c *Checker) Allowed(role, scope string) bool {
	ok, err := c.enforcer.Enforce(role, scope)
	return err == nil && ok
}

// Scopes returns the scopes granted to role, sorted.
func (c *Checker) Scopes(role string) []string {
	rules, err := c.enforcer.GetFilteredPolicy(0, role)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if len(r) > 1 {
			out = append(out, r[1])
		}
	}
	sort.Strings(out)
	return out
}

// Cache holds one Checker per tenant.
type Cache struct {
	mu       sync.RWMutex
	checkers map[string]*Checker
	gens     map[string]uint64
	epoch    uint64
}

// NewCache creates an empty checker cache.
func NewCache() *Cache {
	return &Cache{
		checkers: make(map[string]*Checker),
		gens:     make(map[string]uint64),
	}
}

// Generation changes on every Clear of the tenant and every ClearAll.
func (c *Cache) Generation(tenantID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[tenantID] + c.epoch
}

// GetOrBuild returns the tenant's checker, building it from cfg on a miss.
func (c *Cache) GetOrBuild(tenantID string, cfg schema.PermissionsConfig) (*Checker, error) {
	return c.GetOrBuildIf(c.Generation(tenantID), tenantID, cfg)
}

// GetOrBuildIf is GetOrBuild for a cfg read at generation gen. A checker
// built after the tenant was cleared is returned but not cached.
func (c *Cache) GetOrBuildIf(gen uint64, tenantID string, cfg schema.PermissionsConfig) (*Checker, error) {
	c.mu.RLock()
	ch, ok := c.checkers[tenantID]
	c.mu.RUnlock()
	if ok {
		return ch, nil
	}

	ch, err := NewChecker(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.checkers[tenantID]; ok {
		return existing, nil
	}
	if c.gens[tenantID]+c.epoch == gen {
		c.checkers[tenantID] = ch
	}
	return ch, nil
}

// Clear drops the tenant's checker.
func (c *Cache) Clear(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkers, tenantID)
	c.gens[tenantID]++
}

// ClearAll drops every checker.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers = make(map[string]*Checker)
	c.epoch++
}
