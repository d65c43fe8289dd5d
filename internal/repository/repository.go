package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

// Document field names written by the repository.
const (
	FieldID         = docstore.IDField
	FieldTenantID   = "tenant_id"
	FieldUnitID     = "unit_id"
	FieldAppID      = "app_id"
	FieldOwnership  = "ownership"
	FieldOwnerUnit  = "owner_unit"
	FieldVisibleTo  = "visible_to"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
	GlobalOwnerUnit = "global"
)

// protectedFields may never be set from a caller payload.
var protectedFields = map[string]bool{
	FieldID:        true,
	FieldTenantID:  true,
	FieldUnitID:    true,
	FieldCreatedAt: true,
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

// Repository executes scoped CRUD against a docstore.Store.
type Repository struct {
	store  docstore.Store
	now    func() time.Time
	logger *zap.Logger
}

// New creates a repository over store.
func New(store docstore.Store, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying document store.
func (r *Repository) Store() docstore.Store {
	return r.store
}

func scopeOf(def *schema.EntityDefinition) tenant.Scope {
	if def == nil {
		return tenant.UnitScoped
	}
	return def.Scope
}

// Collection returns the physical collection for entity in tc.
func Collection(tc tenant.Context, entity string, def *schema.EntityDefinition) string {
	return tenant.CollectionName(tc.TenantID, tc.UnitID, entity, scopeOf(def))
}

// Create stamps data with tenant, ownership and timestamps and inserts it.
// A nil def is treated as a unit-scoped entity.
func (r *Repository) Create(ctx context.Context, tc tenant.Context, entity string, data map[string]any, def *schema.EntityDefinition) (docstore.Document, error) {
	scope := scopeOf(def)
	doc := sanitize(data)

	now := r.now()
	doc[FieldTenantID] = tc.TenantID
	if tc.AppID != "" {
		doc[FieldAppID] = tc.AppID
	}
	doc[FieldCreatedAt] = now
	doc[FieldUpdatedAt] = now

	owner := tc.UnitID
	if scope.IsGlobal() {
		if owner == "" {
			owner = GlobalOwnerUnit
		}
	} else {
		doc[FieldUnitID] = tc.UnitID
	}
	doc[FieldOwnership] = map[string]any{
		FieldOwnerUnit: owner,
		FieldVisibleTo: []any{},
	}
	doc[FieldVisibleTo] = []any{}

	coll := Collection(tc, entity, def)
	created, err := r.store.Insert(ctx, coll, doc)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", entity, err)
	}
	return created, nil
}

func (r *Repository) scopedFilter(tc tenant.Context, id string, scope tenant.Scope) docstore.Filter {
	filter := docstore.Filter(tc.Filter(scope))
	filter[FieldID] = id
	return filter
}

// FindByID returns the document with id if it is visible to tc.
func (r *Repository) FindByID(ctx context.Context, tc tenant.Context, entity, id string, def *schema.EntityDefinition) (docstore.Document, bool, error) {
	if !r.store.ValidID(id) {
		r.logger.Debug("rejecting malformed id", zap.String("entity", entity), zap.String("id", id))
		return nil, false, nil
	}
	doc, found, err := r.store.FindOne(ctx, Collection(tc, entity, def), r.scopedFilter(tc, id, scopeOf(def)))
	if err != nil {
		return nil, false, fmt.Errorf("find %s %s: %w", entity, id, err)
	}
	return doc, found, nil
}

// Update applies data to the visible document with id and returns the
// document after the update. System fields in data are ignored.
func (r *Repository) Update(ctx context.Context, tc tenant.Context, entity, id string, data map[string]any, def *schema.EntityDefinition) (docstore.Document, bool, error) {
	if !r.store.ValidID(id) {
		return nil, false, nil
	}
	set := sanitize(data)
	set[FieldUpdatedAt] = r.now()

	doc, found, err := r.store.UpdateOne(ctx, Collection(tc, entity, def), r.scopedFilter(tc, id, scopeOf(def)), set)
	if err != nil {
		return nil, false, fmt.Errorf("update %s %s: %w", entity, id, err)
	}
	return doc, found, nil
}

// Delete removes the visible document with id and reports whether a
// document was removed.
func (r *Repository) Delete(ctx context.Context, tc tenant.Context, entity, id string, def *schema.EntityDefinition) (bool, error) {
	if !r.store.ValidID(id) {
		return false, nil
	}
	deleted, err := r.store.DeleteOne(ctx, Collection(tc, entity, def), r.scopedFilter(tc, id, scopeOf(def)))
	if err != nil {
		return false, fmt.Errorf("delete %s %s: %w", entity, id, err)
	}
	return deleted, nil
}

// Find returns the documents matching filter within tc's scope. Scoping
// keys are applied after the caller's filter and always win.
func (r *Repository) Find(ctx context.Context, tc tenant.Context, entity string, filter map[string]any, def *schema.EntityDefinition, opts docstore.FindOptions) ([]docstore.Document, error) {
	scope := scopeOf(def)
	merged := make(docstore.Filter, len(filter)+2)
	for k, v := range filter {
		merged[k] = v
	}
	if scope.IsGlobal() {
		// Global documents never carry unit_id; a caller filter on it
		// would only hide them.
		delete(merged, FieldUnitID)
	}
	for k, v := range tc.Filter(scope) {
		merged[k] = v
	}

	docs, err := r.store.Find(ctx, Collection(tc, entity, def), merged, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", entity, err)
	}
	return docs, nil
}

// Count returns the number of documents in tc's scope.
func (r *Repository) Count(ctx context.Context, tc tenant.Context, entity string, def *schema.EntityDefinition) (int64, error) {
	n, err := r.store.Count(ctx, Collection(tc, entity, def), docstore.Filter(tc.Filter(scopeOf(def))))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

// sanitize copies data without protected keys or keys starting with "_".
func sanitize(data map[string]any) docstore.Document {
	out := make(docstore.Document, len(data)+8)
	for k, v := range data {
		if protectedFields[k] || strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// IsSystemField reports whether key is managed by the repository.
func IsSystemField(key string) bool {
	switch key {
	case FieldID, FieldTenantID, FieldUnitID, FieldAppID, FieldOwnership,
		FieldVisibleTo, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return strings.HasPrefix(key, "_")
}
