// Package entities is the entry point for CRUD on tenant-configured
// entities. It resolves the entity definition, checks role scopes,
// validates payloads, writes the primary store through the repository and
// then mirrors the change into the full-text and vector indexes.
//
// The primary write is authoritative. Index writes are best effort: a
// failure is logged and counted, never returned, and the backfill tool
// repairs the drift.
package entities

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/apperrors"
	"github.com/fyrsmithlabs/crmstore/internal/configcache"
	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/logging"
	"github.com/fyrsmithlabs/crmstore/internal/permissions"
	"github.com/fyrsmithlabs/crmstore/internal/repository"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/search"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
	"github.com/fyrsmithlabs/crmstore/internal/validator"
	"github.com/fyrsmithlabs/crmstore/internal/vectorstore"
)

// DefaultSimilarLimit caps SimilarTo results when the caller passes no limit.
const DefaultSimilarLimit = 10

// ConfigLoader fetches tenant configuration on a cache miss.
type ConfigLoader interface {
	LoadEntities(ctx context.Context, tenantID string) (schema.EntitiesConfig, error)
	LoadPermissions(ctx context.Context, tenantID string) (schema.PermissionsConfig, error)
}

// SearchIndex is the full-text index.
type SearchIndex interface {
	EnsureCollection(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error
	Upsert(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) error
	Delete(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, id string) error
	Search(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, q search.Query) (*search.Result, error)
}

// VectorIndex is the semantic index.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, tc tenant.Context) error
	Upsert(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) error
	Delete(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, id string) error
	Search(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, text string, limit int, threshold float32) ([]vectorstore.Hit, error)
}

var (
	_ SearchIndex = (*search.Index)(nil)
	_ VectorIndex = (*vectorstore.Index)(nil)
)

// Config wires a Service. Repository, Configs and Validators are required.
type Config struct {
	Repository *repository.Repository
	Configs    *configcache.Cache
	Validators *validator.Cache

	// Loader fills Configs on a miss. Without it only cached tenants resolve.
	Loader ConfigLoader

	// Permissions is consulted when EnforcePermissions is set. The role
	// comes from permissions.RoleFromContext.
	Permissions        *permissions.Cache
	EnforcePermissions bool

	Search         SearchIndex
	Vectors        VectorIndex
	ScoreThreshold float32

	Logger *logging.Logger
}

// Service implements entity CRUD with dual-write indexing.
type Service struct {
	repo       *repository.Repository
	configs    *configcache.Cache
	validators *validator.Cache
	loader     ConfigLoader
	perms      *permissions.Cache
	enforce    bool
	search     SearchIndex
	vectors    VectorIndex
	threshold  float32
	logger     *logging.Logger
}

// NewService creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository cannot be nil")
	}
	if cfg.Configs == nil || cfg.Validators == nil {
		return nil, errors.New("config and validator caches are required")
	}
	if cfg.EnforcePermissions && cfg.Permissions == nil {
		cfg.Permissions = permissions.NewCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Service{
		repo:       cfg.Repository,
		configs:    cfg.Configs,
		validators: cfg.Validators,
		loader:     cfg.Loader,
		perms:      cfg.Permissions,
		enforce:    cfg.EnforcePermissions,
		search:     cfg.Search,
		vectors:    cfg.Vectors,
		threshold:  cfg.ScoreThreshold,
		logger:     cfg.Logger.Named("entities"),
	}, nil
}

// Definition resolves the entity definition for tc's tenant, loading the
// tenant's entities config on a cache miss.
func (s *Service) Definition(ctx context.Context, tenantID, entity string) (schema.EntityDefinition, error) {
	if def, ok := s.configs.GetEntity(tenantID, entity); ok {
		return def, nil
	}
	if s.loader != nil {
		gen := s.configs.Generation(tenantID)
		if _, cached := s.configs.GetEntities(tenantID); !cached {
			cfg, err := s.loader.LoadEntities(ctx, tenantID)
			if err != nil {
				return schema.EntityDefinition{}, fmt.Errorf("loading entities for %s: %w", tenantID, err)
			}
			// A Clear during the load wins; the loaded list serves this call only.
			s.configs.SetEntitiesIf(gen, tenantID, cfg)
			for _, def := range cfg.Entities {
				if def.Name == entity {
					return def, nil
				}
			}
		}
	}
	return schema.EntityDefinition{}, apperrors.NotFound("entity %q is not configured", entity)
}

func (s *Service) authorize(ctx context.Context, tc tenant.Context, entity, action string) error {
	if !s.enforce {
		return nil
	}
	role := permissions.RoleFromContext(ctx)
	if role == "" {
		return apperrors.Unauthorized("role required")
	}

	gen, permsGen := s.configs.Generation(tc.TenantID), s.perms.Generation(tc.TenantID)
	cfg, ok := s.configs.GetPermissions(tc.TenantID)
	if !ok && s.loader != nil {
		loaded, err := s.loader.LoadPermissions(ctx, tc.TenantID)
		if err != nil {
			return fmt.Errorf("loading permissions for %s: %w", tc.TenantID, err)
		}
		ok = s.configs.SetPermissionsIf(gen, tc.TenantID, loaded)
		cfg = loaded
	}

	// Only permissions held in the config cache back a cached checker. A
	// tenant with none, or a load raced by Clear, is checked uncached.
	var (
		checker *permissions.Checker
		err     error
	)
	if ok {
		checker, err = s.perms.GetOrBuildIf(permsGen, tc.TenantID, cfg)
	} else {
		checker, err = permissions.NewChecker(cfg)
	}
	if err != nil {
		return fmt.Errorf("building permissions for %s: %w", tc.TenantID, err)
	}
	scope := permissions.Scope(entity, action)
	if !checker.Allowed(role, scope) {
		return apperrors.Forbidden("role %q lacks %s", role, scope)
	}
	return nil
}

// prepare validates tc, resolves def and checks the action.
func (s *Service) prepare(ctx context.Context, tc tenant.Context, entity, action string) (context.Context, *schema.EntityDefinition, error) {
	if err := tc.Validate(); err != nil {
		return ctx, nil, apperrors.Unauthorized("%v", err)
	}
	ctx = tenant.WithContext(ctx, tc)
	def, err := s.Definition(ctx, tc.TenantID, entity)
	if err != nil {
		return ctx, nil, err
	}
	if err := s.authorize(ctx, tc, entity, action); err != nil {
		return ctx, nil, err
	}
	return ctx, &def, nil
}

// Create validates data against the entity's create schema, applying field
// defaults first, and stores it.
func (s *Service) Create(ctx context.Context, tc tenant.Context, entity string, data map[string]any) (docstore.Document, error) {
	ctx, def, err := s.prepare(ctx, tc, entity, permissions.ActionCreate)
	if err != nil {
		return nil, err
	}
	v, err := s.validators.GetOrCompile(tc.TenantID, *def)
	if err != nil {
		return nil, fmt.Errorf("compiling %s validator: %w", entity, err)
	}

	doc := docstore.Clone(data)
	if err := v.ApplyDefaults(doc); err != nil {
		return nil, fmt.Errorf("applying %s defaults: %w", entity, err)
	}
	if err := v.Validate(doc); err != nil {
		return nil, err
	}

	created, err := s.repo.Create(ctx, tc, entity, doc, def)
	if err != nil {
		return nil, err
	}
	s.index(ctx, tc, def, created)
	s.logger.Debug(ctx, "document created", zap.String("entity", entity), zap.Any("id", created[docstore.IDField]))
	return created, nil
}

// Get returns the document visible to tc.
func (s *Service) Get(ctx context.Context, tc tenant.Context, entity, id string) (docstore.Document, error) {
	ctx, def, err := s.prepare(ctx, tc, entity, permissions.ActionRead)
	if err != nil {
		return nil, err
	}
	doc, found, err := s.repo.FindByID(ctx, tc, entity, id, def)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NotFound("%s %q not found", entity, id)
	}
	return doc, nil
}

// Update validates data as a partial payload and applies it. System fields
// in data are ignored.
func (s *Service) Update(ctx context.Context, tc tenant.Context, entity, id string, data map[string]any) (docstore.Document, error) {
	ctx, def, err := s.prepare(ctx, tc, entity, permissions.ActionUpdate)
	if err != nil {
		return nil, err
	}
	v, err := s.validators.GetOrCompileUpdate(tc.TenantID, *def)
	if err != nil {
		return nil, fmt.Errorf("compiling %s update validator: %w", entity, err)
	}

	patch := make(map[string]any, len(data))
	for k, val := range data {
		if !repository.IsSystemField(k) {
			patch[k] = val
		}
	}
	if err := v.Validate(patch); err != nil {
		return nil, err
	}

	updated, found, err := s.repo.Update(ctx, tc, entity, id, patch, def)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.NotFound("%s %q not found", entity, id)
	}
	s.index(ctx, tc, def, updated)
	return updated, nil
}

// Delete removes the document, then its index entries in the same call.
func (s *Service) Delete(ctx context.Context, tc tenant.Context, entity, id string) error {
	ctx, def, err := s.prepare(ctx, tc, entity, permissions.ActionDelete)
	if err != nil {
		return err
	}
	deleted, err := s.repo.Delete(ctx, tc, entity, id, def)
	if err != nil {
		return err
	}
	if !deleted {
		return apperrors.NotFound("%s %q not found", entity, id)
	}

	if s.search != nil {
		s.record(ctx, indexSearch, opDelete, entity, id, s.search.Delete(ctx, tc, def, id))
	}
	if s.vectors != nil {
		s.record(ctx, indexVector, opDelete, entity, id, s.vectors.Delete(ctx, tc, def, id))
	}
	return nil
}

// List returns the documents matching filter within tc's scope.
func (s *Service) List(ctx context.Context, tc tenant.Context, entity string, filter map[string]any, opts docstore.FindOptions) ([]docstore.Document, error) {
	ctx, def, err := s.prepare(ctx, tc, entity, permissions.ActionRead)
	if err != nil {
		return nil, err
	}
	return s.repo.Find(ctx, tc, entity, filter, def, opts)
}

// Search runs a full-text query within tc's scope.
func (s *Service) Search(ctx context.Context, tc tenant.Context, entity string, q search.Query) (*search.Result, error) {
	if s.search == nil {
		return nil, apperrors.BadRequest("full-text search is not enabled")
	}
	ctx, def, err := s.prepare(ctx, tc, entity, permissions.ActionSearch)
	if err != nil {
		return nil, err
	}
	res, err := s.search.Search(ctx, tc, def, q)
	if errors.Is(err, search.ErrUnknownField) {
		return nil, apperrors.BadRequest("%v", err)
	}
	return res, err
}

// SimilarTo returns documents semantically close to text within tc's scope.
func (s *Service) SimilarTo(ctx context.Context, tc tenant.Context, entity, text string, limit int) ([]vectorstore.Hit, error) {
	if s.vectors == nil {
		return nil, apperrors.BadRequest("vector search is not enabled")
	}
	if text == "" {
		return nil, apperrors.BadRequest("query text cannot be empty")
	}
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	ctx, def, err := s.prepare(ctx, tc, entity, permissions.ActionSearch)
	if err != nil {
		return nil, err
	}
	return s.vectors.Search(ctx, tc, def, text, limit, s.threshold)
}

// Clear drops cached configuration, validators and permissions for a tenant.
func (s *Service) Clear(tenantID string) {
	s.configs.Clear(tenantID)
	s.validators.Clear(tenantID)
	if s.perms != nil {
		s.perms.Clear(tenantID)
	}
}

// ClearAll drops every cached tenant.
func (s *Service) ClearAll() {
	s.configs.ClearAll()
	s.validators.ClearAll()
	if s.perms != nil {
		s.perms.ClearAll()
	}
}

// index mirrors doc into the secondary indexes.
func (s *Service) index(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) {
	id, _ := doc[docstore.IDField].(string)
	if s.search != nil {
		if err := s.search.EnsureCollection(ctx, tc, def); err != nil {
			s.record(ctx, indexSearch, opEnsure, def.Name, id, err)
		} else {
			s.record(ctx, indexSearch, opUpsert, def.Name, id, s.search.Upsert(ctx, tc, def, doc))
		}
	}
	if s.vectors != nil {
		if err := s.vectors.EnsureCollection(ctx, tc); err != nil {
			s.record(ctx, indexVector, opEnsure, def.Name, id, err)
		} else {
			s.record(ctx, indexVector, opUpsert, def.Name, id, s.vectors.Upsert(ctx, tc, def, doc))
		}
	}
}

func (s *Service) record(ctx context.Context, index, op, entity, id string, err error) {
	if err == nil {
		return
	}
	syncFailures.WithLabelValues(index, op).Inc()
	s.logger.Warn(ctx, "secondary index write failed",
		zap.String("index", index),
		zap.String("op", op),
		zap.String("entity", entity),
		zap.String("id", id),
		zap.Error(err))
}
