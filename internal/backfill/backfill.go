// Package backfill repairs and reshapes secondary data after configuration
// changes. Reindex rebuilds an entity's full-text and vector entries from
// the primary store. MigrateScope folds the per-unit collections of an
// entity that became global into its tenant-wide collection.
//
// Both runs are idempotent: Reindex recreates the indexes from scratch and
// MigrateScope never overwrites a document whose id already exists in the
// destination.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/logging"
	"github.com/fyrsmithlabs/crmstore/internal/repository"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

// Operation names used in reports and metrics.
const (
	OpReindex      = "reindex"
	OpMigrateScope = "migrate_scope"
)

const (
	DefaultWorkers   = 4
	DefaultBatchSize = 500
)

// ErrNotGlobal is returned by MigrateScope for unit-scoped entities.
var ErrNotGlobal = errors.New("entity is not global")

// ErrUnitsRequired is returned by MigrateScope when source units are not
// given, not configured, and cannot be told apart from other entities'
// collections.
var ErrUnitsRequired = errors.New("source units required")

// Definitions resolves entity definitions.
type Definitions interface {
	Definition(ctx context.Context, tenantID, entity string) (schema.EntityDefinition, error)
}

// DefinitionFunc adapts a function to Definitions.
type DefinitionFunc func(ctx context.Context, tenantID, entity string) (schema.EntityDefinition, error)

func (f DefinitionFunc) Definition(ctx context.Context, tenantID, entity string) (schema.EntityDefinition, error) {
	return f(ctx, tenantID, entity)
}

// UnitLister returns a tenant's configured units.
type UnitLister interface {
	GetUnits(tenantID string) ([]schema.UnitConfig, bool)
}

// EntityLister returns a tenant's configured entity definitions.
type EntityLister interface {
	GetEntities(tenantID string) ([]schema.EntityDefinition, bool)
}

// SearchIndex is the full-text index as seen by maintenance runs.
type SearchIndex interface {
	EnsureCollection(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error
	Drop(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error
	Upsert(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) error
}

// VectorIndex is the vector index as seen by maintenance runs.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, tc tenant.Context) error
	DeleteScope(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error
	Upsert(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) error
}

// Config wires an Orchestrator. Store and Definitions are required.
type Config struct {
	Store       docstore.Store
	Definitions Definitions
	Units       UnitLister
	// Entities lets unit discovery skip collections owned by other
	// entities. Discovery is refused without it.
	Entities EntityLister
	Search   SearchIndex
	Vectors  VectorIndex

	Workers    int
	RatePerSec float64
	BatchSize  int
	// DryRun reads and classifies documents without writing anything.
	DryRun bool

	Logger *logging.Logger
}

// Report summarizes one run.
type Report struct {
	Operation   string        `json:"operation"`
	TenantID    string        `json:"tenant_id"`
	Entity      string        `json:"entity"`
	Sources     []string      `json:"sources"`
	Destination string        `json:"destination,omitempty"`
	Migrated    int64         `json:"migrated"`
	Skipped     int64         `json:"skipped"`
	Failed      int64         `json:"failed"`
	DryRun      bool          `json:"dry_run"`
	Duration    time.Duration `json:"duration"`
}

// Orchestrator runs maintenance operations.
type Orchestrator struct {
	store      docstore.Store
	defs       Definitions
	units      UnitLister
	entities   EntityLister
	search     SearchIndex
	vectors    VectorIndex
	workers    int
	ratePerSec float64
	batchSize  int
	dryRun     bool
	logger     *logging.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Definitions == nil {
		return nil, errors.New("definitions cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RatePerSec < 0 {
		return nil, fmt.Errorf("rate per second cannot be negative: %v", cfg.RatePerSec)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Orchestrator{
		store:      cfg.Store,
		defs:       cfg.Definitions,
		units:      cfg.Units,
		entities:   cfg.Entities,
		search:     cfg.Search,
		vectors:    cfg.Vectors,
		workers:    cfg.Workers,
		ratePerSec: cfg.RatePerSec,
		batchSize:  cfg.BatchSize,
		dryRun:     cfg.DryRun,
		logger:     cfg.Logger.Named("backfill"),
	}, nil
}

// Reindex rebuilds the full-text and vector entries of entity within tc's
// scope from the primary store. Entries of deleted documents disappear
// because both indexes are cleared first. The unit may be empty for global
// entities.
func (o *Orchestrator) Reindex(ctx context.Context, tc tenant.Context, entity string) (*Report, error) {
	if tc.TenantID == "" {
		return nil, tenant.ErrInvalidTenantID
	}
	ctx = tenant.WithContext(ctx, tc)
	def, err := o.defs.Definition(ctx, tc.TenantID, entity)
	if err != nil {
		return nil, err
	}
	if tc.UnitID == "" && !def.Scope.IsGlobal() {
		return nil, tenant.ErrInvalidUnitID
	}

	start := time.Now()
	collection := repository.Collection(tc, entity, &def)
	report := &Report{Operation: OpReindex, TenantID: tc.TenantID, Entity: entity, Sources: []string{collection}, DryRun: o.dryRun}

	if !o.dryRun {
		if err := o.resetIndexes(ctx, tc, &def); err != nil {
			return nil, err
		}
	}

	var c counts
	err = o.each(ctx, collection, docstore.Filter(tc.Filter(def.Scope)), func(ctx context.Context, doc docstore.Document) {
		c.add(OpReindex, o.reindexOne(ctx, tc, &def, doc))
	})
	c.apply(report)
	report.Duration = time.Since(start)
	o.logReport(ctx, report, err)
	return report, err
}

func (o *Orchestrator) resetIndexes(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error {
	if o.search != nil {
		if err := o.search.Drop(ctx, tc, def); err != nil {
			return fmt.Errorf("dropping search index: %w", err)
		}
		if err := o.search.EnsureCollection(ctx, tc, def); err != nil {
			return fmt.Errorf("creating search index: %w", err)
		}
	}
	if o.vectors != nil {
		if err := o.vectors.EnsureCollection(ctx, tc); err != nil {
			return fmt.Errorf("creating vector collection: %w", err)
		}
		if err := o.vectors.DeleteScope(ctx, tc, def); err != nil {
			return fmt.Errorf("clearing vectors: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) reindexOne(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) outcome {
	id, _ := doc[docstore.IDField].(string)
	if id == "" {
		return outcomeSkipped
	}
	if o.dryRun {
		return outcomeMigrated
	}
	// Global documents are indexed under their owning unit's context; the
	// indexes ignore the unit for global entities anyway.
	if err := o.indexOne(ctx, tc, def, doc); err != nil {
		o.logger.Warn(ctx, "reindex failed", zap.String("entity", def.Name), zap.String("id", id), zap.Error(err))
		return outcomeFailed
	}
	o.logger.Trace(ctx, "reindexed", zap.String("entity", def.Name), zap.String("id", id))
	return outcomeMigrated
}

func (o *Orchestrator) indexOne(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) error {
	var errs []error
	if o.search != nil {
		if err := o.search.Upsert(ctx, tc, def, doc); err != nil {
			errs = append(errs, fmt.Errorf("search: %w", err))
		}
	}
	if o.vectors != nil {
		if err := o.vectors.Upsert(ctx, tc, def, doc); err != nil {
			errs = append(errs, fmt.Errorf("vectors: %w", err))
		}
	}
	return errors.Join(errs...)
}

// MigrateScope copies the documents of a global entity out of its legacy
// per-unit collections into the tenant-wide collection. unit_id is dropped,
// _id is preserved and documents whose id already exists in the
// destination are skipped. With no units given, the tenant's configured
// units are used, falling back to the collections present in the store.
// Source collections are left in place.
func (o *Orchestrator) MigrateScope(ctx context.Context, tenantID, entity string, units []string) (*Report, error) {
	if tenantID == "" {
		return nil, tenant.ErrInvalidTenantID
	}
	ctx = tenant.WithContext(ctx, tenant.Context{TenantID: tenantID})
	def, err := o.defs.Definition(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	if !def.Scope.IsGlobal() {
		return nil, fmt.Errorf("%w: %s", ErrNotGlobal, entity)
	}

	if len(units) == 0 {
		units, err = o.discoverUnits(ctx, tenantID, entity)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	dest := tenant.CollectionName(tenantID, "", entity, tenant.Global)
	report := &Report{
		Operation:   OpMigrateScope,
		TenantID:    tenantID,
		Entity:      entity,
		Sources:     tenant.LegacyUnitCollections(tenantID, units, entity),
		Destination: dest,
		DryRun:      o.dryRun,
	}

	if !o.dryRun {
		if err := o.ensureIndexes(ctx, tenant.Context{TenantID: tenantID}, &def); err != nil {
			return nil, err
		}
	}

	var (
		c    counts
		seen sync.Map
	)
	for i, unitID := range units {
		tc := tenant.Context{TenantID: tenantID, UnitID: unitID}
		err = o.each(ctx, report.Sources[i], docstore.Filter{}, func(ctx context.Context, doc docstore.Document) {
			c.add(OpMigrateScope, o.migrateOne(ctx, tc, &def, dest, doc, &seen))
		})
		if err != nil {
			break
		}
	}
	c.apply(report)
	report.Duration = time.Since(start)
	o.logReport(ctx, report, err)
	return report, err
}

// ensureIndexes creates the global entity's search index and the tenant's
// vector collection before any document is copied, so that no migrated
// document misses its index entries.
func (o *Orchestrator) ensureIndexes(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error {
	if o.search != nil {
		if err := o.search.EnsureCollection(ctx, tc, def); err != nil {
			return fmt.Errorf("creating search index: %w", err)
		}
	}
	if o.vectors != nil {
		if err := o.vectors.EnsureCollection(ctx, tc); err != nil {
			return fmt.Errorf("creating vector collection: %w", err)
		}
	}
	return nil
}

// migrateOne copies src into dest. seen records the ids already handled in
// this run so a dry run reports an id found in several units once, as the
// real insert-if-absent would.
func (o *Orchestrator) migrateOne(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, dest string, src docstore.Document, seen *sync.Map) outcome {
	id, _ := src[docstore.IDField].(string)
	if id == "" {
		return outcomeSkipped
	}

	doc := docstore.Clone(src)
	delete(doc, repository.FieldUnitID)
	doc[repository.FieldTenantID] = tc.TenantID
	if _, ok := doc[repository.FieldOwnership]; !ok {
		doc[repository.FieldOwnership] = map[string]any{
			repository.FieldOwnerUnit: tc.UnitID,
			repository.FieldVisibleTo: []any{},
		}
	}

	if o.dryRun {
		if _, dup := seen.LoadOrStore(id, struct{}{}); dup {
			return outcomeSkipped
		}
		_, exists, err := o.store.FindOne(ctx, dest, docstore.Filter{docstore.IDField: id})
		switch {
		case err != nil:
			return outcomeFailed
		case exists:
			return outcomeSkipped
		default:
			return outcomeMigrated
		}
	}

	inserted, err := o.store.InsertIfAbsent(ctx, dest, doc)
	if err != nil {
		o.logger.Warn(ctx, "migration insert failed", zap.String("entity", def.Name), zap.String("id", id), zap.Error(err))
		return outcomeFailed
	}
	if !inserted {
		return outcomeSkipped
	}
	if err := o.indexOne(ctx, tc, def, doc); err != nil {
		// The primary copy landed; a later Reindex repairs the indexes.
		o.logger.Warn(ctx, "indexing migrated document failed", zap.String("id", id), zap.Error(err))
	}
	return outcomeMigrated
}

// discoverUnits lists units from config, or from the collection names
// matching {tenant}_{unit}_{entity}. Collections that belong to another
// configured entity are skipped: with entities "product" and
// "line_product", acme_line_product is line_product's collection, not
// unit "line" of product.
func (o *Orchestrator) discoverUnits(ctx context.Context, tenantID, entity string) ([]string, error) {
	if o.units != nil {
		if cfgUnits, ok := o.units.GetUnits(tenantID); ok && len(cfgUnits) > 0 {
			ids := make([]string, 0, len(cfgUnits))
			for _, u := range cfgUnits {
				ids = append(ids, u.UnitID)
			}
			return ids, nil
		}
	}

	if o.entities == nil {
		return nil, fmt.Errorf("%w: no units configured for tenant %s", ErrUnitsRequired, tenantID)
	}
	defs, ok := o.entities.GetEntities(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: entities of tenant %s are not loaded", ErrUnitsRequired, tenantID)
	}
	var others []schema.EntityDefinition
	for _, d := range defs {
		if d.Name != entity {
			others = append(others, d)
		}
	}

	prefix := tenant.Sanitize(tenantID) + "_"
	suffix := "_" + tenant.Sanitize(entity)
	names, err := o.store.ListCollections(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	var ids []string
	for _, name := range names {
		rest := strings.TrimPrefix(name, prefix)
		if !strings.HasSuffix(rest, suffix) || ownedByOther(tenantID, name, others) {
			continue
		}
		if unit := strings.TrimSuffix(rest, suffix); unit != "" {
			ids = append(ids, unit)
		}
	}
	return ids, nil
}

// ownedByOther reports whether collection is the global collection of one
// of others, or a unit collection of one of them.
func ownedByOther(tenantID, collection string, others []schema.EntityDefinition) bool {
	for _, d := range others {
		if collection == tenant.CollectionName(tenantID, "", d.Name, tenant.Global) {
			return true
		}
		if strings.HasSuffix(collection, "_"+tenant.Sanitize(d.Name)) {
			return true
		}
	}
	return false
}

// each pages through collection in id order and hands every document to
// the worker pool. It returns after all handlers finish.
func (o *Orchestrator) each(ctx context.Context, collection string, filter docstore.Filter, fn func(context.Context, docstore.Document)) error {
	p := newPool(o.workers, o.ratePerSec)
	defer p.wait()

	opts := docstore.FindOptions{
		Limit: int64(o.batchSize),
		Sort:  []docstore.SortField{{Field: docstore.IDField}},
	}
	for {
		docs, err := o.store.Find(ctx, collection, filter, opts)
		if err != nil {
			return fmt.Errorf("reading %s: %w", collection, err)
		}
		for _, doc := range docs {
			if err := p.submit(ctx, doc, fn); err != nil {
				return err
			}
		}
		if len(docs) < o.batchSize {
			return nil
		}
		opts.Skip += int64(len(docs))
	}
}

func (o *Orchestrator) logReport(ctx context.Context, r *Report, err error) {
	fields := []zap.Field{
		zap.String("operation", r.Operation),
		zap.String("entity", r.Entity),
		zap.Int64("migrated", r.Migrated),
		zap.Int64("skipped", r.Skipped),
		zap.Int64("failed", r.Failed),
		zap.Bool("dry_run", r.DryRun),
		zap.Duration("duration", r.Duration),
	}
	if err != nil {
		o.logger.Error(ctx, "backfill interrupted", append(fields, zap.Error(err))...)
		return
	}
	o.logger.Info(ctx, "backfill finished", fields...)
}
