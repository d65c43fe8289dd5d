package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/embeddings"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

// Payload keys stored with every point.
const (
	PayloadDocID    = "doc_id"
	PayloadEntity   = "entity"
	PayloadTenantID = "tenant_id"
	PayloadUnitID   = "unit_id"
	PayloadContent  = "content"
)

// pointNamespace seeds the UUIDv5 point ids.
var pointNamespace = uuid.MustParse("5b0f3c3e-7a52-4d1b-9a8e-2f6c1d0e4a91")

// Hit is one similarity search result.
type Hit struct {
	ID      string  `json:"id"`
	Score   float32 `json:"score"`
	Content string  `json:"content"`
}

// Index maps entity documents onto a per-tenant vector collection.
type Index struct {
	backend  Backend
	embedder embeddings.Embedder
	dim      int
	logger   *zap.Logger
}

// NewIndex creates an Index writing dim-sized vectors produced by embedder.
func NewIndex(backend Backend, embedder embeddings.Embedder, dim int, logger *zap.Logger) (*Index, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{backend: backend, embedder: embedder, dim: dim, logger: logger}, nil
}

// Dimension returns the vector size of every collection this index creates.
func (x *Index) Dimension() int { return x.dim }

// EnsureCollection creates the tenant's vector collection if needed.
func (x *Index) EnsureCollection(ctx context.Context, tc tenant.Context) error {
	return x.backend.EnsureCollection(ctx, tenant.VectorCollectionName(tc.TenantID), x.dim)
}

// PointID returns the deterministic point id for a document, so retries and
// reindexing overwrite instead of duplicating.
func PointID(collection, entity, docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(collection+"/"+entity+"/"+docID)).String()
}

// Content joins the document's embeddable fields in definition order.
// Missing and empty values are skipped.
func Content(def *schema.EntityDefinition, doc docstore.Document) string {
	var parts []string
	for _, f := range def.EmbeddableFields() {
		v, ok := doc[f.Name]
		if !ok || v == nil {
			continue
		}
		s := stringify(v)
		if strings.TrimSpace(s) == "" {
			continue
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// Upsert embeds doc and writes its point. A document with no embeddable
// content has any previous point removed instead.
func (x *Index) Upsert(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) error {
	docID, ok := doc[docstore.IDField].(string)
	if !ok || docID == "" {
		return fmt.Errorf("upsert %s: document has no id", def.Name)
	}
	collection := tenant.VectorCollectionName(tc.TenantID)
	id := PointID(collection, def.Name, docID)

	content := Content(def, doc)
	if content == "" {
		return x.backend.Delete(ctx, collection, []string{id})
	}

	vector, err := x.embedder.EmbedQuery(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding %s/%s: %w", def.Name, docID, err)
	}
	if len(vector) != x.dim {
		return fmt.Errorf("%w: embedder returned %d, want %d", ErrDimensionMismatch, len(vector), x.dim)
	}

	payload := map[string]string{
		PayloadDocID:    docID,
		PayloadEntity:   def.Name,
		PayloadTenantID: tc.TenantID,
		PayloadContent:  content,
	}
	if !def.Scope.IsGlobal() {
		unit, _ := doc[PayloadUnitID].(string)
		if unit == "" {
			unit = tc.UnitID
		}
		payload[PayloadUnitID] = unit
	}

	return x.backend.Upsert(ctx, collection, []Point{{ID: id, Vector: vector, Payload: payload}})
}

// Delete removes the point of document id.
func (x *Index) Delete(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, id string) error {
	collection := tenant.VectorCollectionName(tc.TenantID)
	return x.backend.Delete(ctx, collection, []string{PointID(collection, def.Name, id)})
}

// DeleteScope removes every point of the entity visible to tc: the whole
// tenant for global entities, tc's unit otherwise.
func (x *Index) DeleteScope(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error {
	filter := map[string]string{
		PayloadTenantID: tc.TenantID,
		PayloadEntity:   def.Name,
	}
	if !def.Scope.IsGlobal() {
		filter[PayloadUnitID] = tc.UnitID
	}
	return x.backend.DeleteWhere(ctx, tenant.VectorCollectionName(tc.TenantID), filter)
}

// Search returns up to limit documents of the entity most similar to text,
// scoring at least threshold. Results never cross the tenant, and for
// unit-scoped entities never cross the unit.
func (x *Index) Search(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, text string, limit int, threshold float32) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: query text cannot be empty", embeddings.ErrEmptyInput)
	}
	vector, err := x.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	filter := map[string]string{
		PayloadTenantID: tc.TenantID,
		PayloadEntity:   def.Name,
	}
	if !def.Scope.IsGlobal() {
		filter[PayloadUnitID] = tc.UnitID
	}

	points, err := x.backend.Query(ctx, tenant.VectorCollectionName(tc.TenantID), vector, limit, threshold, filter)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{ID: p.Payload[PayloadDocID], Score: p.Score, Content: p.Payload[PayloadContent]})
	}
	x.logger.Debug("vector search",
		zap.String("tenant", tc.TenantID),
		zap.String("entity", def.Name),
		zap.Int("hits", len(hits)),
	)
	return hits, nil
}

// Close releases the backend.
func (x *Index) Close() error {
	return x.backend.Close()
}
