package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("crmstore.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps everything
	// in memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemBackend implements Backend on chromem-go.
//
// chromem-go searches exhaustively and only does cosine similarity, which is
// what the Qdrant backend is configured with too.
type ChromemBackend struct {
	db     *chromem.DB
	logger *zap.Logger

	// dims records the vector size per collection created by this process.
	dims sync.Map
}

var _ Backend = (*ChromemBackend)(nil)

// NewChromemBackend opens (or creates) the chromem database.
func NewChromemBackend(config ChromemConfig, logger *zap.Logger) (*ChromemBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.Path == "" {
		logger.Info("chromem backend initialized in memory")
		return &ChromemBackend{db: chromem.NewDB(), logger: logger}, nil
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem backend initialized",
		zap.String("path", path),
		zap.Bool("compress", config.Compress),
	)
	return &ChromemBackend{db: db, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbedding is installed on every collection; points always carry vectors.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem backend requires precomputed embeddings")
}

func (b *ChromemBackend) EnsureCollection(ctx context.Context, name string, dim int) error {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dim))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}

	if existing, ok := b.dims.Load(name); ok && existing.(int) != dim {
		return fmt.Errorf("%w: collection %s has %d, want %d", ErrDimensionMismatch, name, existing, dim)
	}
	if _, err := b.db.GetOrCreateCollection(name, nil, noEmbedding); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	b.dims.Store(name, dim)
	return nil
}

func (b *ChromemBackend) dimension(name string) int {
	if v, ok := b.dims.Load(name); ok {
		return v.(int)
	}
	return 0
}

func (b *ChromemBackend) DeleteCollection(ctx context.Context, name string) error {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.DeleteCollection")
	defer span.End()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if err := b.db.DeleteCollection(name); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	b.dims.Delete(name)
	return nil
}

func (b *ChromemBackend) Upsert(ctx context.Context, name string, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return nil
	}
	col := b.db.GetCollection(name, noEmbedding)
	if col == nil {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	dim := b.dimension(name)

	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		if dim != 0 && len(p.Vector) != dim {
			return fmt.Errorf("%w: point %s has %d, want %d", ErrDimensionMismatch, p.ID, len(p.Vector), dim)
		}
		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Embedding: p.Vector,
			Metadata:  p.Payload,
			Content:   p.Payload[PayloadContent],
		})
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting into %s: %w", name, err)
	}
	return nil
}

func (b *ChromemBackend) Delete(ctx context.Context, name string, ids []string) error {
	col := b.db.GetCollection(name, noEmbedding)
	if col == nil || len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from %s: %w", name, err)
	}
	return nil
}

func (b *ChromemBackend) DeleteWhere(ctx context.Context, name string, filter map[string]string) error {
	if len(filter) == 0 {
		return fmt.Errorf("%w: delete filter cannot be empty", ErrInvalidConfig)
	}
	col := b.db.GetCollection(name, noEmbedding)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, filter, nil); err != nil {
		return fmt.Errorf("deleting from %s: %w", name, err)
	}
	return nil
}

func (b *ChromemBackend) Query(ctx context.Context, name string, vector []float32, limit int, threshold float32, filter map[string]string) ([]ScoredPoint, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("limit", limit))

	col := b.db.GetCollection(name, noEmbedding)
	if col == nil || limit <= 0 {
		return nil, nil
	}
	// chromem rejects limits above the collection size.
	n := limit
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	res, err := col.QueryEmbedding(ctx, vector, n, filter, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", name, err)
	}

	out := make([]ScoredPoint, 0, len(res))
	for _, r := range res {
		if r.Similarity < threshold {
			continue
		}
		payload := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			payload[k] = v
		}
		out = append(out, ScoredPoint{ID: r.ID, Score: r.Similarity, Payload: payload})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

func (b *ChromemBackend) Close() error { return nil }
