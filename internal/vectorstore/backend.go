// Package vectorstore keeps a per-tenant vector index of entity documents.
//
// A Backend stores raw points (Qdrant over gRPC in production, chromem-go
// embedded for single-node setups and tests). Index sits on top and maps
// entity documents to points: it builds the embedding text, derives stable
// point ids and scopes every query by tenant, entity and unit.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates a collection name that fails validation.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrCollectionNotFound indicates the collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("connection failed")
)

// collectionNamePattern matches the names produced by tenant.VectorCollectionName.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Point is a vector with its string payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// ScoredPoint is a query hit. Score is cosine similarity.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Backend is the raw vector storage used by Index.
//
// Filters are exact matches on payload keys, all of which must hold.
// Querying or deleting from a missing collection is not an error.
type Backend interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, name string, dim int) error
	DeleteCollection(ctx context.Context, name string) error
	// Upsert writes points, replacing any with the same id.
	Upsert(ctx context.Context, name string, points []Point) error
	Delete(ctx context.Context, name string, ids []string) error
	DeleteWhere(ctx context.Context, name string, filter map[string]string) error
	// Query returns at most limit points scoring at least threshold, best first.
	Query(ctx context.Context, name string, vector []float32, limit int, threshold float32, filter map[string]string) ([]ScoredPoint, error)
	Close() error
}
