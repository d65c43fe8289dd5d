// Package docstore is the primary document store used by the entity
// repository.
//
// Documents are plain maps. The "_id" key always holds a 24 character hex
// object id string at this boundary; drivers convert to and from their
// native id type.
package docstore

import (
	"context"
	"errors"
	"reflect"
)

// IDField is the document key holding the primary id.
const IDField = "_id"

// ErrDuplicateID is returned by Insert when a document with the same id
// already exists in the collection.
var ErrDuplicateID = errors.New("duplicate document id")

// Document is a stored record.
type Document = map[string]any

// Filter is an equality predicate over top-level keys.
type Filter = map[string]any

// SortField orders Find results.
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions controls Find paging and ordering.
type FindOptions struct {
	Limit int64
	Skip  int64
	Sort  []SortField
}

// Store persists documents in named collections.
type Store interface {
	// ValidID reports whether id is a well-formed document id. It performs
	// no I/O.
	ValidID(id string) bool
	// NewID returns a fresh document id.
	NewID() string

	// Insert stores doc, assigning an id when doc has none, and returns the
	// stored document.
	Insert(ctx context.Context, collection string, doc Document) (Document, error)
	// InsertIfAbsent stores doc unless a document with the same id exists.
	// It reports whether the document was inserted.
	InsertIfAbsent(ctx context.Context, collection string, doc Document) (bool, error)
	FindOne(ctx context.Context, collection string, filter Filter) (Document, bool, error)
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Document, error)
	// UpdateOne sets the given keys on the first matching document and
	// returns the document after the update.
	UpdateOne(ctx context.Context, collection string, filter Filter, set Document) (Document, bool, error)
	DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error)
	Count(ctx context.Context, collection string, filter Filter) (int64, error)

	// ListCollections returns collection names starting with prefix.
	ListCollections(ctx context.Context, prefix string) ([]string, error)
	DropCollection(ctx context.Context, collection string) error
}

// Clone returns a shallow copy of doc.
func Clone(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Matches reports whether doc satisfies the equality filter.
func Matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
