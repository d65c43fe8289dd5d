package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_InsertAssignsID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	doc, err := s.Insert(ctx, "acme_sales_contact", Document{"name": "Jane"})
	require.NoError(t, err)

	id, ok := doc[IDField].(string)
	require.True(t, ok)
	assert.Len(t, id, 24)
	assert.True(t, s.ValidID(id))

	_, err = s.Insert(ctx, "acme_sales_contact", Document{IDField: id, "name": "dup"})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestMemoryStore_ValidID(t *testing.T) {
	s := NewMemoryStore()
	assert.True(t, s.ValidID(s.NewID()))
	assert.False(t, s.ValidID("not-an-id"))
	assert.False(t, s.ValidID(""))
	assert.False(t, s.ValidID("zzzzzzzzzzzzzzzzzzzzzzzz"))
	assert.Equal(t, 0, s.TotalCalls(), "id checks perform no I/O")
}

func TestMemoryStore_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := s.NewID()

	inserted, err := s.InsertIfAbsent(ctx, "acme_product", Document{IDField: id, "sku": "A"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertIfAbsent(ctx, "acme_product", Document{IDField: id, "sku": "B"})
	require.NoError(t, err)
	assert.False(t, inserted)

	docs := s.Collection("acme_product")
	require.Len(t, docs, 1)
	assert.Equal(t, "A", docs[0]["sku"], "existing document is never overwritten")

	_, err = s.InsertIfAbsent(ctx, "acme_product", Document{"sku": "C"})
	assert.Error(t, err)
}

func TestMemoryStore_FindUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	coll := "acme_sales_contact"

	a, err := s.Insert(ctx, coll, Document{"tenant_id": "acme", "name": "A", "score": 3})
	require.NoError(t, err)
	_, err = s.Insert(ctx, coll, Document{"tenant_id": "acme", "name": "B", "score": 1})
	require.NoError(t, err)
	_, err = s.Insert(ctx, coll, Document{"tenant_id": "other", "name": "C", "score": 2})
	require.NoError(t, err)

	got, found, err := s.FindOne(ctx, coll, Filter{IDField: a[IDField], "tenant_id": "acme"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", got["name"])

	_, found, err = s.FindOne(ctx, coll, Filter{IDField: a[IDField], "tenant_id": "other"})
	require.NoError(t, err)
	assert.False(t, found)

	docs, err := s.Find(ctx, coll, Filter{"tenant_id": "acme"}, FindOptions{Sort: []SortField{{Field: "score"}}})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "B", docs[0]["name"])

	docs, err = s.Find(ctx, coll, Filter{"score": 3.0}, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 1, "numeric filters match across int and float")

	docs, err = s.Find(ctx, coll, nil, FindOptions{Skip: 1, Limit: 1, Sort: []SortField{{Field: "score", Desc: true}}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "C", docs[0]["name"])

	updated, found, err := s.UpdateOne(ctx, coll, Filter{IDField: a[IDField]}, Document{"name": "A2"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A2", updated["name"])
	assert.Equal(t, 3, updated["score"])

	deleted, err := s.DeleteOne(ctx, coll, Filter{IDField: a[IDField]})
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteOne(ctx, coll, Filter{IDField: a[IDField]})
	require.NoError(t, err)
	assert.False(t, deleted)

	n, err := s.Count(ctx, coll, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_ReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	doc, err := s.Insert(ctx, "c", Document{"name": "A"})
	require.NoError(t, err)
	doc["name"] = "mutated"

	got, _, err := s.FindOne(ctx, "c", Filter{IDField: doc[IDField]})
	require.NoError(t, err)
	assert.Equal(t, "A", got["name"])
}

func TestMemoryStore_Collections(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, c := range []string{"acme_sales_product", "acme_support_product", "globex_product"} {
		_, err := s.Insert(ctx, c, Document{"x": 1})
		require.NoError(t, err)
	}

	names, err := s.ListCollections(ctx, "acme_")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme_sales_product", "acme_support_product"}, names)

	require.NoError(t, s.DropCollection(ctx, "acme_sales_product"))
	names, err = s.ListCollections(ctx, "acme_")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme_support_product"}, names)
}

func TestMemoryStore_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	_, err := s.Insert(ctx, "c", Document{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatches(t *testing.T) {
	now := time.Now()
	doc := Document{"a": "x", "n": int64(2), "t": now, "tags": []any{"vip"}}

	assert.True(t, Matches(doc, nil))
	assert.True(t, Matches(doc, Filter{"a": "x", "n": 2}))
	assert.True(t, Matches(doc, Filter{"t": now}))
	assert.True(t, Matches(doc, Filter{"tags": []any{"vip"}}))
	assert.False(t, Matches(doc, Filter{"a": "y"}))
	assert.False(t, Matches(doc, Filter{"missing": "x"}))
}
