package docstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

func TestMongoConfig_Defaults(t *testing.T) {
	var cfg MongoConfig
	cfg.ApplyDefaults()
	assert.Equal(t, "mongodb://localhost:27017", cfg.URI)
	assert.Equal(t, "crm", cfg.Database)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.NoError(t, cfg.Validate())

	assert.Error(t, (&MongoConfig{Database: "x"}).Validate())
	assert.Error(t, (&MongoConfig{URI: "mongodb://x"}).Validate())
}

func TestNativeConversion(t *testing.T) {
	id := bson.NewObjectID()
	when := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	native, err := toNative(Document{IDField: id.Hex(), "name": "A"})
	require.NoError(t, err)
	assert.Equal(t, id, native[IDField])

	_, err = toNative(Document{IDField: "bogus"})
	assert.Error(t, err)

	doc := fromNative(map[string]any{
		IDField:      id,
		"created_at": bson.NewDateTimeFromTime(when),
		"tags":       bson.A{"a", "b"},
		"ownership":  map[string]any{"owner_unit": "sales", "visible_to": bson.A{"sales"}},
	})
	assert.Equal(t, id.Hex(), doc[IDField])
	assert.True(t, when.Equal(doc["created_at"].(time.Time)))
	assert.Equal(t, []any{"a", "b"}, doc["tags"])
	assert.Equal(t, Document{"owner_unit": "sales", "visible_to": []any{"sales"}}, doc["ownership"])
}

func TestMongoStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mongo integration test in short mode")
	}
	uri := os.Getenv("CRMSTORE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CRMSTORE_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	s, err := NewMongoStore(ctx, MongoConfig{URI: uri, Database: "crmstore_test", Timeout: 5 * time.Second}, zap.NewNop())
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}
	defer func() { _ = s.Close(ctx) }()

	coll := "acme_sales_contact_" + s.NewID()
	defer func() { _ = s.DropCollection(ctx, coll) }()

	doc, err := s.Insert(ctx, coll, Document{"tenant_id": "acme", "name": "Jane"})
	require.NoError(t, err)
	id := doc[IDField].(string)

	inserted, err := s.InsertIfAbsent(ctx, coll, Document{IDField: id, "name": "dup"})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, found, err := s.FindOne(ctx, coll, Filter{IDField: id, "tenant_id": "acme"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Jane", got["name"])
	assert.Equal(t, id, got[IDField])

	updated, found, err := s.UpdateOne(ctx, coll, Filter{IDField: id}, Document{"name": "Janet"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Janet", updated["name"])

	names, err := s.ListCollections(ctx, coll)
	require.NoError(t, err)
	assert.Contains(t, names, coll)

	deleted, err := s.DeleteOne(ctx, coll, Filter{IDField: id})
	require.NoError(t, err)
	assert.True(t, deleted)
}
