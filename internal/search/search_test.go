package search

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

var (
	contactDef = &schema.EntityDefinition{
		Name: "contact",
		Fields: []schema.FieldDefinition{
			{Name: "name", Type: schema.FieldString, Searchable: true},
			{Name: "email", Type: schema.FieldEmail, Indexed: true},
			{Name: "score", Type: schema.FieldNumber, Indexed: true},
			{Name: "vip", Type: schema.FieldBoolean, Indexed: true},
			{Name: "birthday", Type: schema.FieldDate, Indexed: true},
			{Name: "notes", Type: schema.FieldText, Searchable: true},
			{Name: "internal", Type: schema.FieldString},
		},
	}
	productDef = &schema.EntityDefinition{
		Name:  "product",
		Scope: tenant.Global,
		Fields: []schema.FieldDefinition{
			{Name: "sku", Type: schema.FieldString, Indexed: true},
			{Name: "title", Type: schema.FieldString, Searchable: true},
		},
	}
	sales = tenant.Context{TenantID: "acme", UnitID: "sales"}
)

func TestSchema(t *testing.T) {
	got := map[string]*redis.FieldSchema{}
	for _, fs := range Schema(contactDef) {
		got[fs.FieldName] = fs
	}

	assert.Equal(t, redis.SearchFieldTypeTag, got[FieldTenantID].FieldType)
	assert.Equal(t, redis.SearchFieldTypeTag, got[FieldUnitID].FieldType)
	assert.Equal(t, redis.SearchFieldTypeNumeric, got[FieldCreatedAt].FieldType)
	assert.Equal(t, redis.SearchFieldTypeText, got["name"].FieldType)
	assert.True(t, got["name"].Sortable)
	assert.Equal(t, redis.SearchFieldTypeTag, got["email"].FieldType)
	assert.False(t, got["email"].Sortable)
	assert.Equal(t, redis.SearchFieldTypeNumeric, got["score"].FieldType)
	assert.Equal(t, redis.SearchFieldTypeTag, got["vip"].FieldType)
	assert.Equal(t, redis.SearchFieldTypeNumeric, got["birthday"].FieldType)
	assert.Equal(t, redis.SearchFieldTypeText, got["notes"].FieldType)
	assert.NotContains(t, got, "internal")

	global := map[string]bool{}
	for _, fs := range Schema(productDef) {
		global[fs.FieldName] = true
	}
	assert.False(t, global[FieldUnitID], "global entities have no unit field")
	assert.True(t, global["sku"])
}

func TestEncode(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := docstore.Document{
		docstore.IDField: "65f000000000000000000001",
		"tenant_id":      "acme",
		"unit_id":        "sales",
		"created_at":     created,
		"updated_at":     created,
		"name":           "Ada Lovelace",
		"email":          "ada@example.com",
		"score":          42.5,
		"vip":            true,
		"birthday":       "1815-12-10",
		"notes":          nil,
		"internal":       "secret",
	}
	got := Encode(contactDef, doc)

	assert.Equal(t, map[string]any{
		FieldID:        "65f000000000000000000001",
		FieldTenantID:  "acme",
		FieldUnitID:    "sales",
		FieldCreatedAt: created.Unix(),
		FieldUpdatedAt: created.Unix(),
		"name":         "Ada Lovelace",
		"email":        "ada@example.com",
		"score":        "42.5",
		"vip":          "true",
		"birthday":     "-4861728000",
	}, got)

	t.Run("global drops unit", func(t *testing.T) {
		got := Encode(productDef, docstore.Document{docstore.IDField: "x", "tenant_id": "acme", "unit_id": "sales", "sku": "W-1"})
		assert.NotContains(t, got, FieldUnitID)
		assert.Equal(t, "W-1", got["sku"])
	})

	t.Run("unconvertible values are skipped", func(t *testing.T) {
		got := Encode(contactDef, docstore.Document{"score": "n/a", "vip": "yes", "birthday": "someday"})
		assert.NotContains(t, got, "score")
		assert.NotContains(t, got, "vip")
		assert.NotContains(t, got, "birthday")
	})
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name    string
		def     *schema.EntityDefinition
		tc      tenant.Context
		q       Query
		want    string
		wantErr error
	}{
		{
			name: "match all in unit",
			def:  contactDef,
			tc:   sales,
			q:    Query{Q: "*"},
			want: `@tenant_id:{acme} @unit_id:{sales}`,
		},
		{
			name: "global ignores unit",
			def:  productDef,
			tc:   sales,
			want: `@tenant_id:{acme}`,
		},
		{
			name: "text and filters",
			def:  contactDef,
			tc:   sales,
			q: Query{
				Q:       "ada lovelace",
				Filters: map[string]any{"vip": true, "score": 42, "email": "ada@example.com"},
			},
			want: `@tenant_id:{acme} @unit_id:{sales} @email:{ada\@example\.com} @score:[42 42] @vip:{true} (ada lovelace)`,
		},
		{
			name: "scope filters cannot be overridden",
			def:  contactDef,
			tc:   sales,
			q:    Query{Filters: map[string]any{"tenant_id": "globex", "unit_id": "service"}},
			want: `@tenant_id:{acme} @unit_id:{sales}`,
		},
		{
			name: "date filter uses epoch seconds",
			def:  contactDef,
			tc:   sales,
			q:    Query{Filters: map[string]any{"birthday": "1970-01-02"}},
			want: `@tenant_id:{acme} @unit_id:{sales} @birthday:[86400 86400]`,
		},
		{
			name: "tenant ids are escaped",
			def:  productDef,
			tc:   tenant.Context{TenantID: "acme-eu"},
			q:    Query{Q: "widget (pro)"},
			want: `@tenant_id:{acme\-eu} (widget \(pro\))`,
		},
		{
			name:    "unknown filter",
			def:     contactDef,
			tc:      sales,
			q:       Query{Filters: map[string]any{"internal": "x"}},
			wantErr: ErrUnknownField,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildQuery(tt.tc, tt.def, tt.q)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchOptions(t *testing.T) {
	opts, err := searchOptions(contactDef, Query{})
	require.NoError(t, err)
	assert.Equal(t, 0, opts.LimitOffset)
	assert.Equal(t, DefaultPerPage, opts.Limit)

	opts, err = searchOptions(contactDef, Query{Page: 3, PerPage: 20, SortBy: "score", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, 40, opts.LimitOffset)
	assert.Equal(t, 20, opts.Limit)
	require.Len(t, opts.SortBy, 1)
	assert.True(t, opts.SortBy[0].Desc)

	opts, err = searchOptions(contactDef, Query{PerPage: 10000})
	require.NoError(t, err)
	assert.Equal(t, MaxPerPage, opts.Limit)

	_, err = searchOptions(contactDef, Query{SortBy: "vip"})
	assert.ErrorIs(t, err, ErrUnknownField)
	_, err = searchOptions(contactDef, Query{SortBy: "nope"})
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestNameAndKey(t *testing.T) {
	assert.Equal(t, "acme_sales_contact", Name(sales, contactDef))
	assert.Equal(t, "acme_product", Name(sales, productDef))
	assert.Equal(t, "acme_product:abc", Key("acme_product", "abc"))
}

func TestConfig(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, "localhost:6379", c.Addr)
	assert.NoError(t, c.Validate())
	assert.ErrorIs(t, Config{Addr: "x", DB: -1}.Validate(), ErrInvalidConfig)
}

// TestIndex_Integration runs against Redis Stack when
// CRMSTORE_TEST_REDIS_ADDR is set.
func TestIndex_Integration(t *testing.T) {
	addr := os.Getenv("CRMSTORE_TEST_REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("CRMSTORE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	idx, err := NewRedisIndex(ctx, Config{Addr: addr}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer idx.Close()

	tc := tenant.Context{TenantID: "it" + time.Now().Format("150405"), UnitID: "sales"}
	require.NoError(t, idx.EnsureCollection(ctx, tc, contactDef))
	require.NoError(t, idx.EnsureCollection(ctx, tc, contactDef))
	defer func() { _ = idx.Drop(ctx, tc, contactDef) }()

	doc := docstore.Document{
		docstore.IDField: "65f000000000000000000001",
		"tenant_id":      tc.TenantID,
		"unit_id":        "sales",
		"name":           "Ada Lovelace",
		"vip":            true,
	}
	require.NoError(t, idx.Upsert(ctx, tc, contactDef, doc))
	require.NoError(t, idx.Upsert(ctx, tc, contactDef, doc))

	require.Eventually(t, func() bool {
		res, err := idx.Search(ctx, tc, contactDef, Query{Q: "ada"})
		return err == nil && res.Found == 1
	}, 5*time.Second, 100*time.Millisecond)

	res, err := idx.Search(ctx, tc, contactDef, Query{Filters: map[string]any{"vip": true}})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "65f000000000000000000001", res.Hits[0].ID)
	assert.Equal(t, 1, res.Page)

	require.NoError(t, idx.Delete(ctx, tc, contactDef, "65f000000000000000000001"))
	res, err = idx.Search(ctx, tc, contactDef, Query{})
	require.NoError(t, err)
	assert.Zero(t, res.Found)
}
