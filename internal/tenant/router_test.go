package tenant

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionName(t *testing.T) {
	tests := []struct {
		name     string
		tenantID string
		unitID   string
		entity   string
		scope    Scope
		expected string
	}{
		{
			name:     "unit scoped contact",
			tenantID: "acme",
			unitID:   "sales",
			entity:   "contact",
			scope:    UnitScoped,
			expected: "acme_sales_contact",
		},
		{
			name:     "global product ignores unit",
			tenantID: "acme",
			unitID:   "sales",
			entity:   "product",
			scope:    Global,
			expected: "acme_product",
		},
		{
			name:     "global with empty unit",
			tenantID: "acme",
			entity:   "product",
			scope:    Global,
			expected: "acme_product",
		},
		{
			name:     "mixed case is lowered",
			tenantID: "ACME",
			unitID:   "Sales",
			entity:   "Contact",
			scope:    UnitScoped,
			expected: "acme_sales_contact",
		},
		{
			name:     "punctuation replaced",
			tenantID: "acme-corp",
			unitID:   "north.east",
			entity:   "deal stage",
			scope:    UnitScoped,
			expected: "acme_corp_north_east_deal_stage",
		},
		{
			name:     "non ascii replaced per rune",
			tenantID: "zürich",
			unitID:   "ops",
			entity:   "lead",
			scope:    UnitScoped,
			expected: "z_rich_ops_lead",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CollectionName(tt.tenantID, tt.unitID, tt.entity, tt.scope)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCollectionName_Deterministic(t *testing.T) {
	charset := regexp.MustCompile(`^[a-z0-9_]*$`)
	inputs := [][3]string{
		{"acme", "sales", "contact"},
		{"A B", "c/d", "e.f"},
		{"", "", ""},
		{"t!@#", "u$%^", "e&*("},
	}

	for _, in := range inputs {
		for _, scope := range []Scope{UnitScoped, Global} {
			first := CollectionName(in[0], in[1], in[2], scope)
			second := CollectionName(in[0], in[1], in[2], scope)
			assert.Equal(t, first, second)
			assert.Regexp(t, charset, first)
		}
	}
}

func TestCollectionName_GlobalDoesNotDependOnUnit(t *testing.T) {
	a := CollectionName("acme", "sales", "product", Global)
	b := CollectionName("acme", "support", "product", Global)
	assert.Equal(t, a, b)
}

func TestVectorCollectionName(t *testing.T) {
	assert.Equal(t, "acme_vectors", VectorCollectionName("Acme"))
	assert.NotEqual(t, VectorCollectionName("acme"), CollectionName("acme", "", "vectors_x", Global))
}

func TestLegacyUnitCollections(t *testing.T) {
	got := LegacyUnitCollections("acme", []string{"sales", "support"}, "product")
	assert.Equal(t, []string{"acme_sales_product", "acme_support_product"}, got)
	assert.Empty(t, LegacyUnitCollections("acme", nil, "product"))
}

func TestIsValidIdentifier(t *testing.T) {
	assert.True(t, IsValidIdentifier("acme_sales"))
	assert.False(t, IsValidIdentifier(""))
	assert.False(t, IsValidIdentifier("Acme"))
	assert.False(t, IsValidIdentifier("a-b"))
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{in: "tenant", want: Global},
		{in: "TENANT", want: Global},
		{in: "unit", want: UnitScoped},
		{in: "", want: UnitScoped},
		{in: "team", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScope(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidScope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScope_JSON(t *testing.T) {
	var def struct {
		Scope Scope `json:"scope"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"scope":"tenant"}`), &def))
	assert.Equal(t, Global, def.Scope)

	def.Scope = Global
	require.NoError(t, json.Unmarshal([]byte(`{}`), &def))
	assert.Equal(t, Global, def.Scope, "absent field leaves value untouched")

	var fresh struct {
		Scope Scope `json:"scope"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &fresh))
	assert.Equal(t, UnitScoped, fresh.Scope)

	err := json.Unmarshal([]byte(`{"scope":"organisation"}`), &fresh)
	assert.ErrorIs(t, err, ErrInvalidScope)

	out, err := json.Marshal(struct {
		Scope Scope `json:"scope"`
	}{Scope: Global})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope":"tenant"}`, string(out))
}

func TestContext(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrMissingContext)

	tc := Context{TenantID: "acme", UnitID: "sales"}
	got, err := FromContext(WithContext(context.Background(), tc))
	require.NoError(t, err)
	assert.Equal(t, tc, got)

	assert.ErrorIs(t, Context{UnitID: "sales"}.Validate(), ErrInvalidTenantID)
	assert.ErrorIs(t, Context{TenantID: "acme"}.Validate(), ErrInvalidUnitID)
	assert.NoError(t, tc.Validate())
}

func TestContext_Filter(t *testing.T) {
	tc := Context{TenantID: "acme", UnitID: "sales"}
	assert.Equal(t, map[string]any{"tenant_id": "acme", "unit_id": "sales"}, tc.Filter(UnitScoped))
	assert.Equal(t, map[string]any{"tenant_id": "acme"}, tc.Filter(Global))
}
