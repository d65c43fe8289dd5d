package search

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

const (
	DefaultPerPage = 10
	MaxPerPage     = 250
)

// ErrUnknownField is returned for a filter or sort on a field that is not
// part of the index schema.
var ErrUnknownField = errors.New("field not in search schema")

// Query is a full-text search request.
type Query struct {
	// Q is free text. Empty or "*" matches everything in scope.
	Q string
	// Filters are exact matches on indexed fields.
	Filters map[string]any
	// Page is 1-based.
	Page    int
	PerPage int
	SortBy  string
	Desc    bool
}

func (q Query) normalized() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	return q
}

// BuildQuery renders q as a RediSearch query string. Tenant and unit
// clauses come first and are always present; caller filters cannot replace
// them.
func BuildQuery(tc tenant.Context, def *schema.EntityDefinition, q Query) (string, error) {
	clauses := []string{tagClause(FieldTenantID, tc.TenantID)}
	if !def.Scope.IsGlobal() {
		clauses = append(clauses, tagClause(FieldUnitID, tc.UnitID))
	}

	types := schemaTypes(def)
	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == FieldTenantID || k == FieldUnitID {
			// Scope comes from tc only.
			continue
		}
		ft, ok := types[k]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownField, k)
		}
		clause, err := filterClause(k, ft, q.Filters[k])
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	if text := strings.TrimSpace(q.Q); text != "" && text != "*" {
		clauses = append(clauses, textClause(text))
	}
	return strings.Join(clauses, " "), nil
}

// searchOptions returns the FT.SEARCH options for q.
func searchOptions(def *schema.EntityDefinition, q Query) (*redis.FTSearchOptions, error) {
	q = q.normalized()
	opts := &redis.FTSearchOptions{
		LimitOffset:    (q.Page - 1) * q.PerPage,
		Limit:          q.PerPage,
		DialectVersion: 2,
	}
	if q.SortBy != "" {
		ft, ok := schemaTypes(def)[q.SortBy]
		if !ok || ft == redis.SearchFieldTypeTag {
			return nil, fmt.Errorf("%w: cannot sort by %s", ErrUnknownField, q.SortBy)
		}
		opts.SortBy = []redis.FTSearchSortBy{{FieldName: q.SortBy, Asc: !q.Desc, Desc: q.Desc}}
	}
	return opts, nil
}

func schemaTypes(def *schema.EntityDefinition) map[string]redis.SearchFieldType {
	out := map[string]redis.SearchFieldType{}
	for _, fs := range Schema(def) {
		out[fs.FieldName] = fs.FieldType
	}
	return out
}

func filterClause(field string, ft redis.SearchFieldType, v any) (string, error) {
	switch ft {
	case redis.SearchFieldTypeNumeric:
		n, ok := toFloat(v)
		if !ok {
			secs, isDate := epochSeconds(v)
			if !isDate {
				return "", fmt.Errorf("filter %s: %v is not numeric", field, v)
			}
			n = float64(secs)
		}
		s := strconv.FormatFloat(n, 'f', -1, 64)
		return fmt.Sprintf("@%s:[%s %s]", field, s, s), nil
	case redis.SearchFieldTypeTag:
		return tagClause(field, fmt.Sprint(v)), nil
	default:
		return fmt.Sprintf("@%s:(%s)", field, escapeText(fmt.Sprint(v))), nil
	}
}

func tagClause(field, value string) string {
	return fmt.Sprintf("@%s:{%s}", field, escapeTag(value))
}

func textClause(text string) string {
	return "(" + escapeText(text) + ")"
}

// escapeTag escapes everything except letters, digits and underscore, which
// is what the TAG tokenizer requires for an exact match.
func escapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !isWordRune(r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeText escapes query syntax characters but keeps spaces, so words
// are still ANDed.
func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r != ' ' && !isWordRune(r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r > 127
}
