// Package search keeps a RediSearch full-text projection of entity documents.
//
// Each entity collection gets one index named exactly like its primary
// store collection, over Redis hashes keyed "<index>:<id>". Every query is
// filtered server-side by tenant, and by unit for unit-scoped entities.
package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
)

// Hash fields written for every document.
const (
	FieldID        = "id"
	FieldTenantID  = "tenant_id"
	FieldUnitID    = "unit_id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// Schema derives the index schema for def. Searchable fields become TEXT,
// indexed-only strings become TAG facets, numbers and dates become sortable
// NUMERIC fields (dates as epoch seconds) and booleans become TAG.
func Schema(def *schema.EntityDefinition) []*redis.FieldSchema {
	fields := []*redis.FieldSchema{
		{FieldName: FieldTenantID, FieldType: redis.SearchFieldTypeTag},
	}
	if !def.Scope.IsGlobal() {
		fields = append(fields, &redis.FieldSchema{FieldName: FieldUnitID, FieldType: redis.SearchFieldTypeTag})
	}
	fields = append(fields,
		&redis.FieldSchema{FieldName: FieldCreatedAt, FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
		&redis.FieldSchema{FieldName: FieldUpdatedAt, FieldType: redis.SearchFieldTypeNumeric, Sortable: true},
	)

	for _, f := range def.SearchFields() {
		if isSystemField(f.Name) {
			continue
		}
		fs := &redis.FieldSchema{FieldName: f.Name, FieldType: fieldType(f)}
		if fs.FieldType != redis.SearchFieldTypeTag {
			fs.Sortable = true
		}
		fields = append(fields, fs)
	}
	return fields
}

func fieldType(f schema.FieldDefinition) redis.SearchFieldType {
	switch f.Type {
	case schema.FieldNumber, schema.FieldDate, schema.FieldDateTime:
		return redis.SearchFieldTypeNumeric
	case schema.FieldBoolean:
		return redis.SearchFieldTypeTag
	case schema.FieldText, schema.FieldJSON:
		return redis.SearchFieldTypeText
	default:
		if f.Searchable {
			return redis.SearchFieldTypeText
		}
		return redis.SearchFieldTypeTag
	}
}

func isSystemField(name string) bool {
	switch name {
	case FieldID, docstore.IDField, FieldTenantID, FieldUnitID, FieldCreatedAt, FieldUpdatedAt:
		return true
	}
	return false
}

// Encode converts doc into the hash written for it. Only indexed and
// searchable fields are kept, plus id, tenant, unit and timestamps.
// Nil and unconvertible values are left out.
func Encode(def *schema.EntityDefinition, doc docstore.Document) map[string]any {
	out := map[string]any{}
	if id, ok := doc[docstore.IDField].(string); ok {
		out[FieldID] = id
	}
	if v, ok := doc[FieldTenantID].(string); ok {
		out[FieldTenantID] = v
	}
	if !def.Scope.IsGlobal() {
		if v, ok := doc[FieldUnitID].(string); ok {
			out[FieldUnitID] = v
		}
	}
	for _, k := range []string{FieldCreatedAt, FieldUpdatedAt} {
		if secs, ok := epochSeconds(doc[k]); ok {
			out[k] = secs
		}
	}

	for _, f := range def.SearchFields() {
		if isSystemField(f.Name) {
			continue
		}
		v, ok := doc[f.Name]
		if !ok || v == nil {
			continue
		}
		if s, ok := encodeValue(f, v); ok {
			out[f.Name] = s
		}
	}
	return out
}

func encodeValue(f schema.FieldDefinition, v any) (string, bool) {
	switch f.Type {
	case schema.FieldDate, schema.FieldDateTime:
		secs, ok := epochSeconds(v)
		if !ok {
			return "", false
		}
		return strconv.FormatInt(secs, 10), true
	case schema.FieldNumber:
		n, ok := toFloat(v)
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case schema.FieldBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", false
		}
		return strconv.FormatBool(b), true
	}
	switch t := v.(type) {
	case string:
		return t, true
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return fmt.Sprint(t), true
	}
}

// epochSeconds accepts time values, RFC 3339 strings and YYYY-MM-DD dates.
func epochSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.Unix(), true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.Unix(), true
		}
		if ts, err := time.Parse(time.DateOnly, t); err == nil {
			return ts.Unix(), true
		}
	}
	return 0, false
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
