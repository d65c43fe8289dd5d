// Package schema defines the per-tenant configuration documents that drive
// the entity store: tenant and unit settings, entity definitions and role
// permissions.
package schema

import (
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

// FieldType is the declared type of an entity field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldDate      FieldType = "date"
	FieldDateTime  FieldType = "datetime"
	FieldEmail     FieldType = "email"
	FieldURL       FieldType = "url"
	FieldText      FieldType = "text"
	FieldJSON      FieldType = "json"
	FieldReference FieldType = "reference"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldNumber, FieldBoolean, FieldDate, FieldDateTime,
		FieldEmail, FieldURL, FieldText, FieldJSON, FieldReference:
		return true
	}
	return false
}

// FieldDefinition describes one field of an entity.
type FieldDefinition struct {
	Name            string    `json:"name" koanf:"name"`
	Type            FieldType `json:"type" koanf:"type"`
	Required        bool      `json:"required,omitempty" koanf:"required"`
	Indexed         bool      `json:"indexed,omitempty" koanf:"indexed"`
	Searchable      bool      `json:"searchable,omitempty" koanf:"searchable"`
	Embeddable      bool      `json:"embeddable,omitempty" koanf:"embeddable"`
	ReferenceEntity string    `json:"reference_entity,omitempty" koanf:"reference_entity"`
	Default         any       `json:"default,omitempty" koanf:"default"`

	// Validation is shallow-merged over the derived JSON Schema for the
	// field. Keys here replace derived keys, including "type".
	Validation map[string]any `json:"validation,omitempty" koanf:"validation"`
}

// EntityDefinition describes an entity type configured for a tenant.
type EntityDefinition struct {
	Name    string            `json:"name" koanf:"name"`
	Fields  []FieldDefinition `json:"fields" koanf:"fields"`
	Scope   tenant.Scope      `json:"scope,omitempty" koanf:"scope"`
	Indexes []IndexDefinition `json:"indexes,omitempty" koanf:"indexes"`
}

// IndexDefinition is a primary store index hint.
type IndexDefinition struct {
	Fields []string `json:"fields" koanf:"fields"`
	Unique bool     `json:"unique,omitempty" koanf:"unique"`
}

// Field returns the named field definition.
func (d *EntityDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// EmbeddableFields returns the fields whose values feed the vector index,
// in declaration order.
func (d *EntityDefinition) EmbeddableFields() []FieldDefinition {
	var out []FieldDefinition
	for _, f := range d.Fields {
		if f.Embeddable {
			out = append(out, f)
		}
	}
	return out
}

// SearchFields returns the fields that belong in the full-text index.
func (d *EntityDefinition) SearchFields() []FieldDefinition {
	var out []FieldDefinition
	for _, f := range d.Fields {
		if f.Indexed || f.Searchable {
			out = append(out, f)
		}
	}
	return out
}

// TenantConfig is the tenant-level settings document.
type TenantConfig struct {
	TenantID string            `json:"tenant_id" koanf:"tenant_id"`
	Name     string            `json:"name,omitempty" koanf:"name"`
	Settings map[string]string `json:"settings,omitempty" koanf:"settings"`
}

// UnitConfig describes one unit (department, branch) inside a tenant.
type UnitConfig struct {
	UnitID string `json:"unit_id" koanf:"unit_id"`
	Name   string `json:"name,omitempty" koanf:"name"`
}

// EntitiesConfig is the list of entity definitions for a tenant.
type EntitiesConfig struct {
	Entities []EntityDefinition `json:"entities" koanf:"entities"`
}

// RoleConfig grants scopes to a role. Scopes use "entity:action" form and
// may end in "*".
type RoleConfig struct {
	Role   string   `json:"role" koanf:"role"`
	Scopes []string `json:"scopes" koanf:"scopes"`
}

// PermissionsConfig lists the roles of a tenant.
type PermissionsConfig struct {
	Roles []RoleConfig `json:"roles" koanf:"roles"`
}
