package schema

import (
	"errors"
	"fmt"
)

// ErrInvalidDefinition is returned by Validate for malformed entity definitions.
var ErrInvalidDefinition = errors.New("invalid entity definition")

// Validate checks an entity definition for structural problems: missing
// names, unknown field types and duplicate fields.
func (d *EntityDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	seen := make(map[string]bool, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s: field %d has no name", ErrInvalidDefinition, d.Name, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidDefinition, d.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return fmt.Errorf("%w: %s.%s: unknown type %q", ErrInvalidDefinition, d.Name, f.Name, f.Type)
		}
		if f.Type == FieldReference && f.ReferenceEntity == "" {
			return fmt.Errorf("%w: %s.%s: reference field needs reference_entity", ErrInvalidDefinition, d.Name, f.Name)
		}
	}
	return nil
}

// Validate checks every entity definition and rejects duplicate entity names.
func (c *EntitiesConfig) Validate() error {
	seen := make(map[string]bool, len(c.Entities))
	for i := range c.Entities {
		def := &c.Entities[i]
		if err := def.Validate(); err != nil {
			return err
		}
		if seen[def.Name] {
			return fmt.Errorf("%w: duplicate entity %q", ErrInvalidDefinition, def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}
