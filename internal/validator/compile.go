// Package validator compiles entity definitions into JSON Schema validators
// and caches them per tenant.
//
// Compilation derives a property schema from each field's declared type and
// then shallow-merges the field's validation map over it. The merge runs
// last and may replace any derived keyword, including "type"; a definition
// can therefore turn a number field into a string field. That behavior is
// relied on by existing tenant configurations and is kept as is.
package validator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fyrsmithlabs/crmstore/internal/apperrors"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
)

// DatePattern is the pattern applied to date fields.
const DatePattern = `^\d{4}-\d{2}-\d{2}$`

// Mode selects which kind of validator to compile.
type Mode int

const (
	// ModeCreate enforces required fields and applies defaults.
	ModeCreate Mode = iota
	// ModeUpdate validates partial payloads: no required fields, no defaults.
	ModeUpdate
)

// Validator validates documents of a single entity.
type Validator struct {
	entity   string
	mode     Mode
	schema   *jsonschema.Schema
	required []string
	fields   map[string]*compiledField
	defaults map[string]json.RawMessage
}

type compiledField struct {
	resolved *jsonschema.Resolved
	format   string
}

// Compile builds a validator for def.
func Compile(def schema.EntityDefinition, mode Mode) (*Validator, error) {
	v := &Validator{
		entity:   def.Name,
		mode:     mode,
		fields:   make(map[string]*compiledField, len(def.Fields)),
		defaults: make(map[string]json.RawMessage),
	}

	root := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(def.Fields)),
	}

	for _, f := range def.Fields {
		prop, err := FieldSchema(f, mode)
		if err != nil {
			return nil, fmt.Errorf("compile %s.%s: %w", def.Name, f.Name, err)
		}
		root.Properties[f.Name] = prop

		// Resolve a private copy so the per-field validator owns its schema.
		standalone, err := FieldSchema(f, mode)
		if err != nil {
			return nil, fmt.Errorf("compile %s.%s: %w", def.Name, f.Name, err)
		}
		resolved, err := standalone.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			return nil, fmt.Errorf("compile %s.%s: %w", def.Name, f.Name, err)
		}
		v.fields[f.Name] = &compiledField{resolved: resolved, format: standalone.Format}

		if mode == ModeCreate {
			if f.Required {
				v.required = append(v.required, f.Name)
			}
			if prop.Default != nil {
				v.defaults[f.Name] = prop.Default
			}
		}
	}
	root.Required = v.required

	if _, err := root.Resolve(nil); err != nil {
		return nil, fmt.Errorf("compile %s: %w", def.Name, err)
	}
	v.schema = root
	return v, nil
}

// FieldSchema derives the JSON Schema for one field and merges its
// validation map over the result.
func FieldSchema(f schema.FieldDefinition, mode Mode) (*jsonschema.Schema, error) {
	s := &jsonschema.Schema{}
	switch f.Type {
	case schema.FieldString, schema.FieldText, schema.FieldReference:
		s.Type = "string"
	case schema.FieldEmail:
		s.Type = "string"
		s.Format = "email"
	case schema.FieldURL:
		s.Type = "string"
		s.Format = "uri"
	case schema.FieldNumber:
		s.Type = "number"
	case schema.FieldBoolean:
		s.Type = "boolean"
	case schema.FieldDate:
		s.Type = "string"
		s.Pattern = DatePattern
	case schema.FieldDateTime:
		s.Type = "string"
		s.Format = "date-time"
	case schema.FieldJSON:
		s.Type = "object"
	default:
		return nil, fmt.Errorf("unknown field type %q", f.Type)
	}

	if f.Default != nil && mode == ModeCreate {
		raw, err := json.Marshal(f.Default)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		s.Default = raw
	}

	if len(f.Validation) == 0 {
		return s, nil
	}
	return mergeValidation(s, f.Validation)
}

// mergeValidation overlays keys of extra onto s at the top level.
func mergeValidation(s *jsonschema.Schema, extra map[string]any) (*jsonschema.Schema, error) {
	base, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, val := range extra {
		m[k] = val
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	out := &jsonschema.Schema{}
	if err := json.Unmarshal(merged, out); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	return out, nil
}

// Entity returns the entity name the validator was compiled for.
func (v *Validator) Entity() string { return v.entity }

// Schema returns the compiled object schema. Callers must not modify it.
func (v *Validator) Schema() *jsonschema.Schema { return v.schema }

// ApplyDefaults sets every defaulted field that is absent from doc.
func (v *Validator) ApplyDefaults(doc map[string]any) error {
	for name, raw := range v.defaults {
		if _, ok := doc[name]; ok {
			continue
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return fmt.Errorf("default %s: %w", name, err)
		}
		doc[name] = val
	}
	return nil
}

// Validate checks doc and reports every failing field in a single
// apperrors.Validation error. Properties without a field definition pass.
func (v *Validator) Validate(doc map[string]any) error {
	var failures []apperrors.FieldError

	for _, name := range v.required {
		if val, ok := doc[name]; !ok || val == nil {
			failures = append(failures, apperrors.FieldError{Path: name, Message: "is required"})
		}
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field, ok := v.fields[name]
		if !ok {
			continue
		}
		val := doc[name]
		if val == nil {
			// Null clears an optional field; a null required field was
			// reported above.
			continue
		}
		if err := field.resolved.Validate(val); err != nil {
			failures = append(failures, apperrors.FieldError{Path: name, Message: cleanMessage(err)})
			continue
		}
		if msg := checkFormat(field.format, val); msg != "" {
			failures = append(failures, apperrors.FieldError{Path: name, Message: msg})
		}
	}

	if len(failures) > 0 {
		return apperrors.Validation(v.entity+" failed validation", failures)
	}
	return nil
}

// cleanMessage strips the "validating <schema>: " prefixes the library adds.
func cleanMessage(err error) string {
	msg := err.Error()
	for strings.HasPrefix(msg, "validating ") {
		i := strings.Index(msg, ": ")
		if i < 0 {
			break
		}
		msg = msg[i+2:]
	}
	return msg
}
