package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// Scope defines whether an entity's documents are partitioned per unit or
// shared across the whole tenant.
//
// The zero value is UnitScoped, so an entity definition that omits scope
// is unit scoped.
type Scope uint8

const (
	// UnitScoped documents live in a per-unit collection and are only
	// visible to the unit that created them.
	UnitScoped Scope = iota
	// Global documents live in one tenant-wide collection shared by every unit.
	Global
)

// ErrInvalidScope is returned when a scope string is neither "tenant" nor "unit".
var ErrInvalidScope = errors.New("invalid scope")

// ParseScope parses the configuration form of a scope. "tenant" selects
// Global; "unit" or the empty string select UnitScoped.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tenant", "global":
		return Global, nil
	case "unit", "":
		return UnitScoped, nil
	default:
		return UnitScoped, fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// IsGlobal reports whether the scope is tenant-wide.
func (s Scope) IsGlobal() bool {
	return s == Global
}

// String returns the configuration form of the scope.
func (s Scope) String() string {
	if s == Global {
		return "tenant"
	}
	return "unit"
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so that JSON, YAML and
// koanf decoding all reject unknown scopes instead of falling back.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
