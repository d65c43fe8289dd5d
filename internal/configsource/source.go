// Package configsource reads tenant configuration bundles from disk.
//
// Each tenant has its own directory under the root:
//
//	<root>/<tenant>/tenant.yaml
//	<root>/<tenant>/units.yaml
//	<root>/<tenant>/entities.yaml
//	<root>/<tenant>/permissions.yaml
//
// Only tenant.yaml is required. A missing units, entities or permissions
// file reads as an empty list.
package configsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/apperrors"
	"github.com/fyrsmithlabs/crmstore/internal/configcache"
	"github.com/fyrsmithlabs/crmstore/internal/logging"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

// File names inside a tenant directory.
const (
	TenantFile      = "tenant.yaml"
	UnitsFile       = "units.yaml"
	EntitiesFile    = "entities.yaml"
	PermissionsFile = "permissions.yaml"
)

const maxFileSize = 1024 * 1024 // 1MB

// ErrInvalidBundle is returned when a tenant file fails to parse or validate.
var ErrInvalidBundle = errors.New("invalid tenant config")

// Source loads tenant bundles from a root directory.
type Source struct {
	root   string
	logger *logging.Logger
}

// New returns a Source reading from root, which must be a directory.
func New(root string, logger *logging.Logger) (*Source, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("tenant config dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tenant config dir %s is not a directory", root)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Source{root: root, logger: logger.Named("configsource")}, nil
}

// Root returns the directory the source reads from.
func (s *Source) Root() string { return s.root }

// Tenants lists the tenant directories under the root.
func (s *Source) Tenants() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && tenant.IsValidIdentifier(e.Name()) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadTenant reads tenant.yaml. A tenant without one is not configured.
func (s *Source) LoadTenant(ctx context.Context, tenantID string) (schema.TenantConfig, error) {
	var cfg schema.TenantConfig
	found, err := s.load(ctx, tenantID, TenantFile, &cfg)
	if err != nil {
		return cfg, err
	}
	if !found {
		return cfg, apperrors.NotFound("tenant %q is not configured", tenantID)
	}
	if cfg.TenantID == "" {
		cfg.TenantID = tenantID
	}
	if cfg.TenantID != tenantID {
		return cfg, fmt.Errorf("%w: %s declares tenant_id %q", ErrInvalidBundle, s.path(tenantID, TenantFile), cfg.TenantID)
	}
	return cfg, nil
}

// LoadUnits reads units.yaml.
func (s *Source) LoadUnits(ctx context.Context, tenantID string) ([]schema.UnitConfig, error) {
	var cfg struct {
		Units []schema.UnitConfig `koanf:"units"`
	}
	if _, err := s.load(ctx, tenantID, UnitsFile, &cfg); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, u := range cfg.Units {
		if !tenant.IsValidIdentifier(u.UnitID) {
			return nil, fmt.Errorf("%w: invalid unit id %q", ErrInvalidBundle, u.UnitID)
		}
		if seen[u.UnitID] {
			return nil, fmt.Errorf("%w: duplicate unit %q", ErrInvalidBundle, u.UnitID)
		}
		seen[u.UnitID] = true
	}
	if cfg.Units == nil {
		cfg.Units = []schema.UnitConfig{}
	}
	return cfg.Units, nil
}

// LoadEntities reads and validates entities.yaml.
func (s *Source) LoadEntities(ctx context.Context, tenantID string) (schema.EntitiesConfig, error) {
	var cfg schema.EntitiesConfig
	if _, err := s.load(ctx, tenantID, EntitiesFile, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrInvalidBundle, s.path(tenantID, EntitiesFile), err)
	}
	return cfg, nil
}

// LoadPermissions reads permissions.yaml.
func (s *Source) LoadPermissions(ctx context.Context, tenantID string) (schema.PermissionsConfig, error) {
	var cfg schema.PermissionsConfig
	_, err := s.load(ctx, tenantID, PermissionsFile, &cfg)
	return cfg, err
}

// Preload reads every tenant bundle into cache. Tenants that fail to load
// are logged and skipped; the returned error joins their failures.
func (s *Source) Preload(ctx context.Context, cache *configcache.Cache) error {
	tenants, err := s.Tenants()
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range tenants {
		if err := s.Fill(ctx, cache, id); err != nil {
			s.logger.Warn(ctx, "skipping tenant", zap.String("tenant", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	s.logger.Info(ctx, "tenant configs loaded", zap.Int("tenants", len(tenants)-len(errs)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Fill loads one tenant bundle into cache. Nothing is cached unless every
// file loads.
func (s *Source) Fill(ctx context.Context, cache *configcache.Cache, tenantID string) error {
	t, err := s.LoadTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	units, err := s.LoadUnits(ctx, tenantID)
	if err != nil {
		return err
	}
	entities, err := s.LoadEntities(ctx, tenantID)
	if err != nil {
		return err
	}
	perms, err := s.LoadPermissions(ctx, tenantID)
	if err != nil {
		return err
	}
	cache.SetTenant(tenantID, t)
	cache.SetUnits(tenantID, units)
	cache.SetEntities(tenantID, entities)
	cache.SetPermissions(tenantID, perms)
	return nil
}

func (s *Source) path(tenantID, file string) string {
	return filepath.Join(s.root, tenantID, file)
}

// load decodes one file into out. It reports false when the file does not
// exist.
func (s *Source) load(ctx context.Context, tenantID, file string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !tenant.IsValidIdentifier(tenantID) {
		return false, fmt.Errorf("%w: %q", tenant.ErrInvalidTenantID, tenantID)
	}
	path := s.path(tenantID, file)
	content, err := readFile(path)
	if err != nil {
		return false, err
	}
	if content == nil {
		return false, nil
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return false, fmt.Errorf("%w: parsing %s: %w", ErrInvalidBundle, path, err)
	}
	if err := k.Unmarshal("", out); err != nil {
		return false, fmt.Errorf("%w: decoding %s: %w", ErrInvalidBundle, path, err)
	}
	s.logger.Debug(ctx, "loaded tenant file", zap.String("path", path))
	return true, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(content) > maxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidBundle, path, maxFileSize)
	}
	return content, nil
}
