package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

var (
	reindexTenant  string
	reindexUnit    string
	reindexEntity  string
	reindexDryRun  bool
	reindexWorkers int
	reindexRate    float64

	migrateTenant string
	migrateEntity string
	migrateUnits  []string
	migrateDryRun bool
)

func init() {
	rootCmd.AddCommand(reindexCmd)
	reindexCmd.Flags().StringVarP(&reindexTenant, "tenant", "t", "", "Tenant ID (required)")
	reindexCmd.Flags().StringVarP(&reindexUnit, "unit", "u", "", "Unit ID (required for unit-scoped entities)")
	reindexCmd.Flags().StringVarP(&reindexEntity, "entity", "e", "", "Entity name (required)")
	reindexCmd.Flags().BoolVar(&reindexDryRun, "dry-run", false, "Count documents without writing")
	reindexCmd.Flags().IntVar(&reindexWorkers, "workers", 0, "Concurrent workers (default from config)")
	reindexCmd.Flags().Float64Var(&reindexRate, "rate", 0, "Documents per second, 0 for the configured rate")
	_ = reindexCmd.MarkFlagRequired("tenant")
	_ = reindexCmd.MarkFlagRequired("entity")

	rootCmd.AddCommand(migrateScopeCmd)
	migrateScopeCmd.Flags().StringVarP(&migrateTenant, "tenant", "t", "", "Tenant ID (required)")
	migrateScopeCmd.Flags().StringVarP(&migrateEntity, "entity", "e", "", "Entity name (required)")
	migrateScopeCmd.Flags().StringSliceVar(&migrateUnits, "units", nil, "Source units (default: discover from collections and tenant config)")
	migrateScopeCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Count documents without writing")
	_ = migrateScopeCmd.MarkFlagRequired("tenant")
	_ = migrateScopeCmd.MarkFlagRequired("entity")
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search and vector indexes of one entity",
	Long: `Rebuild the secondary indexes of one entity from the primary store.

The search index is dropped and recreated; vector points in the entity's
scope are deleted and re-embedded. Documents are read in batches and
indexed by a bounded worker pool.

Examples:
  # Rebuild contacts for the sales unit
  crmstore reindex --tenant acme --unit sales --entity contact

  # Count what a tenant-wide rebuild would touch
  crmstore reindex --tenant acme --entity product --dry-run`,
	RunE: runReindex,
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()

	if a.source != nil {
		if err := a.loadTenant(ctx, reindexTenant); err != nil {
			return fmt.Errorf("loading tenant %s: %w", reindexTenant, err)
		}
	}
	o, err := a.orchestrator(reindexWorkers, reindexRate, reindexDryRun)
	if err != nil {
		return err
	}
	report, err := o.Reindex(ctx, tenant.Context{TenantID: reindexTenant, UnitID: reindexUnit}, reindexEntity)
	if report != nil {
		if werr := writeJSON(a.out, report); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

var migrateScopeCmd = &cobra.Command{
	Use:   "migrate-scope",
	Short: "Consolidate unit collections of a now tenant-wide entity",
	Long: `Copy every document of an entity from its per-unit collections into the
tenant-wide collection, keeping document ids. Documents that already exist
at the destination are skipped, so the command is safe to rerun. Source
collections are left in place.

The entity must already be declared with scope global.

Examples:
  crmstore migrate-scope --tenant acme --entity product
  crmstore migrate-scope --tenant acme --entity product --units sales,service --dry-run`,
	RunE: runMigrateScope,
}

func runMigrateScope(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()

	if a.source != nil {
		if err := a.loadTenant(ctx, migrateTenant); err != nil {
			return fmt.Errorf("loading tenant %s: %w", migrateTenant, err)
		}
	}
	o, err := a.orchestrator(0, 0, migrateDryRun)
	if err != nil {
		return err
	}
	report, err := o.MigrateScope(ctx, migrateTenant, migrateEntity, trimAll(migrateUnits))
	if report != nil {
		if werr := writeJSON(a.out, report); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
