package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/configsource"
	"github.com/fyrsmithlabs/crmstore/internal/invalidation"
	"github.com/fyrsmithlabs/crmstore/internal/permissions"
)

var (
	checkTenant      string
	invalidateTenant string
	invalidateAll    bool
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&checkTenant, "tenant", "t", "", "Tenant ID (default: every tenant in tenants.dir)")

	rootCmd.AddCommand(invalidateCmd)
	invalidateCmd.Flags().StringVarP(&invalidateTenant, "tenant", "t", "", "Tenant ID")
	invalidateCmd.Flags().BoolVar(&invalidateAll, "all", false, "Invalidate every tenant")

	rootCmd.AddCommand(watchCmd)
}

// tenantCheck is the check result for one tenant.
type tenantCheck struct {
	TenantID string        `json:"tenant_id"`
	Units    int           `json:"units"`
	Entities []entityCheck `json:"entities,omitempty"`
	Roles    int           `json:"roles"`
	Error    string        `json:"error,omitempty"`
}

type entityCheck struct {
	Name   string `json:"name"`
	Scope  string `json:"scope"`
	Fields int    `json:"fields"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate tenant config bundles",
	Long: `Load tenant bundles from tenants.dir and compile every entity's create
and update validators and the tenant's permission rules. Nothing is written.

Examples:
  crmstore check
  crmstore check --tenant acme`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openBase(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()
	if a.source == nil {
		return errors.New("tenants.dir is not configured")
	}

	tenants := []string{checkTenant}
	if checkTenant == "" {
		if tenants, err = a.source.Tenants(); err != nil {
			return err
		}
	}

	results := make([]tenantCheck, 0, len(tenants))
	failed := 0
	for _, id := range tenants {
		res := a.checkTenant(ctx, id)
		if res.Error != "" {
			failed++
		}
		results = append(results, res)
	}
	if err := writeJSON(a.out, results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants failed validation", failed, len(tenants))
	}
	return nil
}

func (a *app) checkTenant(ctx context.Context, tenantID string) tenantCheck {
	res := tenantCheck{TenantID: tenantID}
	fail := func(err error) tenantCheck {
		res.Error = err.Error()
		a.logger.Warn(ctx, "tenant config invalid", zap.String("tenant", tenantID), zap.Error(err))
		return res
	}

	if err := a.loadTenant(ctx, tenantID); err != nil {
		return fail(err)
	}
	units, _ := a.configs.GetUnits(tenantID)
	res.Units = len(units)

	defs, _ := a.configs.GetEntities(tenantID)
	for _, def := range defs {
		if _, err := a.validators.GetOrCompile(tenantID, def); err != nil {
			return fail(err)
		}
		if _, err := a.validators.GetOrCompileUpdate(tenantID, def); err != nil {
			return fail(err)
		}
		res.Entities = append(res.Entities, entityCheck{Name: def.Name, Scope: def.Scope.String(), Fields: len(def.Fields)})
	}

	perms, _ := a.configs.GetPermissions(tenantID)
	if _, err := permissions.NewChecker(perms); err != nil {
		return fail(err)
	}
	res.Roles = len(perms.Roles)
	return res
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Tell running services to drop cached tenant config",
	Long: `Publish a config invalidation on NATS. Every service subscribed to
invalidation.subject clears its config, validator and permission caches for
the tenant and reloads on next use.

Examples:
  crmstore invalidate --tenant acme
  crmstore invalidate --all`,
	RunE: runInvalidate,
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	if (invalidateTenant == "") == !invalidateAll {
		return errors.New("exactly one of --tenant or --all is required")
	}
	ctx := cmd.Context()
	a, err := openBase(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()

	pub, err := a.publisher()
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, invalidateTenant); err != nil {
		return err
	}
	if err := pub.Flush(ctx); err != nil {
		return fmt.Errorf("flushing invalidation: %w", err)
	}
	if invalidateAll {
		fmt.Fprintln(a.out, "Invalidated all tenants")
	} else {
		fmt.Fprintf(a.out, "Invalidated tenant %s\n", invalidateTenant)
	}
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Publish invalidations when tenant config files change",
	Long: `Watch tenants.dir and publish an invalidation for a tenant whenever one
of its files changes. Runs until interrupted.

Requires invalidation.nats_url.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openBase(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = a.close(ctx) }()
	if a.source == nil {
		return errors.New("tenants.dir is not configured")
	}

	pub, err := a.publisher()
	if err != nil {
		return err
	}
	w, err := configsource.NewWatcher(a.source, pub)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	a.logger.Info(ctx, "watching tenant configs", zap.String("dir", a.source.Root()))
	<-ctx.Done()
	return nil
}

// publisher connects to NATS and registers the connection for close.
func (a *app) publisher() (*invalidation.Publisher, error) {
	if a.cfg.Invalidation.NATSURL == "" {
		return nil, errors.New("invalidation.nats_url is not configured")
	}
	nc, err := invalidation.Connect(a.cfg.Invalidation.NATSURL, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error {
		nc.Close()
		return nil
	})
	return invalidation.NewPublisher(nc, a.cfg.Invalidation.Subject, a.logger)
}
