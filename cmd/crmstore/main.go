// Package main implements the crmstore CLI for maintenance runs against
// the entity store: rebuilding secondary indexes, consolidating the
// collections of entities that became tenant-wide, and broadcasting config
// changes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath is the process config file.
	configPath string
	// version information
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crmstore",
	Short: "Maintenance CLI for the crmstore entity store",
	Long: `crmstore runs maintenance operations against the tenant entity store.

Connections come from the config file and CRMSTORE_* environment variables.
Tenant definitions are read from the directory set in tenants.dir.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file (YAML)")
}

func defaultConfigPath() string {
	if p := os.Getenv("CRMSTORE_CONFIG"); p != "" {
		return p
	}
	return "/etc/crmstore/config.yaml"
}
