package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crmstore/internal/backfill"
	"github.com/fyrsmithlabs/crmstore/internal/config"
	"github.com/fyrsmithlabs/crmstore/internal/configcache"
	"github.com/fyrsmithlabs/crmstore/internal/configsource"
	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/embeddings"
	"github.com/fyrsmithlabs/crmstore/internal/invalidation"
	"github.com/fyrsmithlabs/crmstore/internal/logging"
	"github.com/fyrsmithlabs/crmstore/internal/repository"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
	"github.com/fyrsmithlabs/crmstore/internal/validator"
	"github.com/fyrsmithlabs/crmstore/internal/vectorstore"
)

const (
	acmeTenant = "tenant_id: acme\nname: Acme Corp\n"
	acmeUnits  = `
units:
  - unit_id: sales
  - unit_id: support
`
	acmeEntities = `
entities:
  - name: contact
    fields:
      - name: name
        type: string
        required: true
        searchable: true
        embeddable: true
  - name: product
    scope: tenant
    fields:
      - name: title
        type: string
        embeddable: true
`
	acmePermissions = `
roles:
  - role: admin
    scopes: ["*"]
`
)

func writeTenants(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "acme")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range map[string]string{
		configsource.TenantFile:      acmeTenant,
		configsource.UnitsFile:       acmeUnits,
		configsource.EntitiesFile:    acmeEntities,
		configsource.PermissionsFile: acmePermissions,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return root
}

// newTestApp builds an app over an in-memory store and vector index.
func newTestApp(t *testing.T, out io.Writer, store docstore.Store) *app {
	t.Helper()
	src, err := configsource.New(writeTenants(t), nil)
	require.NoError(t, err)

	backend, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	vectors, err := vectorstore.NewIndex(backend, embeddings.NewHashEmbedder(64), 64, nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Search.Enabled = false
	a := &app{
		cfg:        cfg,
		logger:     logging.Nop(),
		out:        out,
		store:      store,
		configs:    configcache.New(),
		validators: validator.NewCache(),
		source:     src,
		vectors:    vectors,
	}
	require.NoError(t, a.wire())
	return a
}

func useApp(t *testing.T, a *app) {
	t.Helper()
	prevApp, prevBase := openApp, openBase
	open := func(context.Context, io.Writer) (*app, error) { return a, nil }
	openApp, openBase = open, open
	t.Cleanup(func() { openApp, openBase = prevApp, prevBase })
}

func newCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd
}

func TestRootCommand(t *testing.T) {
	for _, name := range []string{"reindex", "migrate-scope", "check", "invalidate", "watch"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestReindexCommand_Flags(t *testing.T) {
	for _, name := range []string{"tenant", "unit", "entity", "dry-run", "workers", "rate"} {
		assert.NotNil(t, reindexCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "t", reindexCmd.Flags().Lookup("tenant").Shorthand)
	for _, name := range []string{"tenant", "entity", "units", "dry-run"} {
		assert.NotNil(t, migrateScopeCmd.Flags().Lookup(name), name)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("CRMSTORE_CONFIG", "/tmp/crm.yaml")
	assert.Equal(t, "/tmp/crm.yaml", defaultConfigPath())
	t.Setenv("CRMSTORE_CONFIG", "")
	assert.Equal(t, "/etc/crmstore/config.yaml", defaultConfigPath())
}

func TestRunReindex(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	store := docstore.NewMemoryStore()
	a := newTestApp(t, &out, store)
	useApp(t, a)

	require.NoError(t, a.loadTenant(ctx, "acme"))
	def, err := a.service.Definition(ctx, "acme", "contact")
	require.NoError(t, err)
	repo := repository.New(store)
	sales := tenant.Context{TenantID: "acme", UnitID: "sales"}
	for _, n := range []string{"Ada", "Grace"} {
		_, err := repo.Create(ctx, sales, "contact", map[string]any{"name": n}, &def)
		require.NoError(t, err)
	}

	reindexTenant, reindexUnit, reindexEntity = "acme", "sales", "contact"
	t.Cleanup(func() { reindexTenant, reindexUnit, reindexEntity = "", "", "" })
	require.NoError(t, runReindex(newCmd(&out), nil))

	var report backfill.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, backfill.OpReindex, report.Operation)
	assert.Equal(t, int64(2), report.Migrated)
	assert.Zero(t, report.Failed)

	hits, err := a.vectors.Search(ctx, sales, &def, "Ada", 10, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestRunReindex_UnknownEntity(t *testing.T) {
	var out bytes.Buffer
	useApp(t, newTestApp(t, &out, docstore.NewMemoryStore()))

	reindexTenant, reindexUnit, reindexEntity = "acme", "sales", "invoice"
	t.Cleanup(func() { reindexTenant, reindexUnit, reindexEntity = "", "", "" })
	assert.Error(t, runReindex(newCmd(&out), nil))
	assert.Empty(t, out.String())
}

func TestRunMigrateScope(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	store := docstore.NewMemoryStore()
	useApp(t, newTestApp(t, &out, store))

	for unit, id := range map[string]string{"sales": "65f000000000000000000001", "support": "65f000000000000000000002"} {
		_, err := store.Insert(ctx, "acme_"+unit+"_product", docstore.Document{
			docstore.IDField: id,
			"tenant_id":      "acme",
			"unit_id":        unit,
			"title":          "widget " + unit,
		})
		require.NoError(t, err)
	}

	migrateTenant, migrateEntity, migrateUnits = "acme", "product", []string{" sales ", "support", ""}
	t.Cleanup(func() { migrateTenant, migrateEntity, migrateUnits = "", "", nil })
	require.NoError(t, runMigrateScope(newCmd(&out), nil))

	var report backfill.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, int64(2), report.Migrated)
	assert.Equal(t, "acme_product", report.Destination)
	assert.Equal(t, []string{"acme_sales_product", "acme_support_product"}, report.Sources)

	migrated := store.Collection("acme_product")
	require.Len(t, migrated, 2)
	for _, doc := range migrated {
		assert.NotContains(t, doc, "unit_id")
	}
}

func TestRunCheck(t *testing.T) {
	var out bytes.Buffer
	useApp(t, newTestApp(t, &out, docstore.NewMemoryStore()))

	require.NoError(t, runCheck(newCmd(&out), nil))

	var results []tenantCheck
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "acme", results[0].TenantID)
	assert.Equal(t, 2, results[0].Units)
	assert.Equal(t, 1, results[0].Roles)
	assert.Empty(t, results[0].Error)
	require.Len(t, results[0].Entities, 2)
	assert.Equal(t, entityCheck{Name: "product", Scope: "tenant", Fields: 1}, results[0].Entities[1])
}

func TestRunCheck_ReportsBrokenTenant(t *testing.T) {
	var out bytes.Buffer
	a := newTestApp(t, &out, docstore.NewMemoryStore())
	useApp(t, a)

	dir := filepath.Join(a.source.Root(), "broken")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configsource.TenantFile), []byte("tenant_id: other\n"), 0o600))

	err := runCheck(newCmd(&out), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 tenants failed")

	var results []tenantCheck
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)
}

func TestRunInvalidate(t *testing.T) {
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go server.Start()
	require.True(t, server.ReadyForConnections(5*time.Second))
	t.Cleanup(server.Shutdown)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync(invalidation.DefaultSubject)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	var out bytes.Buffer
	a := newTestApp(t, &out, docstore.NewMemoryStore())
	a.cfg.Invalidation.NATSURL = server.ClientURL()
	useApp(t, a)
	t.Cleanup(func() { _ = a.close(context.Background()) })

	invalidateTenant = "acme"
	t.Cleanup(func() { invalidateTenant = "" })
	require.NoError(t, runInvalidate(newCmd(&out), nil))
	assert.Contains(t, out.String(), "Invalidated tenant acme")

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var got invalidation.Message
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "acme", got.TenantID)
}

func TestRunInvalidate_RequiresTarget(t *testing.T) {
	invalidateTenant, invalidateAll = "", false
	assert.Error(t, runInvalidate(newCmd(io.Discard), nil))

	invalidateTenant, invalidateAll = "acme", true
	t.Cleanup(func() { invalidateTenant, invalidateAll = "", false })
	assert.Error(t, runInvalidate(newCmd(io.Discard), nil))
}

func TestRunWatch_RequiresNATS(t *testing.T) {
	useApp(t, newTestApp(t, io.Discard, docstore.NewMemoryStore()))
	err := runWatch(newCmd(io.Discard), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats_url")
}

func TestNewBaseApp_FromConfigFile(t *testing.T) {
	root := writeTenants(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenants:\n  dir: "+root+"\nlogging:\n  level: error\n"), 0o600))

	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })

	a, err := newBaseApp(context.Background(), io.Discard)
	require.NoError(t, err)
	defer func() { _ = a.close(context.Background()) }()
	require.NotNil(t, a.source)
	assert.Equal(t, root, a.source.Root())
	assert.Nil(t, a.store)
	assert.NotNil(t, a.configs)
}
