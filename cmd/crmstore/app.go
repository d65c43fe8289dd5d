package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/backfill"
	"github.com/fyrsmithlabs/crmstore/internal/config"
	"github.com/fyrsmithlabs/crmstore/internal/configcache"
	"github.com/fyrsmithlabs/crmstore/internal/configsource"
	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/embeddings"
	"github.com/fyrsmithlabs/crmstore/internal/entities"
	"github.com/fyrsmithlabs/crmstore/internal/logging"
	"github.com/fyrsmithlabs/crmstore/internal/permissions"
	"github.com/fyrsmithlabs/crmstore/internal/repository"
	"github.com/fyrsmithlabs/crmstore/internal/search"
	"github.com/fyrsmithlabs/crmstore/internal/telemetry"
	"github.com/fyrsmithlabs/crmstore/internal/validator"
	"github.com/fyrsmithlabs/crmstore/internal/vectorstore"
)

// app holds the wired dependencies of one CLI invocation.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	out    io.Writer

	store      docstore.Store
	configs    *configcache.Cache
	validators *validator.Cache
	source     *configsource.Source
	service    *entities.Service

	// search and vectors are nil when disabled.
	search  *search.Index
	vectors *vectorstore.Index

	closers []func(context.Context) error
}

// openApp builds the app for a command that touches the stores. Tests
// replace it.
var openApp = newApp

// openBase builds the app for commands that only need config and the
// tenant directory.
var openBase = newBaseApp

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	a, err := newBaseApp(ctx, out)
	if err != nil {
		return nil, err
	}
	if err := a.connect(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	if err := a.wire(); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func newBaseApp(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(loggingConfig(cfg.Logging), global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &app{
		cfg:        cfg,
		logger:     logger,
		out:        out,
		configs:    configcache.New(),
		validators: validator.NewCache(),
	}
	a.closers = append(a.closers, func(context.Context) error { return logger.Sync() })

	tel, err := telemetry.New(ctx, telemetryConfig(cfg.Telemetry), logger)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, tel.Shutdown)

	if cfg.Tenants.Dir != "" {
		src, err := configsource.New(cfg.Tenants.Dir, logger)
		if err != nil {
			_ = a.close(ctx)
			return nil, err
		}
		a.source = src
	}
	return a, nil
}

// connect opens the primary store and the enabled indexes.
func (a *app) connect(ctx context.Context) error {
	z := a.logger.Underlying()
	cfg := a.cfg

	store, err := docstore.NewMongoStore(ctx, docstore.MongoConfig{
		URI:      cfg.Mongo.URI.Value(),
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout.Duration(),
	}, z)
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	if cfg.Search.Enabled {
		idx, err := search.NewRedisIndex(ctx, search.Config{
			Addr:     cfg.Search.Addr,
			Password: cfg.Search.Password.Value(),
			DB:       cfg.Search.DB,
		}, z)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.search = idx
		a.closers = append(a.closers, func(context.Context) error { return idx.Close() })
	}

	if cfg.Vectors.Enabled {
		idx, err := openVectors(ctx, cfg, z)
		if err != nil {
			return err
		}
		a.vectors = idx
		a.closers = append(a.closers, func(context.Context) error { return idx.Close() })
	}

	return nil
}

func openVectors(ctx context.Context, cfg *config.Config, z *zap.Logger) (*vectorstore.Index, error) {
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		Dimension: cfg.Vectors.VectorSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	var backend vectorstore.Backend
	switch cfg.Vectors.Provider {
	case "qdrant":
		backend, err = vectorstore.NewQdrantBackend(ctx, vectorstore.QdrantConfig{
			Host:   cfg.Vectors.Qdrant.Host,
			Port:   cfg.Vectors.Qdrant.Port,
			APIKey: cfg.Vectors.Qdrant.APIKey.Value(),
			UseTLS: cfg.Vectors.Qdrant.UseTLS,
		}, z)
	default:
		backend, err = vectorstore.NewChromemBackend(vectorstore.ChromemConfig{
			Path:     cfg.Vectors.Chromem.Path,
			Compress: cfg.Vectors.Chromem.Compress,
		}, z)
	}
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("opening %s vector backend: %w", cfg.Vectors.Provider, err)
	}
	return vectorstore.NewIndex(backend, provider, provider.Dimension(), z)
}

// wire builds the entity service over the connections.
func (a *app) wire() error {
	cfg := entities.Config{
		Repository:         repository.New(a.store, repository.WithLogger(a.logger.Underlying())),
		Configs:            a.configs,
		Validators:         a.validators,
		Permissions:        permissions.NewCache(),
		EnforcePermissions: a.cfg.Permissions.Enforce,
		ScoreThreshold:     a.cfg.Vectors.ScoreThreshold,
		Logger:             a.logger,
	}
	if a.source != nil {
		cfg.Loader = a.source
	}
	if a.search != nil {
		cfg.Search = a.search
	}
	if a.vectors != nil {
		cfg.Vectors = a.vectors
	}
	svc, err := entities.NewService(cfg)
	if err != nil {
		return err
	}
	a.service = svc
	return nil
}

// loadTenant reads the tenant's bundle into the config cache.
func (a *app) loadTenant(ctx context.Context, tenantID string) error {
	if a.source == nil {
		return errors.New("tenants.dir is not configured")
	}
	return a.source.Fill(ctx, a.configs, tenantID)
}

func (a *app) orchestrator(workers int, rate float64, dryRun bool) (*backfill.Orchestrator, error) {
	cfg := backfill.Config{
		Store:       a.store,
		Definitions: a.service,
		Units:       a.configs,
		Entities:    a.configs,
		Workers:     a.cfg.Backfill.Workers,
		RatePerSec:  a.cfg.Backfill.RatePerSec,
		BatchSize:   a.cfg.Backfill.BatchSize,
		DryRun:      dryRun,
		Logger:      a.logger,
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if rate > 0 {
		cfg.RatePerSec = rate
	}
	if a.search != nil {
		cfg.Search = a.search
	}
	if a.vectors != nil {
		cfg.Vectors = a.vectors
	}
	return backfill.New(cfg)
}

// close releases everything in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loggingConfig(c config.LoggingConfig) *logging.Config {
	lc := logging.NewDefaultConfig()
	lc.Level = c.Level
	lc.Format = c.Format
	lc.Output.OTEL = c.OTEL
	return lc
}

func telemetryConfig(c config.TelemetryConfig) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = c.Enabled
	tc.Endpoint = c.Endpoint
	tc.Protocol = c.Protocol
	tc.Insecure = c.Insecure
	tc.SampleRate = c.SampleRate
	tc.ServiceVersion = version
	return tc
}
