package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crmstore/internal/docstore"
	"github.com/fyrsmithlabs/crmstore/internal/schema"
	"github.com/fyrsmithlabs/crmstore/internal/tenant"
)

var tracer = otel.Tracer("crmstore.search")

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr required", ErrInvalidConfig)
	}
	if c.DB < 0 {
		return fmt.Errorf("%w: db cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Hit is one search result.
type Hit struct {
	ID       string            `json:"id"`
	Document map[string]string `json:"document"`
}

// Result is one page of search results.
type Result struct {
	Hits  []Hit `json:"hits"`
	Found int   `json:"found"`
	Page  int   `json:"page"`
}

// Index is the RediSearch adapter.
type Index struct {
	client redis.UniversalClient
	logger *zap.Logger

	// known caches index names confirmed to exist.
	known sync.Map
}

// NewRedisIndex connects to Redis and verifies the connection.
//
// The client speaks RESP2 because go-redis only decodes FT.SEARCH replies
// into typed results on that protocol.
func NewRedisIndex(ctx context.Context, cfg Config, logger *zap.Logger) (*Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Protocol: 2,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewIndex(client, logger), nil
}

// NewIndex wraps an existing client, which must use RESP2.
func NewIndex(client redis.UniversalClient, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{client: client, logger: logger}
}

// Name returns the index name for def in tc.
func Name(tc tenant.Context, def *schema.EntityDefinition) string {
	return tenant.CollectionName(tc.TenantID, tc.UnitID, def.Name, def.Scope)
}

// Key returns the hash key of document id in index.
func Key(index, id string) string {
	return index + ":" + id
}

// EnsureCollection creates the index for def if it does not exist.
func (x *Index) EnsureCollection(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error {
	name := Name(tc, def)
	if _, ok := x.known.Load(name); ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "search.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("index", name))

	existing, err := x.client.FT_List(ctx).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("listing indexes: %w", err)
	}
	if !slices.Contains(existing, name) {
		err := x.client.FTCreate(ctx, name, &redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{Key(name, "")},
		}, Schema(def)...).Err()
		if err != nil && !isAlreadyExists(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating index %s: %w", name, err)
		}
		x.logger.Info("created search index", zap.String("index", name))
	}

	x.known.Store(name, true)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Drop removes the index for def and every document hash it covers.
func (x *Index) Drop(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition) error {
	name := Name(tc, def)
	ctx, span := tracer.Start(ctx, "search.Drop")
	defer span.End()
	span.SetAttributes(attribute.String("index", name))

	x.known.Delete(name)
	err := x.client.FTDropIndexWithArgs(ctx, name, &redis.FTDropIndexOptions{DeleteDocs: true}).Err()
	if err != nil && !isUnknownIndex(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("dropping index %s: %w", name, err)
	}
	return nil
}

// Upsert replaces the document's hash. Replacing instead of merging keeps
// fields removed from the document out of the index.
func (x *Index) Upsert(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, doc docstore.Document) error {
	id, ok := doc[docstore.IDField].(string)
	if !ok || id == "" {
		return fmt.Errorf("upsert %s: document has no id", def.Name)
	}
	key := Key(Name(tc, def), id)

	ctx, span := tracer.Start(ctx, "search.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	fields := Encode(def, doc)
	_, err := x.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting %s: %w", key, err)
	}
	return nil
}

// Delete removes document id. Deleting a missing document is not an error.
func (x *Index) Delete(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, id string) error {
	key := Key(Name(tc, def), id)
	if err := x.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Search runs q against the entity index visible to tc.
func (x *Index) Search(ctx context.Context, tc tenant.Context, def *schema.EntityDefinition, q Query) (*Result, error) {
	name := Name(tc, def)
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()
	span.SetAttributes(attribute.String("index", name))

	query, err := BuildQuery(tc, def, q)
	if err != nil {
		return nil, err
	}
	opts, err := searchOptions(def, q)
	if err != nil {
		return nil, err
	}

	res, err := x.client.FTSearchWithArgs(ctx, name, query, opts).Result()
	if err != nil {
		if isUnknownIndex(err) {
			return &Result{Hits: []Hit{}, Page: q.normalized().Page}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching %s: %w", name, err)
	}

	prefix := Key(name, "")
	out := &Result{Hits: make([]Hit, 0, len(res.Docs)), Found: res.Total, Page: q.normalized().Page}
	for _, d := range res.Docs {
		out.Hits = append(out.Hits, Hit{ID: strings.TrimPrefix(d.ID, prefix), Document: d.Fields})
	}
	span.SetAttributes(attribute.Int("found", res.Total))
	return out, nil
}

// Close closes the Redis client.
func (x *Index) Close() error {
	return x.client.Close()
}

func isAlreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}
