package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("crmstore.vectorstore.qdrant")

// indexedPayloadKeys get keyword payload indexes so filtered queries stay fast.
var indexedPayloadKeys = []string{PayloadTenantID, PayloadUnitID, PayloadEntity, PayloadDocID}

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334
	Port int

	// APIKey authenticates against Qdrant Cloud or a secured server.
	APIKey string

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// Distance is the similarity metric for new collections.
	// Default: Cosine
	Distance qdrant.Distance

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff duration, doubled on each retry.
	// Default: 1 second
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening the circuit.
	// Default: 5
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.Distance == qdrant.Distance_UnknownDistance {
		c.Distance = qdrant.Distance_Cosine
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether err is worth retrying: unavailability,
// timeouts, aborts and rate limiting. Invalid arguments, missing resources
// and auth failures are permanent.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// QdrantBackend implements Backend with Qdrant's native gRPC client.
//
// gRPC avoids the REST layer's request size limit, which matters when a
// reindex upserts large batches.
type QdrantBackend struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// collections caches known-existing collection names.
	collections sync.Map

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

var _ Backend = (*QdrantBackend)(nil)

// NewQdrantBackend connects to Qdrant and performs a health check.
func NewQdrantBackend(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	b := &QdrantBackend{client: client, config: config, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.healthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant backend initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Bool("tls", config.UseTLS),
	)
	return b, nil
}

func (b *QdrantBackend) healthCheck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantBackend.HealthCheck")
	defer span.End()

	if _, err := b.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// Close closes the gRPC connection.
func (b *QdrantBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *QdrantBackend) EnsureCollection(ctx context.Context, name string, dim int) error {
	ctx, span := tracer.Start(ctx, "QdrantBackend.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dim))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if _, ok := b.collections.Load(name); ok {
		return nil
	}

	var exists bool
	err := b.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = b.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checking collection %s: %w", name, err)
	}

	if !exists {
		err = b.retryOperation(ctx, "create_collection", func() error {
			return b.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: b.config.Distance,
				}),
			})
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		for _, key := range indexedPayloadKeys {
			_, err := b.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      key,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
				Wait:           qdrant.PtrOf(true),
			})
			if err != nil {
				// Queries still work without the index, only slower.
				b.logger.Warn("creating payload index failed",
					zap.String("collection", name),
					zap.String("field", key),
					zap.Error(err),
				)
			}
		}
		b.logger.Info("created vector collection", zap.String("collection", name), zap.Int("vector_size", dim))
	}

	b.collections.Store(name, true)
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *QdrantBackend) DeleteCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "QdrantBackend.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	err := b.retryOperation(ctx, "delete_collection", func() error {
		err := b.client.DeleteCollection(ctx, name)
		if isNotFound(err) {
			return nil
		}
		return err
	})
	b.collections.Delete(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *QdrantBackend) Upsert(ctx context.Context, name string, points []Point) error {
	ctx, span := tracer.Start(ctx, "QdrantBackend.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	err := b.retryOperation(ctx, "upsert", func() error {
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         qpoints,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return fmt.Errorf("upserting into %s: %w", name, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *QdrantBackend) Delete(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = qdrant.NewIDUUID(id)
	}
	return b.deletePoints(ctx, name, qdrant.NewPointsSelectorIDs(pids))
}

func (b *QdrantBackend) DeleteWhere(ctx context.Context, name string, filter map[string]string) error {
	if len(filter) == 0 {
		return fmt.Errorf("%w: delete filter cannot be empty", ErrInvalidConfig)
	}
	return b.deletePoints(ctx, name, qdrant.NewPointsSelectorFilter(buildFilter(filter)))
}

func (b *QdrantBackend) deletePoints(ctx context.Context, name string, selector *qdrant.PointsSelector) error {
	ctx, span := tracer.Start(ctx, "QdrantBackend.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	err := b.retryOperation(ctx, "delete", func() error {
		_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         selector,
		})
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from %s: %w", name, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *QdrantBackend) Query(ctx context.Context, name string, vector []float32, limit int, threshold float32, filter map[string]string) ([]ScoredPoint, error) {
	ctx, span := tracer.Start(ctx, "QdrantBackend.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("limit", limit))

	if limit <= 0 {
		return nil, nil
	}

	req := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(threshold),
	}
	if len(filter) > 0 {
		req.Filter = buildFilter(filter)
	}

	var results []*qdrant.ScoredPoint
	err := b.retryOperation(ctx, "query", func() error {
		res, err := b.client.Query(ctx, req)
		if isNotFound(err) {
			results = nil
			return nil
		}
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", name, err)
	}

	out := make([]ScoredPoint, 0, len(results))
	for _, p := range results {
		payload := make(map[string]string, len(p.GetPayload()))
		for k, v := range p.GetPayload() {
			if s, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
				payload[k] = s.StringValue
			}
		}
		out = append(out, ScoredPoint{ID: p.GetId().GetUuid(), Score: p.GetScore(), Payload: payload})
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func buildFilter(filter map[string]string) *qdrant.Filter {
	conds := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		conds = append(conds, qdrant.NewMatchKeyword(k, v))
	}
	return &qdrant.Filter{Must: conds}
}

// retryOperation retries transient failures with exponential backoff.
func (b *QdrantBackend) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := b.config.RetryBackoff

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if b.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		err := operation()
		if err == nil {
			b.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		b.recordFailure()
		if attempt == b.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, b.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (b *QdrantBackend) recordFailure() {
	b.circuitBreaker.mu.Lock()
	defer b.circuitBreaker.mu.Unlock()
	b.circuitBreaker.failures++
	b.circuitBreaker.lastFail = time.Now()
}

func (b *QdrantBackend) resetCircuitBreaker() {
	b.circuitBreaker.mu.Lock()
	defer b.circuitBreaker.mu.Unlock()
	b.circuitBreaker.failures = 0
}

// isCircuitOpen reports an open circuit after too many recent failures.
// The circuit closes again 30 seconds after the last failure.
func (b *QdrantBackend) isCircuitOpen() bool {
	b.circuitBreaker.mu.Lock()
	defer b.circuitBreaker.mu.Unlock()

	if b.circuitBreaker.failures >= b.config.CircuitBreakerThreshold {
		if time.Since(b.circuitBreaker.lastFail) > 30*time.Second {
			b.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}
