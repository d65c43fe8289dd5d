package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/crmstore/internal/docstore")

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI      string
	Database string
	// Timeout bounds connection establishment and the initial ping.
	Timeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *MongoConfig) ApplyDefaults() {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "crm"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *MongoConfig) Validate() error {
	if c.URI == "" {
		return errors.New("mongo uri is required")
	}
	if c.Database == "" {
		return errors.New("mongo database is required")
	}
	return nil
}

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.Timeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentMap: true})

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	logger.Info("connected to mongo", zap.String("database", cfg.Database))
	return &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger,
	}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) ValidID(id string) bool {
	_, err := bson.ObjectIDFromHex(id)
	return err == nil
}

func (s *MongoStore) NewID() string {
	return bson.NewObjectID().Hex()
}

func (s *MongoStore) startSpan(ctx context.Context, op, collection string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "docstore."+op, trace.WithAttributes(
		attribute.String("db.system", "mongodb"),
		attribute.String("db.collection", collection),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *MongoStore) Insert(ctx context.Context, collection string, doc Document) (_ Document, err error) {
	ctx, span := s.startSpan(ctx, "insert", collection)
	defer func() { endSpan(span, err) }()

	stored := Clone(doc)
	if id, _ := stored[IDField].(string); id == "" {
		stored[IDField] = s.NewID()
	}
	native, err := toNative(stored)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, native); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateID, stored[IDField])
		}
		return nil, fmt.Errorf("insert into %s: %w", collection, err)
	}
	return stored, nil
}

func (s *MongoStore) InsertIfAbsent(ctx context.Context, collection string, doc Document) (bool, error) {
	if id, _ := doc[IDField].(string); id == "" {
		return false, errors.New("insert if absent: document has no id")
	}
	_, err := s.Insert(ctx, collection, doc)
	if errors.Is(err, ErrDuplicateID) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, filter Filter) (_ Document, _ bool, err error) {
	ctx, span := s.startSpan(ctx, "find_one", collection)
	defer func() { endSpan(span, err) }()

	f, err := nativeFilter(filter)
	if err != nil {
		return nil, false, err
	}
	var raw map[string]any
	err = s.db.Collection(collection).FindOne(ctx, f).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find one in %s: %w", collection, err)
	}
	return fromNative(raw), true, nil
}

func (s *MongoStore) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (_ []Document, err error) {
	ctx, span := s.startSpan(ctx, "find", collection)
	defer func() { endSpan(span, err) }()

	f, err := nativeFilter(filter)
	if err != nil {
		return nil, err
	}
	findOpts := options.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if len(opts.Sort) > 0 {
		sortDoc := bson.D{}
		for _, sf := range opts.Sort {
			dir := 1
			if sf.Desc {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: sf.Field, Value: dir})
		}
		findOpts.SetSort(sortDoc)
	}

	cursor, err := s.db.Collection(collection).Find(ctx, f, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	var raw []map[string]any
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collection, err)
	}
	out := make([]Document, 0, len(raw))
	for _, r := range raw {
		out = append(out, fromNative(r))
	}
	return out, nil
}

func (s *MongoStore) UpdateOne(ctx context.Context, collection string, filter Filter, set Document) (_ Document, _ bool, err error) {
	ctx, span := s.startSpan(ctx, "update_one", collection)
	defer func() { endSpan(span, err) }()

	f, err := nativeFilter(filter)
	if err != nil {
		return nil, false, err
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var raw map[string]any
	err = s.db.Collection(collection).FindOneAndUpdate(ctx, f, bson.M{"$set": set}, opts).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("update in %s: %w", collection, err)
	}
	return fromNative(raw), true, nil
}

func (s *MongoStore) DeleteOne(ctx context.Context, collection string, filter Filter) (_ bool, err error) {
	ctx, span := s.startSpan(ctx, "delete_one", collection)
	defer func() { endSpan(span, err) }()

	f, err := nativeFilter(filter)
	if err != nil {
		return false, err
	}
	res, err := s.db.Collection(collection).DeleteOne(ctx, f)
	if err != nil {
		return false, fmt.Errorf("delete in %s: %w", collection, err)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) Count(ctx context.Context, collection string, filter Filter) (_ int64, err error) {
	ctx, span := s.startSpan(ctx, "count", collection)
	defer func() { endSpan(span, err) }()

	f, err := nativeFilter(filter)
	if err != nil {
		return 0, err
	}
	n, err := s.db.Collection(collection).CountDocuments(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

func (s *MongoStore) ListCollections(ctx context.Context, prefix string) (_ []string, err error) {
	ctx, span := s.startSpan(ctx, "list_collections", prefix)
	defer func() { endSpan(span, err) }()

	filter := bson.M{}
	if prefix != "" {
		filter["name"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
	}
	names, err := s.db.ListCollectionNames(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

func (s *MongoStore) DropCollection(ctx context.Context, collection string) (err error) {
	ctx, span := s.startSpan(ctx, "drop_collection", collection)
	defer func() { endSpan(span, err) }()

	if err := s.db.Collection(collection).Drop(ctx); err != nil {
		return fmt.Errorf("drop %s: %w", collection, err)
	}
	s.logger.Info("dropped collection", zap.String("collection", collection))
	return nil
}

// toNative converts the hex id to an ObjectID.
func toNative(doc Document) (bson.M, error) {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	if id, ok := doc[IDField].(string); ok {
		oid, err := bson.ObjectIDFromHex(id)
		if err != nil {
			return nil, fmt.Errorf("invalid document id %q: %w", id, err)
		}
		out[IDField] = oid
	}
	return out, nil
}

func nativeFilter(filter Filter) (bson.M, error) {
	if filter == nil {
		return bson.M{}, nil
	}
	return toNative(filter)
}

// fromNative converts driver values back to plain Go values.
func fromNative(raw map[string]any) Document {
	out := make(Document, len(raw))
	for k, v := range raw {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC()
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		return fromNative(val)
	case bson.M:
		return fromNative(val)
	default:
		return v
	}
}
