package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the OpenAI-compatible API root, e.g.
	// https://api.openai.com/v1 or http://localhost:8080/v1 for TEI.
	BaseURL string
	Model   string
	// APIKey is required by OpenAI and ignored by TEI.
	APIKey string
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Service generates embeddings through langchaingo's OpenAI client.
type Service struct {
	embedder *embeddings.EmbedderImpl
	config   Config
	metrics  *Metrics
}

// NewService creates a new embedding service.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// The client refuses an empty token; TEI ignores it.
		apiKey = "unused"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithEmbeddingModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Service{
		embedder: embedder,
		config:   config,
		metrics:  NewMetrics(zap.NewNop()),
	}, nil
}

// EmbedDocuments generates one embedding per text.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) (_ [][]float32, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordGeneration(ctx, s.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a search query.
func (s *Service) EmbedQuery(ctx context.Context, text string) (_ []float32, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordGeneration(ctx, s.config.Model, "embed_query", time.Since(start), 1, err)
	}()

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}
