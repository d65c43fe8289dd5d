// Package embeddings turns entity text into vectors for the vector index.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Embedder generates embeddings for text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a fixed output dimension.
type Provider interface {
	Embedder
	// Dimension returns the embedding dimension for the configured model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig selects and configures an embedding provider.
type ProviderConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint, including TEI)
	// or "hash" (local feature hashing, no network).
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	// Dimension overrides model-based detection when non-zero.
	Dimension int
}

// NewProvider creates the configured provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "tei", "":
		svc, err := NewService(Config{BaseURL: cfg.BaseURL, Model: cfg.Model, APIKey: cfg.APIKey})
		if err != nil {
			return nil, err
		}
		dim := cfg.Dimension
		if dim == 0 {
			dim = DimensionForModel(cfg.Model)
		}
		return &serviceProvider{Service: svc, dimension: dim}, nil
	case "hash":
		dim := cfg.Dimension
		if dim == 0 {
			dim = 384
		}
		return NewHashEmbedder(dim), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// DimensionForModel returns the output dimension of well-known models and
// 384 for anything else.
func DimensionForModel(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding-3-small"), strings.Contains(m, "ada-002"):
		return 1536
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

type serviceProvider struct {
	*Service
	dimension int
}

func (p *serviceProvider) Dimension() int { return p.dimension }

func (p *serviceProvider) Close() error { return nil }
