package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pdfchat/internal/config"
	"pdfchat/internal/metrics"
	"pdfchat/internal/models"
)

// Embedder turns text into vectors. EmbedMany keeps the input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

const defaultBatchSize = 32

// LLMEmbedder adapts a langchaingo embedder and tags its failures as
// models.ErrEmbeddingService.
type LLMEmbedder struct {
	inner    embeddings.Embedder
	provider string
	model    string
}

func New(inner embeddings.Embedder, provider, model string) *LLMEmbedder {
	return &LLMEmbedder{inner: inner, provider: provider, model: model}
}

// NewFromConfig builds an ollama or OpenAI-compatible embedder.
func NewFromConfig(cfg *config.LLMConfig) (*LLMEmbedder, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating embedder")

	var client embeddings.EmbedderClient
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai embedding client: %w", err)
		}
		client = llm
	default:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama embedding client: %w", err)
		}
		client = llm
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(defaultBatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return New(embedder, cfg.Provider, cfg.Model), nil
}

func (e *LLMEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := e.inner.EmbedQuery(ctx, text)
	e.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingService, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", models.ErrEmbeddingService)
	}
	return vec, nil
}

func (e *LLMEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()
	vecs, err := e.inner.EmbedDocuments(ctx, texts)
	e.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingService, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", models.ErrEmbeddingService, len(vecs), len(texts))
	}
	return vecs, nil
}

func (e *LLMEmbedder) observe(start time.Time, err error) {
	metrics.EmbeddingRequestsTotal.WithLabelValues(e.provider, e.model, metrics.Result(err)).Inc()
	if err == nil {
		metrics.EmbeddingRequestDuration.WithLabelValues(e.provider, e.model).Observe(time.Since(start).Seconds())
	}
}
