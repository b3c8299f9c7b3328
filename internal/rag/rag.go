package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pdfchat/internal/config"
	"pdfchat/internal/embedding"
	"pdfchat/internal/metrics"
	"pdfchat/internal/models"
)

// Index is the vector store the pipeline reads from and writes to.
type Index interface {
	Upsert(ctx context.Context, collection string, entries []models.Entry, recreate bool) (int, error)
	Query(ctx context.Context, collection string, vector []float32, k int) ([]models.Evidence, error)
	Recreate(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Agent can look up evidence for a question and generate text from a prompt.
type Agent interface {
	Retrieve(ctx context.Context, collection, query string, k int) ([]models.Evidence, error)
	Generator
}

// KnowledgeAgent retrieves from an Index and generates with an LLM client.
type KnowledgeAgent struct {
	embedder embedding.Embedder
	index    Index
	llm      Generator
}

func NewKnowledgeAgent(embedder embedding.Embedder, index Index, llm Generator) *KnowledgeAgent {
	return &KnowledgeAgent{embedder: embedder, index: index, llm: llm}
}

func (a *KnowledgeAgent) Retrieve(ctx context.Context, collection, query string, k int) ([]models.Evidence, error) {
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	docs, err := a.index.Query(ctx, collection, vec, k)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (a *KnowledgeAgent) Generate(ctx context.Context, prompt string) (string, error) {
	return a.llm.Generate(ctx, prompt)
}

// RAG answers questions one at a time. It keeps no state between calls.
type RAG struct {
	agent   Agent
	topK    int
	timeout time.Duration
}

func NewRAG(agent Agent, cfg *config.Config) *RAG {
	if cfg == nil {
		cfg = config.Default()
	}
	return &RAG{
		agent:   agent,
		topK:    cfg.RAG.TopK,
		timeout: time.Duration(cfg.RAG.QueryTimeoutSec) * time.Second,
	}
}

// Answer retrieves up to k chunks for query and asks the model to answer
// from them. k <= 0 uses the configured default. No chunks means a
// context-free prompt, not an error.
func (r *RAG) Answer(ctx context.Context, collection, query string, k int) (resp *models.Response, err error) {
	start := time.Now()
	defer func() {
		metrics.QuestionsTotal.WithLabelValues(metrics.Result(err)).Inc()
		metrics.AnswerDuration.Observe(time.Since(start).Seconds())
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.ErrEmptyQuery
	}
	if k <= 0 {
		k = r.topK
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	docs, err := r.agent.Retrieve(ctx, collection, query, k)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}
	log.Debug().Str("collection", collection).Int("evidence", len(docs)).Msg("Retrieved context")

	answer, err := r.agent.Generate(ctx, BuildPrompt(query, docs))
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	return &models.Response{Query: query, Answer: answer, Evidence: docs}, nil
}

// BuildPrompt joins the retrieved chunks in order, followed by the question.
func BuildPrompt(query string, docs []models.Evidence) string {
	if len(docs) == 0 {
		return fmt.Sprintf(models.NoContextPromptTemplate, query)
	}
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		parts = append(parts, doc.Chunk.Content)
	}
	return fmt.Sprintf(models.AnswerPromptTemplate, strings.Join(parts, models.ContextSeparator), query)
}

// Sources renders evidence as "file p.N" lines for display.
func Sources(docs []models.Evidence) string {
	var b strings.Builder
	for _, doc := range docs {
		fmt.Fprintf(&b, "%s p.%d #%d (%.3f)\n", doc.Source, doc.Chunk.PageNumber, doc.Chunk.ChunkID, doc.Score)
	}
	return b.String()
}
