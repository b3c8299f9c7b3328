package rag

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"pdfchat/internal/embedding"
	"pdfchat/internal/helper"
	"pdfchat/internal/metrics"
	"pdfchat/internal/models"
	"pdfchat/internal/parser"
)

// IngestResult summarises one ingestion.
type IngestResult struct {
	Document models.Document
	Chunks   int
	Added    int
}

// Ingestor chunks, embeds and indexes documents.
type Ingestor struct {
	embedder embedding.Embedder
	index    Index
	opts     parser.Options
}

func NewIngestor(embedder embedding.Embedder, index Index, opts parser.Options) *Ingestor {
	return &Ingestor{embedder: embedder, index: index, opts: opts}
}

// IngestFile parses the file at path and indexes it under name. The entry ids
// come from the file's bytes, so the same content is never indexed twice.
func (i *Ingestor) IngestFile(ctx context.Context, collection, name, path string, recreate bool) (res IngestResult, err error) {
	defer func() {
		metrics.IngestionsTotal.WithLabelValues(metrics.Result(err)).Inc()
	}()

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	digest, size, err := helper.DigestReader(f)
	f.Close()
	if err != nil {
		return res, fmt.Errorf("failed to hash document: %w", err)
	}
	doc := models.Document{Name: name, Digest: digest, Size: size}

	chunks, err := parser.ParseFile(path, i.opts)
	if err != nil {
		return res, err
	}
	return i.Ingest(ctx, collection, doc, chunks, recreate)
}

// Ingest embeds every chunk before writing anything, so an embedding failure
// leaves the collection untouched.
func (i *Ingestor) Ingest(ctx context.Context, collection string, doc models.Document, chunks []models.Chunk, recreate bool) (IngestResult, error) {
	res := IngestResult{Document: doc, Chunks: len(chunks)}
	if len(chunks) == 0 {
		log.Info().Str("document", doc.Name).Msg("No chunks generated from content")
		if recreate {
			if err := i.index.Recreate(ctx, collection); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	texts := make([]string, len(chunks))
	for n, c := range chunks {
		texts[n] = c.Content
	}
	vectors, err := i.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return res, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	policy := i.opts.Policy()
	entries := make([]models.Entry, len(chunks))
	for n, c := range chunks {
		entries[n] = models.Entry{
			ID:        helper.EntryID(doc.Digest, policy, c),
			Chunk:     c,
			Source:    doc.Name,
			Digest:    doc.Digest,
			Embedding: vectors[n],
		}
	}

	added, err := i.index.Upsert(ctx, collection, entries, recreate)
	if err != nil {
		return res, err
	}
	res.Added = added
	metrics.ChunksIndexedTotal.Add(float64(added))

	log.Info().
		Str("collection", collection).
		Str("document", doc.Name).
		Int("chunks", len(chunks)).
		Int("added", added).
		Msg("Indexed document")
	return res, nil
}
