package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pdfchat/internal/chromemdb"
	"pdfchat/internal/config"
	"pdfchat/internal/models"
	"pdfchat/internal/parser"
	"pdfchat/internal/parser/parsertest"
)

var vocabulary = []string{"sky", "blue", "grass", "green", "sea", "salt"}

// wordEmbedder is a deterministic bag-of-words embedder over vocabulary.
type wordEmbedder struct {
	err error
}

func (w *wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.err != nil {
		return nil, w.err
	}
	lower := strings.ToLower(text)
	vec := make([]float32, len(vocabulary)+1)
	for i, word := range vocabulary {
		vec[i] = float32(strings.Count(lower, word))
	}
	vec[len(vocabulary)] = 0.1
	return vec, nil
}

func (w *wordEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := w.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// echoLLM answers from whatever color words appear in the prompt.
type echoLLM struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (e *echoLLM) Generate(_ context.Context, prompt string) (string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, prompt)
	e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	if strings.Contains(prompt, "The sky is blue.") {
		return "The sky is **blue**.", nil
	}
	return "The document does not say.", nil
}

func (e *echoLLM) lastPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prompts) == 0 {
		return ""
	}
	return e.prompts[len(e.prompts)-1]
}

type fixture struct {
	index    *chromemdb.VectorDBManager
	embedder *wordEmbedder
	llm      *echoLLM
	ingestor *Ingestor
	rag      *RAG
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	index, err := chromemdb.NewVectorDBManager("", true, false, "")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{index: index, embedder: &wordEmbedder{}, llm: &echoLLM{}}
	f.ingestor = NewIngestor(f.embedder, index, parser.Options{ChunkSize: 200})
	f.rag = NewRAG(NewKnowledgeAgent(f.embedder, index, f.llm), config.Default())
	return f
}

func writePDF(t *testing.T, pages ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.pdf")
	if err := os.WriteFile(path, parsertest.BuildPDF(pages...), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAnswer_SkyIsBlue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.ingestor.IngestFile(ctx, "col", "sky.pdf", writePDF(t, "The sky is blue."), false)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Added != 1 {
		t.Fatalf("expected 1 chunk added, got %d", res.Added)
	}

	resp, err := f.rag.Answer(ctx, "col", "What color is the sky?", 3)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !strings.Contains(resp.Answer, "blue") {
		t.Errorf("expected answer mentioning blue, got %q", resp.Answer)
	}
	if len(resp.Evidence) != 1 || resp.Evidence[0].Source != "sky.pdf" {
		t.Errorf("unexpected evidence %+v", resp.Evidence)
	}
}

func TestAnswer_EmptyCollectionIsContextFree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.index.Recreate(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}

	resp, err := f.rag.Answer(ctx, "fresh", "What color is the sky?", 5)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(resp.Evidence) != 0 {
		t.Errorf("expected no evidence, got %d", len(resp.Evidence))
	}
	if resp.Answer == "" {
		t.Error("expected a non-empty answer")
	}
	if !strings.Contains(f.llm.lastPrompt(), "No excerpts") {
		t.Errorf("expected context-free prompt, got %q", f.llm.lastPrompt())
	}
}

func TestAnswer_Errors(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	if _, err := f.rag.Answer(ctx, "col", "   ", 3); !errors.Is(err, models.ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}

	f.llm.err = models.ErrGeneration
	if _, err := f.rag.Answer(ctx, "col", "sky?", 3); !errors.Is(err, models.ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}

	f = newFixture(t)
	f.embedder.err = models.ErrEmbeddingService
	if _, err := f.rag.Answer(ctx, "col", "sky?", 3); !errors.Is(err, models.ErrEmbeddingService) {
		t.Errorf("expected ErrEmbeddingService, got %v", err)
	}
}

func TestAnswer_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.rag.Answer(ctx, "col", "sky?", 3); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(f.llm.prompts) != 0 {
		t.Error("expected no generation after cancellation")
	}
}

func TestIngest_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := writePDF(t, "The sky is blue.", "The grass is green.", "The sea is salt.")

	if _, err := f.ingestor.IngestFile(ctx, "col", "a.pdf", path, false); err != nil {
		t.Fatal(err)
	}
	before, _ := f.index.Count(ctx, "col")

	res, err := f.ingestor.IngestFile(ctx, "col", "renamed.pdf", path, false)
	if err != nil {
		t.Fatal(err)
	}
	after, _ := f.index.Count(ctx, "col")
	if before != 3 || after != before || res.Added != 0 {
		t.Errorf("expected stable count 3, got before=%d after=%d added=%d", before, after, res.Added)
	}
}

func TestIngest_ChunkPolicyIsPartOfIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	path := writePDF(t, "The sky is blue and the grass is green.")

	if _, err := f.ingestor.IngestFile(ctx, "col", "a.pdf", path, false); err != nil {
		t.Fatal(err)
	}
	fine := NewIngestor(f.embedder, f.index, parser.Options{ChunkSize: 12})
	res, err := fine.IngestFile(ctx, "col", "a.pdf", path, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks < 2 || res.Added != res.Chunks {
		t.Errorf("expected every chunk of the new policy added, got %+v", res)
	}
	again, err := fine.IngestFile(ctx, "col", "a.pdf", path, false)
	if err != nil {
		t.Fatal(err)
	}
	if again.Added != 0 {
		t.Errorf("expected re-ingestion under the same policy to add nothing, got %d", again.Added)
	}
}

func TestIngest_EmbeddingOutageWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.embedder.err = models.ErrEmbeddingService

	_, err := f.ingestor.IngestFile(ctx, "col", "sky.pdf", writePDF(t, "The sky is blue."), false)
	if !errors.Is(err, models.ErrEmbeddingService) {
		t.Fatalf("expected ErrEmbeddingService, got %v", err)
	}
	if n, _ := f.index.Count(ctx, "col"); n != 0 {
		t.Errorf("expected no entries, got %d", n)
	}
}

func TestIngest_ImageOnlyPDF(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.ingestor.IngestFile(ctx, "col", "scan.pdf", writePDF(t, ""), false)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Chunks != 0 || res.Added != 0 {
		t.Errorf("expected empty ingestion, got %+v", res)
	}
	if _, err := f.rag.Answer(ctx, "col", "anything about the sky?", 3); err != nil {
		t.Errorf("expected answer on empty collection, got %v", err)
	}
}

func TestIngest_MalformedPDF(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "broken.pdf")
	if err := os.WriteFile(path, []byte("not a pdf"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ingestor.IngestFile(context.Background(), "col", "broken.pdf", path, false); !errors.Is(err, models.ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}

func TestBuildPrompt_KeepsRetrievalOrder(t *testing.T) {
	docs := []models.Evidence{
		{Chunk: models.Chunk{Content: "first"}},
		{Chunk: models.Chunk{Content: "second"}},
	}
	p := BuildPrompt("why?", docs)
	if strings.Index(p, "first") > strings.Index(p, "second") {
		t.Error("expected chunks in retrieval order")
	}
	if !strings.HasSuffix(strings.TrimSpace(p), "Question: why?") {
		t.Errorf("expected question at the end, got %q", p)
	}
}
