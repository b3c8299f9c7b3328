package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"pdfchat/internal/models"
)

func newMemoryManager(t *testing.T) *VectorDBManager {
	t.Helper()
	m, err := NewVectorDBManager("", true, false, "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewVectorDBManager: %v", err)
	}
	return m
}

func entry(id string, page int, vec ...float32) models.Entry {
	return models.Entry{
		ID:        id,
		Chunk:     models.Chunk{Content: "content " + id, PageNumber: page, ChunkID: 1},
		Source:    "doc.pdf",
		Digest:    "digest",
		Embedding: vec,
	}
}

func testEntries() []models.Entry {
	return []models.Entry{
		entry("a", 1, 1, 0, 0),
		entry("b", 2, 0, 1, 0),
		entry("c", 3, 0, 0, 1),
		entry("d", 4, 1, 1, 0),
	}
}

func TestUpsert_SelfRetrievalTop1(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	entries := testEntries()
	if _, err := m.Upsert(ctx, "col", entries, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for _, e := range entries {
		res, err := m.Query(ctx, "col", e.Embedding, 1)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(res) != 1 || res[0].ID != e.ID {
			t.Errorf("expected %s at top-1, got %+v", e.ID, res)
		}
		if res[0].Chunk.PageNumber != e.Chunk.PageNumber || res[0].Source != "doc.pdf" {
			t.Errorf("metadata not restored: %+v", res[0])
		}
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)

	added, err := m.Upsert(ctx, "col", testEntries(), false)
	if err != nil || added != 4 {
		t.Fatalf("first upsert: added=%d err=%v", added, err)
	}
	added, err = m.Upsert(ctx, "col", testEntries(), false)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if added != 0 {
		t.Errorf("expected 0 added on second upsert, got %d", added)
	}
	if n, _ := m.Count(ctx, "col"); n != 4 {
		t.Errorf("expected 4 entries, got %d", n)
	}
}

func TestUpsert_DuplicateIDsInBatch(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	added, err := m.Upsert(ctx, "col", []models.Entry{entry("a", 1, 1, 0), entry("a", 1, 1, 0)}, false)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if added != 1 {
		t.Errorf("expected 1 added, got %d", added)
	}
}

func TestUpsert_Recreate(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	if _, err := m.Upsert(ctx, "col", testEntries(), false); err != nil {
		t.Fatal(err)
	}
	added, err := m.Upsert(ctx, "col", testEntries()[:2], true)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if added != 2 {
		t.Errorf("expected 2 added after recreate, got %d", added)
	}
	if n, _ := m.Count(ctx, "col"); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestUpsert_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	if _, err := m.Upsert(ctx, "col", testEntries(), false); err != nil {
		t.Fatal(err)
	}
	_, err := m.Upsert(ctx, "col", []models.Entry{entry("z", 1, 1, 0)}, false)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	_, err = m.Upsert(ctx, "other", []models.Entry{entry("x", 1, 1, 0), entry("y", 1, 1, 0, 0)}, false)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch for mixed batch, got %v", err)
	}
}

func TestQuery_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	if _, err := m.Upsert(ctx, "col", testEntries(), false); err != nil {
		t.Fatal(err)
	}
	_, err := m.Query(ctx, "col", []float32{1, 0}, 2)
	if !errors.Is(err, models.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestRecreate_EmptiesCollection(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	if _, err := m.Upsert(ctx, "col", testEntries(), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Recreate(ctx, "col"); err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if n, _ := m.Count(ctx, "col"); n != 0 {
		t.Errorf("expected empty collection, got %d", n)
	}
	if err := m.Recreate(ctx, "never-created"); err != nil {
		t.Errorf("Recreate on a missing collection: %v", err)
	}
}

func TestQuery_OrderAndLimit(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	if _, err := m.Upsert(ctx, "col", testEntries(), false); err != nil {
		t.Fatal(err)
	}

	for k := 1; k <= 6; k++ {
		res, err := m.Query(ctx, "col", []float32{1, 0.5, 0.1}, k)
		if err != nil {
			t.Fatalf("Query k=%d: %v", k, err)
		}
		if len(res) > k {
			t.Errorf("k=%d: got %d results", k, len(res))
		}
		for i := 1; i < len(res); i++ {
			if res[i].Score > res[i-1].Score {
				t.Errorf("k=%d: scores not descending at %d: %v > %v", k, i, res[i].Score, res[i-1].Score)
			}
		}
	}
}

func TestQuery_TiesInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)
	var entries []models.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, entry(fmt.Sprintf("tie-%d", i), i+1, 1, 1))
	}
	if _, err := m.Upsert(ctx, "col", entries, false); err != nil {
		t.Fatal(err)
	}

	res, err := m.Query(ctx, "col", []float32{1, 1}, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for i, r := range res {
		if want := fmt.Sprintf("tie-%d", i); r.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, r.ID)
		}
	}
}

func TestQuery_EmptyOrMissingCollection(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)

	res, err := m.Query(ctx, "missing", []float32{1, 0}, 5)
	if err != nil || len(res) != 0 {
		t.Errorf("missing collection: expected empty, got %v, %v", res, err)
	}
	if err := m.Recreate(ctx, "empty"); err != nil {
		t.Fatal(err)
	}
	res, err = m.Query(ctx, "empty", []float32{1, 0}, 5)
	if err != nil || len(res) != 0 {
		t.Errorf("empty collection: expected empty, got %v, %v", res, err)
	}
	res, err = m.Query(ctx, "empty", []float32{1, 0}, 0)
	if err != nil || len(res) != 0 {
		t.Errorf("k=0: expected empty, got %v, %v", res, err)
	}
}

func TestPersistence_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	m, err := NewVectorDBManager(dir, false, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Upsert(ctx, "col", testEntries(), false); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewVectorDBManager(dir, false, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := reopened.Count(ctx, "col"); n != 4 {
		t.Fatalf("expected 4 entries after reopen, got %d", n)
	}
	added, err := reopened.Upsert(ctx, "col", testEntries(), false)
	if err != nil || added != 0 {
		t.Errorf("expected idempotent upsert after reopen, added=%d err=%v", added, err)
	}
	res, err := reopened.Query(ctx, "col", []float32{0, 0, 1}, 1)
	if err != nil || len(res) != 1 || res[0].ID != "c" {
		t.Errorf("expected c after reopen, got %v, %v", res, err)
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "col.chromem")

	src := newMemoryManager(t)
	if _, err := src.Upsert(ctx, "col", testEntries(), false); err != nil {
		t.Fatal(err)
	}
	if err := src.Export(ctx, "col", file); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newMemoryManager(t)
	if err := dst.Import(ctx, "col", file); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n, _ := dst.Count(ctx, "col"); n != 4 {
		t.Errorf("expected 4 imported entries, got %d", n)
	}
}

func TestExport_RequiresKey(t *testing.T) {
	m, err := NewVectorDBManager("", true, false, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Export(context.Background(), "col", "x"); err == nil {
		t.Error("expected error without encryption key")
	}
}

func TestUpsert_ConcurrentSameDocument(t *testing.T) {
	ctx := context.Background()
	m := newMemoryManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Upsert(ctx, "col", testEntries(), false); err != nil {
				t.Errorf("Upsert: %v", err)
			}
		}()
	}
	wg.Wait()

	if n, _ := m.Count(ctx, "col"); n != 4 {
		t.Errorf("expected 4 entries after concurrent ingestion, got %d", n)
	}
}
