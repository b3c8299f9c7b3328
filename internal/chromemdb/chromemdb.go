package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"pdfchat/internal/models"
)

// VectorDBManager encapsulates the chromem-go database operations
type VectorDBManager struct {
	db            *chromem.DB
	dbPath        string
	compress      bool
	encryptionKey string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var errNoEmbeddingFunc = errors.New("embeddings must be computed before they reach the index")

// vectors are always precomputed; this keeps chromem from falling back to its
// default OpenAI embedding function
func precomputed(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// NewVectorDBManager opens the database in dbPath, or an in-memory one.
func NewVectorDBManager(dbPath string, inMemory, compress bool, encryptionKey string) (*VectorDBManager, error) {
	var db *chromem.DB
	if inMemory {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to open database %s: %v", models.ErrIndexUnavailable, dbPath, err)
		}
	}

	return &VectorDBManager{
		db:            db,
		dbPath:        dbPath,
		compress:      compress,
		encryptionKey: encryptionKey,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// create or read collection
func (m *VectorDBManager) GetOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(collectionName, nil, precomputed)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	return c, nil
}

func (m *VectorDBManager) lock(collectionName string) func() {
	m.mu.Lock()
	l, ok := m.locks[collectionName]
	if !ok {
		l = &sync.Mutex{}
		m.locks[collectionName] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Upsert adds entries whose id is not yet in the collection and returns how
// many were written. recreate drops the collection first.
func (m *VectorDBManager) Upsert(ctx context.Context, collectionName string, entries []models.Entry, recreate bool) (int, error) {
	unlock := m.lock(collectionName)
	defer unlock()

	if recreate {
		if err := m.deleteCollection(collectionName); err != nil {
			return 0, err
		}
	}
	c, err := m.GetOrCreateCollection(collectionName)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := m.checkDimension(ctx, c, entries); err != nil {
		return 0, err
	}

	seq := c.Count()
	seen := make(map[string]bool, len(entries))
	var docs []chromem.Document
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if _, err := c.GetByID(ctx, e.ID); err == nil {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        e.ID,
			Content:   e.Chunk.Content,
			Metadata:  CreateMetadata(e, seq),
			Embedding: e.Embedding,
		})
		seq++
	}
	if len(docs) == 0 {
		log.Debug().Str("collection", collectionName).Msg("All entries already indexed")
		return 0, nil
	}

	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return 0, fmt.Errorf("failed to add documents: %w", err)
	}
	return len(docs), nil
}

func (m *VectorDBManager) checkDimension(ctx context.Context, c *chromem.Collection, entries []models.Entry) error {
	dim := len(entries[0].Embedding)
	for _, e := range entries {
		if len(e.Embedding) != dim || dim == 0 {
			return fmt.Errorf("%w: batch mixes %d and %d", models.ErrDimensionMismatch, dim, len(e.Embedding))
		}
	}
	if c.Count() == 0 {
		return nil
	}
	res, err := c.QueryEmbedding(ctx, entries[0].Embedding, 1, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDimensionMismatch, err)
	}
	if len(res) > 0 && len(res[0].Embedding) != dim {
		return fmt.Errorf("%w: collection has %d, got %d", models.ErrDimensionMismatch, len(res[0].Embedding), dim)
	}
	return nil
}

// Query returns up to k entries by descending similarity, ties in insertion
// order. A missing or empty collection yields no results.
func (m *VectorDBManager) Query(ctx context.Context, collectionName string, vector []float32, k int) ([]models.Evidence, error) {
	if k <= 0 {
		return nil, nil
	}
	c := m.db.GetCollection(collectionName, precomputed)
	if c == nil {
		return nil, nil
	}
	count := c.Count()
	if count == 0 {
		return nil, nil
	}
	k = min(k, count)

	// widen the window until everything tied with the k-th score is in it
	n := k
	var results []chromem.Result
	for {
		res, err := c.QueryEmbedding(ctx, vector, n, nil, nil)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("failed to query by similarity: %w", ctxErr)
			}
			// n is within bounds, so chromem only rejects the vector itself
			return nil, fmt.Errorf("%w: %v", models.ErrDimensionMismatch, err)
		}
		results = res
		if n >= count || len(res) < n || res[n-1].Similarity < res[k-1].Similarity {
			break
		}
		n = min(n*2, count)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return metaInt(results[i].Metadata, models.MetaSeq) < metaInt(results[j].Metadata, models.MetaSeq)
	})
	if len(results) > k {
		results = results[:k]
	}

	evidence := make([]models.Evidence, 0, len(results))
	for _, r := range results {
		evidence = append(evidence, models.Evidence{
			ID: r.ID,
			Chunk: models.Chunk{
				Content:    r.Content,
				PageNumber: metaInt(r.Metadata, models.MetaPage),
				ChunkID:    metaInt(r.Metadata, models.MetaChunk),
				Offset:     metaInt(r.Metadata, models.MetaOffset),
			},
			Source: r.Metadata[models.MetaSource],
			Score:  r.Similarity,
		})
	}
	return evidence, nil
}

// Recreate drops the collection and creates it empty.
func (m *VectorDBManager) Recreate(_ context.Context, collectionName string) error {
	unlock := m.lock(collectionName)
	defer unlock()

	if err := m.deleteCollection(collectionName); err != nil {
		return err
	}
	_, err := m.GetOrCreateCollection(collectionName)
	return err
}

func (m *VectorDBManager) Count(_ context.Context, collectionName string) (int, error) {
	c := m.db.GetCollection(collectionName, precomputed)
	if c == nil {
		return 0, nil
	}
	return c.Count(), nil
}

// deleteCollection drops the collection; callers hold its lock.
func (m *VectorDBManager) deleteCollection(collectionName string) error {
	if err := m.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// Export writes the collection to filePath, encrypted with the configured key.
func (m *VectorDBManager) Export(_ context.Context, collectionName, filePath string) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	if filePath == "" {
		return fmt.Errorf("file path is required")
	}
	if m.db.GetCollection(collectionName, precomputed) == nil {
		return fmt.Errorf("%w: %s", models.ErrNotFound, collectionName)
	}

	log.Debug().
		Str("collection", collectionName).
		Str("file", filePath).
		Bool("compress", m.compress).
		Msg("Exporting collection")
	if err := m.db.ExportToFile(filePath, m.compress, m.encryptionKey, collectionName); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import loads the collection from a file written by Export.
func (m *VectorDBManager) Import(_ context.Context, collectionName, filePath string) error {
	if m.encryptionKey == "" {
		return fmt.Errorf("encryption key is required")
	}
	unlock := m.lock(collectionName)
	defer unlock()

	if err := m.db.ImportFromFile(filePath, m.encryptionKey, collectionName); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	return nil
}

// CreateMetadata flattens an entry's provenance into chromem metadata.
func CreateMetadata(e models.Entry, seq int) map[string]string {
	return map[string]string{
		models.MetaSource: e.Source,
		models.MetaDigest: e.Digest,
		models.MetaPage:   strconv.Itoa(e.Chunk.PageNumber),
		models.MetaChunk:  strconv.Itoa(e.Chunk.ChunkID),
		models.MetaOffset: strconv.Itoa(e.Chunk.Offset),
		models.MetaSeq:    strconv.Itoa(seq),
	}
}

func metaInt(meta map[string]string, key string) int {
	v, _ := strconv.Atoi(meta[key])
	return v
}
