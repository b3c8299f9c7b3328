package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"pdfchat/internal/config"
	"pdfchat/internal/models"
)

// Chunk is one indexed row. Rows are unique per (collection, id).
type Chunk struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`

	Collection string          `bun:"collection,pk"`
	ID         string          `bun:"id,pk"`
	Seq        int64           `bun:"seq,autoincrement"`
	Content    string          `bun:"content,notnull"`
	Source     string          `bun:"source"`
	Digest     string          `bun:"digest"`
	PageNumber int             `bun:"page_number"`
	ChunkID    int             `bun:"chunk_id"`
	Offset     int             `bun:"chunk_offset"`
	Embedding  pgvector.Vector `bun:"embedding,type:vector,notnull"`
	Score      float32         `bun:"score,scanonly"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens and pings postgres with either bun's pgdriver or lib/pq.
func ConnectDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	var sqldb *sql.DB
	switch cfg.Driver {
	case "pq":
		var err error
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
		}
	default:
		sqldb = sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	}
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrIndexUnavailable, err)
	}
	return sqldb, nil
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*Chunk)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}
	_, err := db.NewCreateIndex().
		Model((*Chunk)(nil)).
		Index("chunks_collection_seq_idx").
		IfNotExists().
		Column("collection", "seq").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create chunks index: %w", err)
	}
	return nil
}

// Store is the pgvector implementation of the vector index.
type Store struct {
	db *bun.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(ctx context.Context, db *bun.DB) (*Store, error) {
	if err := InitDB(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lock(collection string) func() {
	s.mu.Lock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Upsert inserts entries not yet present. An advisory lock serializes
// writers to the same collection across processes.
func (s *Store) Upsert(ctx context.Context, collection string, entries []models.Entry, recreate bool) (int, error) {
	unlock := s.lock(collection)
	defer unlock()

	var added int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", collection); err != nil {
			return err
		}
		if recreate {
			if err := deleteCollection(ctx, tx, collection); err != nil {
				return err
			}
		}
		if len(entries) == 0 {
			return nil
		}
		if err := checkDimension(ctx, tx, collection, entries); err != nil {
			return err
		}

		rows := make([]Chunk, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, Chunk{
				Collection: collection,
				ID:         e.ID,
				Content:    e.Chunk.Content,
				Source:     e.Source,
				Digest:     e.Digest,
				PageNumber: e.Chunk.PageNumber,
				ChunkID:    e.Chunk.ChunkID,
				Offset:     e.Chunk.Offset,
				Embedding:  pgvector.NewVector(e.Embedding),
			})
		}
		res, err := tx.NewInsert().
			Model(&rows).
			On("CONFLICT (collection, id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = int(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}
	return added, nil
}

func checkDimension(ctx context.Context, tx bun.Tx, collection string, entries []models.Entry) error {
	dim := len(entries[0].Embedding)
	for _, e := range entries {
		if len(e.Embedding) != dim || dim == 0 {
			return fmt.Errorf("%w: batch mixes %d and %d", models.ErrDimensionMismatch, dim, len(e.Embedding))
		}
	}
	var dims []int
	err := tx.NewSelect().
		Model((*Chunk)(nil)).
		ColumnExpr("vector_dims(embedding)").
		Where("collection = ?", collection).
		Limit(1).
		Scan(ctx, &dims)
	if err != nil {
		return err
	}
	if len(dims) > 0 && dims[0] != dim {
		return fmt.Errorf("%w: collection has %d, got %d", models.ErrDimensionMismatch, dims[0], dim)
	}
	return nil
}

// Query returns the k nearest chunks by cosine similarity, ties by insertion order.
func (s *Store) Query(ctx context.Context, collection string, vector []float32, k int) ([]models.Evidence, error) {
	if k <= 0 {
		return nil, nil
	}
	v := pgvector.NewVector(vector)

	var rows []Chunk
	err := s.db.NewSelect().
		Model(&rows).
		ExcludeColumn("embedding").
		ColumnExpr("1 - (embedding <=> ?) AS score", v).
		Where("collection = ?", collection).
		OrderExpr("embedding <=> ? ASC", v).
		OrderExpr("seq ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	evidence := make([]models.Evidence, 0, len(rows))
	for _, r := range rows {
		evidence = append(evidence, models.Evidence{
			ID: r.ID,
			Chunk: models.Chunk{
				Content:    r.Content,
				PageNumber: r.PageNumber,
				ChunkID:    r.ChunkID,
				Offset:     r.Offset,
			},
			Source: r.Source,
			Score:  r.Score,
		})
	}
	return evidence, nil
}

func (s *Store) Recreate(ctx context.Context, collection string) error {
	unlock := s.lock(collection)
	defer unlock()
	return deleteCollection(ctx, s.db, collection)
}

func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	return s.db.NewSelect().Model((*Chunk)(nil)).Where("collection = ?", collection).Count(ctx)
}

func deleteCollection(ctx context.Context, db bun.IDB, collection string) error {
	_, err := db.NewDelete().Model((*Chunk)(nil)).Where("collection = ?", collection).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// drop table chunks
func DropChunks(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*Chunk)(nil)).IfExists().Exec(ctx)
	return err
}
