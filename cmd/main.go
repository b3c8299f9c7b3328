package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pdfchat/internal/chromemdb"
	"pdfchat/internal/config"
	"pdfchat/internal/db"
	"pdfchat/internal/embedding"
	"pdfchat/internal/helper"
	"pdfchat/internal/llmservice"
	"pdfchat/internal/parser"
	"pdfchat/internal/rag"
	"pdfchat/internal/server"
	"pdfchat/internal/session"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	configPath := flag.String("config", defaultConfigPath, "Path to the config file")
	serve := flag.Bool("serve", false, "Start the chat server")
	filePath := flag.String("file", "", "Path to the document file to index")
	recreate := flag.Bool("recreate", false, "Drop the collection before indexing")
	dryRun := flag.Bool("dry-run", false, "Dry run, print chunks without indexing")
	query := flag.String("query", "", "Query to be answered")
	topK := flag.Int("k", 0, "Number of chunks to retrieve (0 uses rag.top_k)")
	exportPath := flag.String("export", "", "Export the collection to this file (chromem only)")
	importPath := flag.String("import", "", "Import the collection from this file (chromem only)")
	flag.Parse()

	cfg := loadConfig(*configPath)
	setupLogger(cfg.Logging)
	log.Debug().Interface("config", cfg.Redacted()).Msg("Loaded config")

	if *filePath != "" && *query != "" {
		log.Fatal().Msg("Please provide either a document file using the -file flag or a query using the -query flag, but not both")
	}

	ctx := context.Background()
	switch {
	case *serve:
		runServer(cfg)
	case *filePath != "":
		storeFileEmbedding(ctx, cfg, *filePath, *recreate, *dryRun)
	case *query != "":
		performRAG(ctx, cfg, *query, *topK)
	case *exportPath != "":
		exportCollection(ctx, cfg, *exportPath)
	case *importPath != "":
		importCollection(ctx, cfg, *importPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return config.Default()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	return cfg
}

func setupLogger(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()
}

// vectorIndex is the index the rest of the program talks to, plus cleanup.
type vectorIndex struct {
	rag.Index
	chromem *chromemdb.VectorDBManager
	close   func()
}

func openIndex(ctx context.Context, cfg *config.Config) *vectorIndex {
	if cfg.VectorDB.Backend == "postgres" {
		sqldb, err := db.ConnectDB(ctx, &cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Error connecting to database")
		}
		store, err := db.NewStore(ctx, db.NewDB(sqldb, cfg.Database.Debug))
		if err != nil {
			log.Fatal().Err(err).Msg("Error initializing database")
		}
		return &vectorIndex{Index: store, close: func() { store.Close() }}
	}

	if !cfg.VectorDB.InMemory {
		if err := helper.CreateFolder(cfg.VectorDB.Path); err != nil {
			log.Fatal().Err(err).Msg("Error creating folder")
		}
	}
	m, err := chromemdb.NewVectorDBManager(cfg.VectorDB.Path, cfg.VectorDB.InMemory, cfg.VectorDB.Compress, cfg.RAG.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating vector database manager")
	}
	return &vectorIndex{Index: m, chromem: m, close: func() {}}
}

func newEmbedder(cfg *config.Config) embedding.Embedder {
	embedder, err := embedding.NewFromConfig(&cfg.EmbedLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}
	if cfg.Cache.Addr == "" {
		return embedder
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	ttl := time.Duration(cfg.Cache.TTLHours) * time.Hour
	log.Info().Str("addr", cfg.Cache.Addr).Dur("ttl", ttl).Msg("Embedding cache enabled")
	return embedding.NewCached(embedder, embedding.NewRedisStore(client, ttl), cfg.EmbedLLM.Model)
}

func newLLM(cfg *config.Config) *llmservice.Client {
	llm, err := llmservice.NewFromConfig(&cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing llm")
	}
	return llm
}

func storeFileEmbedding(ctx context.Context, cfg *config.Config, filePath string, recreate, dryRun bool) {
	opts := parser.OptionsFromConfig(cfg)
	if dryRun {
		chunks, err := parser.ParseFile(filePath, opts)
		if err != nil {
			log.Fatal().Err(err).Msg("Error parsing document")
		}
		log.Info().Int("chunks", len(chunks)).Msg("Parsed content")
		helper.PrettyPrint(chunks)
		return
	}

	index := openIndex(ctx, cfg)
	defer index.close()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.RAG.IngestTimeoutSec)*time.Second)
	defer cancel()

	ingestor := rag.NewIngestor(newEmbedder(cfg), index, opts)
	res, err := ingestor.IngestFile(ctx, cfg.RAG.Collection, filepath.Base(filePath), filePath, recreate)
	if err != nil {
		log.Fatal().Err(err).Msg("Error indexing document")
	}
	log.Info().
		Str("document", res.Document.Name).
		Int("chunks", res.Chunks).
		Int("added", res.Added).
		Msg("Added to knowledge base")
}

func performRAG(ctx context.Context, cfg *config.Config, query string, k int) {
	index := openIndex(ctx, cfg)
	defer index.close()

	engine := rag.NewRAG(rag.NewKnowledgeAgent(newEmbedder(cfg), index, newLLM(cfg)), cfg)
	response, err := engine.Answer(ctx, cfg.RAG.Collection, query, k)
	if err != nil {
		log.Fatal().Err(err).Msg("Error querying")
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n", rag.Sources(response.Evidence))

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Answer)
}

func exportCollection(ctx context.Context, cfg *config.Config, path string) {
	index := openIndex(ctx, cfg)
	defer index.close()
	if index.chromem == nil {
		log.Fatal().Msg("Export is only supported by the chromem backend")
	}
	if err := index.chromem.Export(ctx, cfg.RAG.Collection, path); err != nil {
		log.Fatal().Err(err).Msg("Error exporting collection")
	}
	log.Info().Str("file", path).Msg("Exported collection")
}

func importCollection(ctx context.Context, cfg *config.Config, path string) {
	index := openIndex(ctx, cfg)
	defer index.close()
	if index.chromem == nil {
		log.Fatal().Msg("Import is only supported by the chromem backend")
	}
	if err := index.chromem.Import(ctx, cfg.RAG.Collection, path); err != nil {
		log.Fatal().Err(err).Msg("Error importing collection")
	}
	n, _ := index.Count(ctx, cfg.RAG.Collection)
	log.Info().Str("file", path).Int("entries", n).Msg("Imported collection")
}

func runServer(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	index := openIndex(ctx, cfg)
	defer index.close()

	embedder := newEmbedder(cfg)
	ingestor := rag.NewIngestor(embedder, index, parser.OptionsFromConfig(cfg))
	engine := rag.NewRAG(rag.NewKnowledgeAgent(embedder, index, newLLM(cfg)), cfg)

	ttl := time.Duration(cfg.Server.SessionTTLMin) * time.Minute
	sessions := session.NewManager(ingestor, engine,
		session.WithCollection(cfg.RAG.Collection),
		session.WithMaxUpload(cfg.MaxUploadBytes()),
		session.WithTTL(ttl),
		session.WithIngestTimeout(time.Duration(cfg.RAG.IngestTimeoutSec)*time.Second),
	)
	go sessions.Run(ctx, ttl/4)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(sessions, cfg.MaxUploadBytes(), log.Logger).Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("collection", cfg.RAG.Collection).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}
}
