package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	VectorDB VectorDBConfig `yaml:"vector_db"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	RAG      RAGConfig      `yaml:"rag"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig configures either the chat model or the embedding model.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // ollama, openai
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Key         string  `yaml:"key"`
	Temperature float64 `yaml:"temperature"`
}

type VectorDBConfig struct {
	Backend  string `yaml:"backend"` // chromem, postgres
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
	Compress bool   `yaml:"compress"`
}

type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"` // pgdriver, pq
	Debug  bool   `yaml:"debug"`
}

// CacheConfig enables the redis embedding cache when Addr is set.
type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

type RAGConfig struct {
	Collection       string `yaml:"collection"`
	ChunkSize        int    `yaml:"chunk_size"`
	ChunkOverlap     int    `yaml:"chunk_overlap"`
	TopK             int    `yaml:"top_k"`
	EncryptionKey    string `yaml:"encryption_key"`
	QueryTimeoutSec  int    `yaml:"query_timeout_sec"`
	IngestTimeoutSec int    `yaml:"ingest_timeout_sec"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	MaxUploadMB     int    `yaml:"max_upload_mb"`
	SessionTTLMin   int    `yaml:"session_ttl_min"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a config with every default applied, used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "llama3.2"
	}
	if c.EmbedLLM.Provider == "" {
		c.EmbedLLM.Provider = "ollama"
	}
	if c.EmbedLLM.Model == "" {
		c.EmbedLLM.Model = "openhermes"
	}
	if c.VectorDB.Backend == "" {
		c.VectorDB.Backend = "chromem"
	}
	if c.VectorDB.Path == "" {
		c.VectorDB.Path = "./chromemdb"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "pgdriver"
	}
	if c.Cache.TTLHours <= 0 {
		c.Cache.TTLHours = 24 * 7
	}
	if c.RAG.Collection == "" {
		c.RAG.Collection = "pdf_chatbot"
	}
	if c.RAG.ChunkSize <= 0 {
		c.RAG.ChunkSize = 1000
	}
	if c.RAG.ChunkOverlap < 0 {
		c.RAG.ChunkOverlap = 0
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = 5
	}
	if c.RAG.QueryTimeoutSec <= 0 {
		c.RAG.QueryTimeoutSec = 120
	}
	if c.RAG.IngestTimeoutSec <= 0 {
		c.RAG.IngestTimeoutSec = 600
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 32
	}
	if c.Server.SessionTTLMin <= 0 {
		c.Server.SessionTTLMin = 60
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = 60
	}
	if c.Server.WriteTimeoutSec <= 0 {
		// the upload response is written only after ingestion finishes
		c.Server.WriteTimeoutSec = c.RAG.IngestTimeoutSec + 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	for name, p := range map[string]string{"llm": c.LLM.Provider, "embed_llm": c.EmbedLLM.Provider} {
		switch p {
		case "ollama", "openai":
		default:
			return fmt.Errorf("%s.provider must be \"ollama\" or \"openai\", got %q", name, p)
		}
	}
	switch c.VectorDB.Backend {
	case "chromem":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("vector_db.backend must be \"chromem\" or \"postgres\", got %q", c.VectorDB.Backend)
	}
	switch c.Database.Driver {
	case "pgdriver", "pq":
	default:
		return fmt.Errorf("database.driver must be \"pgdriver\" or \"pq\", got %q", c.Database.Driver)
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap (%d) must be smaller than rag.chunk_size (%d)", c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if c.Server.WriteTimeoutSec <= c.RAG.IngestTimeoutSec || c.Server.WriteTimeoutSec <= c.RAG.QueryTimeoutSec {
		return fmt.Errorf("server.write_timeout_sec (%d) must exceed rag.ingest_timeout_sec (%d) and rag.query_timeout_sec (%d)",
			c.Server.WriteTimeoutSec, c.RAG.IngestTimeoutSec, c.RAG.QueryTimeoutSec)
	}
	// chromem uses AES-256
	if c.RAG.EncryptionKey != "" && len(c.RAG.EncryptionKey) != 32 {
		return fmt.Errorf("rag.encryption_key must be 32 bytes, got %d", len(c.RAG.EncryptionKey))
	}
	return nil
}

// Redacted returns a copy safe to log, with keys and passwords masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	c.LLM.Key = mask(c.LLM.Key)
	c.EmbedLLM.Key = mask(c.EmbedLLM.Key)
	c.Cache.Password = mask(c.Cache.Password)
	c.RAG.EncryptionKey = mask(c.RAG.EncryptionKey)
	c.Database.DSN = redactDSN(c.Database.DSN)
	return c
}

// redactDSN masks the password of a postgres URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// MaxUploadBytes is the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
