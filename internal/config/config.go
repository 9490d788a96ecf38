package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"ragpipe/internal/domain"
)

// SourceConfig describes where documents are discovered.
type SourceConfig struct {
	Dir        string   `yaml:"dir"`
	Extensions []string `yaml:"extensions"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	MaxSize int `yaml:"max_size"`
	Overlap int `yaml:"overlap"`
}

// EmbedderConfig configures the OpenAI-compatible embeddings client.
type EmbedderConfig struct {
	BaseURL      string  `yaml:"base_url"`
	APIKeyEnv    string  `yaml:"api_key_env"`
	Model        string  `yaml:"model"`
	Dimensions   int     `yaml:"dimensions"`
	BatchSize    int     `yaml:"batch_size"`
	TimeoutSecs  int     `yaml:"timeout_secs"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	MaxRetries   int     `yaml:"max_retries"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	Type       string        `yaml:"type"`
	Collection string        `yaml:"collection"`
	Qdrant     *QdrantConfig `yaml:"qdrant,omitempty"`
}

// RedisConfig contains connection details for the Redis job store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SQLiteConfig locates the embedded SQLite job store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// JobStoreConfig selects and configures the ingestion job state store.
type JobStoreConfig struct {
	Type   string        `yaml:"type"`
	Redis  *RedisConfig  `yaml:"redis,omitempty"`
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty"`
}

// IngestConfig bounds the ingestion worker pool and retry policy.
type IngestConfig struct {
	Concurrency int `yaml:"concurrency"`
	RetryLimit  int `yaml:"retry_limit"`
}

// RerankerConfig configures the cross-encoder rerank service.
type RerankerConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	Model          string  `yaml:"model"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	BatchSize      int     `yaml:"batch_size"`
	TimeoutSecs    int     `yaml:"timeout_secs"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

// GeneratorConfig configures the answer generation service.
type GeneratorConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// RetrievalConfig tunes the query-time pipeline. CandidateCount is the
// vector-search fan-out; NResults is the final context size.
// SimilarityThreshold and the reranker ScoreThreshold are independent,
// engine-specific cutoffs; they do not share a scale.
// SimilarityThreshold is a pointer so an explicit 0 (accept every
// candidate) is distinguishable from an omitted value.
type RetrievalConfig struct {
	CandidateCount      int      `yaml:"candidate_count"`
	NResults            int      `yaml:"n_results"`
	SimilarityThreshold *float64 `yaml:"similarity_threshold"`
	MaxQATokens         int      `yaml:"max_qa_tokens"`
}

// TelemetryConfig locates the ingestion result files.
type TelemetryConfig struct {
	LogDir string `yaml:"log_dir"`
}

// AppConfig is the root application configuration. It is validated once
// at startup and immutable thereafter.
type AppConfig struct {
	Source      SourceConfig      `yaml:"source"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	JobStore    JobStoreConfig    `yaml:"job_store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Reranker    RerankerConfig    `yaml:"reranker"`
	Generator   GeneratorConfig   `yaml:"generator"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Load reads a config from the given path. A missing file yields the
// defaults. The returned config is already validated.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/ragpipe/config.yaml.
// If neither exists, it writes defaults to the user path and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, cfg.Validate()
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks every externally supplied value. The first violation
// is returned as a ConfigError naming the offending field.
func (c *AppConfig) Validate() error {
	if c.Source.Dir == "" {
		return &domain.ConfigError{Field: "source.dir", Reason: "must not be empty"}
	}
	if len(c.Source.Extensions) == 0 {
		return &domain.ConfigError{Field: "source.extensions", Reason: "must list at least one extension"}
	}
	for _, ext := range c.Source.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return &domain.ConfigError{Field: "source.extensions", Reason: "extensions must start with a dot: " + ext}
		}
	}
	if c.Chunker.MaxSize <= 0 {
		return &domain.ConfigError{Field: "chunker.max_size", Reason: "must be positive"}
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.MaxSize {
		return &domain.ConfigError{Field: "chunker.overlap", Reason: "must satisfy 0 <= overlap < max_size"}
	}
	if c.Embedder.BatchSize <= 0 {
		return &domain.ConfigError{Field: "embedder.batch_size", Reason: "must be positive"}
	}
	if c.Embedder.Dimensions <= 0 {
		return &domain.ConfigError{Field: "embedder.dimensions", Reason: "must be positive"}
	}
	if c.Ingest.Concurrency <= 0 {
		return &domain.ConfigError{Field: "ingest.concurrency", Reason: "must be positive"}
	}
	if c.Ingest.RetryLimit < 1 {
		return &domain.ConfigError{Field: "ingest.retry_limit", Reason: "must be at least 1"}
	}
	if st := c.Retrieval.SimilarityThreshold; st == nil || *st < 0 || *st > 1 {
		return &domain.ConfigError{Field: "retrieval.similarity_threshold", Reason: "must be within [0, 1]"}
	}
	if c.Retrieval.CandidateCount <= 0 {
		return &domain.ConfigError{Field: "retrieval.candidate_count", Reason: "must be positive"}
	}
	if c.Retrieval.NResults <= 0 || c.Retrieval.NResults > c.Retrieval.CandidateCount {
		return &domain.ConfigError{Field: "retrieval.n_results", Reason: "must satisfy 0 < n_results <= candidate_count"}
	}
	if c.Retrieval.MaxQATokens <= 0 {
		return &domain.ConfigError{Field: "retrieval.max_qa_tokens", Reason: "must be positive"}
	}
	switch c.VectorStore.Type {
	case "memory":
	case "qdrant":
		if c.VectorStore.Qdrant == nil || c.VectorStore.Qdrant.URL == "" {
			return &domain.ConfigError{Field: "vector_store.qdrant.url", Reason: "required for qdrant store"}
		}
	default:
		return &domain.ConfigError{Field: "vector_store.type", Reason: "unknown store: " + c.VectorStore.Type}
	}
	switch c.JobStore.Type {
	case "memory":
	case "redis":
		if c.JobStore.Redis == nil || c.JobStore.Redis.Addr == "" {
			return &domain.ConfigError{Field: "job_store.redis.addr", Reason: "required for redis store"}
		}
	case "sqlite":
		if c.JobStore.SQLite == nil || c.JobStore.SQLite.Path == "" {
			return &domain.ConfigError{Field: "job_store.sqlite.path", Reason: "required for sqlite store"}
		}
	default:
		return &domain.ConfigError{Field: "job_store.type", Reason: "unknown store: " + c.JobStore.Type}
	}
	return nil
}

func float64Ptr(v float64) *float64 { return &v }

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ragpipe", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Source: SourceConfig{
			Dir:        "docs",
			Extensions: []string{".txt", ".md", ".pdf"},
		},
		Chunker: ChunkerConfig{MaxSize: 500, Overlap: 100},
		Embedder: EmbedderConfig{
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "text-embedding-3-small",
			Dimensions:  1536,
			BatchSize:   32,
			TimeoutSecs: 30,
			MaxRetries:  3,
		},
		VectorStore: VectorStoreConfig{Type: "memory", Collection: "documents"},
		JobStore:    JobStoreConfig{Type: "memory"},
		Ingest:      IngestConfig{Concurrency: 4, RetryLimit: 3},
		Reranker: RerankerConfig{
			Model:          "cross-encoder/ms-marco-MiniLM-L-6-v2",
			BatchSize:      32,
			TimeoutSecs:    30,
			ScoreThreshold: 0,
		},
		Generator: GeneratorConfig{
			Model:       "gpt-4",
			TimeoutSecs: 60,
			MaxRetries:  3,
		},
		Retrieval: RetrievalConfig{
			CandidateCount:      10,
			NResults:            5,
			SimilarityThreshold: float64Ptr(0.5),
			MaxQATokens:         3000,
		},
		Telemetry: TelemetryConfig{LogDir: "logs"},
	}
	return cfg
}

func applyDefaults(cfg *AppConfig) {
	def := defaultConfig()
	if len(cfg.Source.Extensions) == 0 {
		cfg.Source.Extensions = def.Source.Extensions
	}
	if cfg.Chunker.MaxSize == 0 {
		cfg.Chunker.MaxSize = def.Chunker.MaxSize
	}
	if cfg.Embedder.BaseURL == "" {
		cfg.Embedder.BaseURL = def.Embedder.BaseURL
	}
	if cfg.Embedder.APIKeyEnv == "" {
		cfg.Embedder.APIKeyEnv = def.Embedder.APIKeyEnv
	}
	if cfg.Embedder.Model == "" {
		cfg.Embedder.Model = def.Embedder.Model
	}
	if cfg.Embedder.Dimensions == 0 {
		cfg.Embedder.Dimensions = def.Embedder.Dimensions
	}
	if cfg.Embedder.BatchSize == 0 {
		cfg.Embedder.BatchSize = def.Embedder.BatchSize
	}
	if cfg.Embedder.TimeoutSecs == 0 {
		cfg.Embedder.TimeoutSecs = def.Embedder.TimeoutSecs
	}
	if cfg.Embedder.MaxRetries == 0 {
		cfg.Embedder.MaxRetries = def.Embedder.MaxRetries
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = def.VectorStore.Type
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = def.VectorStore.Collection
	}
	if cfg.JobStore.Type == "" {
		cfg.JobStore.Type = def.JobStore.Type
	}
	if cfg.Ingest.Concurrency == 0 {
		cfg.Ingest.Concurrency = def.Ingest.Concurrency
	}
	if cfg.Ingest.RetryLimit == 0 {
		cfg.Ingest.RetryLimit = def.Ingest.RetryLimit
	}
	if cfg.Reranker.Model == "" {
		cfg.Reranker.Model = def.Reranker.Model
	}
	if cfg.Reranker.BatchSize == 0 {
		cfg.Reranker.BatchSize = def.Reranker.BatchSize
	}
	if cfg.Reranker.TimeoutSecs == 0 {
		cfg.Reranker.TimeoutSecs = def.Reranker.TimeoutSecs
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = def.Generator.Model
	}
	if cfg.Generator.TimeoutSecs == 0 {
		cfg.Generator.TimeoutSecs = def.Generator.TimeoutSecs
	}
	if cfg.Generator.MaxRetries == 0 {
		cfg.Generator.MaxRetries = def.Generator.MaxRetries
	}
	if cfg.Retrieval.CandidateCount == 0 {
		cfg.Retrieval.CandidateCount = def.Retrieval.CandidateCount
	}
	if cfg.Retrieval.NResults == 0 {
		cfg.Retrieval.NResults = def.Retrieval.NResults
	}
	if cfg.Retrieval.SimilarityThreshold == nil {
		cfg.Retrieval.SimilarityThreshold = def.Retrieval.SimilarityThreshold
	}
	if cfg.Retrieval.MaxQATokens == 0 {
		cfg.Retrieval.MaxQATokens = def.Retrieval.MaxQATokens
	}
	if cfg.Telemetry.LogDir == "" {
		cfg.Telemetry.LogDir = def.Telemetry.LogDir
	}
}
