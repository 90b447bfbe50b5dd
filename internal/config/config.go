// Package config loads and validates process-wide configuration for the
// knowledge engine: store backends, the embedding collaborator, the message
// bus, the workflow engine, and the ingestion pipeline's concurrency knob.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"knowgraph/internal/logging"
)

// Backend names accepted by every backend-selectable concern.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendQdrant   = "qdrant"
)

// DBConfig configures a pluggable backend: the chunk store, link store,
// vector index and workflow store each resolve one of these through a
// factory switch on Backend.
type DBConfig struct {
	Backend    string `yaml:"backend"`
	DSN        string `yaml:"dsn"`
	Path       string `yaml:"path,omitempty"` // sqlite file path
	Collection string `yaml:"collection,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
}

// EmbeddingConfig describes the outbound embedding provider collaborator
//. The engine makes no assumption about the model behind it.
type EmbeddingConfig struct {
	BaseURL   string            `yaml:"base_url"`
	Path      string            `yaml:"path"`
	Model     string            `yaml:"model"`
	APIKey    string            `yaml:"api_key"`
	APIHeader string            `yaml:"api_header"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   int               `yaml:"timeout_seconds"`
	Dimension int               `yaml:"dimension"`
}

// S3Config configures the read-only object-store collaborator the
// ingestion pipeline fetches raw markdown from.
type S3Config struct {
	Bucket                string `yaml:"bucket"`
	Prefix                string `yaml:"prefix,omitempty"`
	Region                string `yaml:"region,omitempty"`
	Endpoint              string `yaml:"endpoint,omitempty"`
	AccessKey             string `yaml:"access_key,omitempty"`
	SecretKey             string `yaml:"secret_key,omitempty"`
	UsePathStyle          bool   `yaml:"use_path_style,omitempty"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify,omitempty"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	HistorySize        int `yaml:"history_size"`
	DeadLetterSize      int `yaml:"dead_letter_size"`
	BreakerFailures     int `yaml:"breaker_failures"`
	BreakerResetSeconds int `yaml:"breaker_reset_seconds"`
	RedisDedupe         DBConfig `yaml:"redis_dedupe,omitempty"`
}

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	DefaultRetryCount     int `yaml:"default_retry_count"`
	DefaultRetryDelay     int `yaml:"default_retry_delay_seconds"`
}

// IngestionConfig tunes batch ingestion concurrency.
type IngestionConfig struct {
	MaxConcurrent  int  `yaml:"max_concurrent"`
	SplitTagOnSemi bool `yaml:"split_tag_on_semicolon"`
}

// LinkingConfig tunes the linking engine.
type LinkingConfig struct {
	MaxLinks        int     `yaml:"max_links"`
	Threshold       float64 `yaml:"threshold"`
	SuggestionFloor float64 `yaml:"suggestion_floor"`
}

// RetrievalConfig tunes the query planner / retriever.
type RetrievalConfig struct {
	VectorK    int `yaml:"vector_k"`
	RerankK    int `yaml:"rerank_k"`
	MaxHops    int `yaml:"max_hops"`
	MaxNodes   int `yaml:"max_nodes"`
}

// Config is the top-level, process-wide configuration object.
type Config struct {
	ChunkStore DBConfig `yaml:"chunk_store"`
	LinkStore  DBConfig `yaml:"link_store"`
	Vector     DBConfig `yaml:"vector"`
	Workflow   struct {
		Store   DBConfig       `yaml:"store"`
		Engine  WorkflowConfig `yaml:"engine"`
	} `yaml:"workflow"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	S3        S3Config        `yaml:"s3"`
	Bus       BusConfig       `yaml:"bus"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Linking   LinkingConfig   `yaml:"linking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`

	LogLevel string `yaml:"log_level"`
}

// Load reads an optional YAML config file, applies defaults for
// zero-valued fields (logging notable ones), and lets environment
// variables override secrets.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshaling config: %w", err)
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ChunkStore.Backend == "" {
		cfg.ChunkStore.Backend = BackendMemory
		logging.Log.Info("no chunk_store.backend configured, defaulting to memory")
	}
	if cfg.LinkStore.Backend == "" {
		cfg.LinkStore.Backend = cfg.ChunkStore.Backend
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = cfg.ChunkStore.Backend
	}
	if cfg.Vector.Dimensions == 0 {
		cfg.Vector.Dimensions = 768
	}
	if cfg.Workflow.Store.Backend == "" {
		cfg.Workflow.Store.Backend = cfg.ChunkStore.Backend
	}
	if cfg.Workflow.Engine.DefaultTimeoutSeconds == 0 {
		cfg.Workflow.Engine.DefaultTimeoutSeconds = 30
	}
	if cfg.Bus.HistorySize == 0 {
		cfg.Bus.HistorySize = 1000
	}
	if cfg.Bus.DeadLetterSize == 0 {
		cfg.Bus.DeadLetterSize = 1000
	}
	if cfg.Bus.BreakerFailures == 0 {
		cfg.Bus.BreakerFailures = 5
	}
	if cfg.Bus.BreakerResetSeconds == 0 {
		cfg.Bus.BreakerResetSeconds = 60
	}
	if cfg.Ingestion.MaxConcurrent == 0 {
		cfg.Ingestion.MaxConcurrent = 5
		logging.Log.Info("no ingestion.max_concurrent configured, defaulting to 5")
	}
	if cfg.Linking.MaxLinks == 0 {
		cfg.Linking.MaxLinks = 10
	}
	if cfg.Linking.Threshold == 0 {
		cfg.Linking.Threshold = 0.7
	}
	if cfg.Linking.SuggestionFloor == 0 {
		cfg.Linking.SuggestionFloor = 0.4
	}
	if cfg.Retrieval.VectorK == 0 {
		cfg.Retrieval.VectorK = 20
	}
	if cfg.Retrieval.RerankK == 0 {
		cfg.Retrieval.RerankK = 10
	}
	if cfg.Retrieval.MaxHops == 0 {
		cfg.Retrieval.MaxHops = 3
	}
	if cfg.Retrieval.MaxNodes == 0 {
		cfg.Retrieval.MaxNodes = 50
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = cfg.Vector.Dimensions
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("EMBED_API_KEY")); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBED_BASE_URL")); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); v != "" {
		cfg.S3.AccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")); v != "" {
		cfg.S3.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CHUNK_STORE_DSN")); v != "" {
		cfg.ChunkStore.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("INGESTION_MAX_CONCURRENT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ingestion.MaxConcurrent = n
		}
	}
}
