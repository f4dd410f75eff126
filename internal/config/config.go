// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.docuchat/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: PostgreSQL connection (chunks, index entries, state)
//   - Redis: job queue, ingestion leases, retrieval cache
//   - Chunking: max size and overlap for the document processor
//   - Embedding: provider model, batching, retry and rate limits
//   - Retrieval: hybrid merge weights, expansion, relevance threshold
//   - Generation: model, context budget, timeout
//   - Pipeline: worker pool and per-stage retry policy
//
// Security: passwords are never logged; MarshalJSON masks them.
// Validation lives in validation.go and fails fast on Load.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider identifiers used in Config.Provider.
const (
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

const (
	// DefaultEmbedderModel is the default embedding model.
	// text-embedding-004 outputs 768 dimensions, matching the
	// vector(768) column in db/migrations.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultChunkSize and DefaultChunkOverlap mirror the splitter
	// settings the corpus was originally indexed with.
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
type Config struct {
	// Provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// PostgreSQL storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Redis configuration (queue, leases, retrieval cache)
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db" json:"redis_db"`

	Chunking   ChunkingConfig   `mapstructure:"chunking" json:"chunking"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding" json:"embedding"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval" json:"retrieval"`
	Generation GenerationConfig `mapstructure:"generation" json:"generation"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline" json:"pipeline"`
}

// ChunkingConfig controls the document processor.
type ChunkingConfig struct {
	MaxSize int `mapstructure:"max_size" json:"max_size"`
	Overlap int `mapstructure:"overlap" json:"overlap"`
}

// EmbeddingConfig controls the embedding gateway.
type EmbeddingConfig struct {
	BatchSize         int     `mapstructure:"batch_size" json:"batch_size"`
	MaxAttempts       int     `mapstructure:"max_attempts" json:"max_attempts"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
	TimeoutMS         int     `mapstructure:"timeout_ms" json:"timeout_ms"`
}

// Timeout returns the per-call embedding timeout.
func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetrievalConfig controls the hybrid retriever.
//
// VectorWeight and LexicalWeight combine the two normalized scores;
// MinCombinedScore is the relevance gate below which a query yields
// the insufficient-context outcome. These are policy knobs, not
// constants, and may be tuned per deployment.
type RetrievalConfig struct {
	TopK             int     `mapstructure:"top_k" json:"top_k"`
	ExpansionFactor  int     `mapstructure:"expansion_factor" json:"expansion_factor"`
	VectorWeight     float64 `mapstructure:"vector_weight" json:"vector_weight"`
	LexicalWeight    float64 `mapstructure:"lexical_weight" json:"lexical_weight"`
	MinCombinedScore float64 `mapstructure:"min_combined_score" json:"min_combined_score"`
	CacheTTLSeconds  int     `mapstructure:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	QueryTimeoutMS   int     `mapstructure:"query_timeout_ms" json:"query_timeout_ms"`
}

// CacheTTL returns the retrieval cache entry lifetime.
func (c RetrievalConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// QueryTimeout returns the per-adapter query timeout.
func (c RetrievalConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// GenerationConfig controls the generation orchestrator.
type GenerationConfig struct {
	// ContextBudget is the maximum number of characters of retrieved
	// context included in a grounded prompt.
	ContextBudget int `mapstructure:"context_budget" json:"context_budget"`
	TimeoutMS     int `mapstructure:"timeout_ms" json:"timeout_ms"`
}

// Timeout returns the single-shot generation timeout.
func (c GenerationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// PipelineConfig controls the ingestion worker pool.
type PipelineConfig struct {
	Workers              int `mapstructure:"workers" json:"workers"`
	StageMaxAttempts     int `mapstructure:"stage_max_attempts" json:"stage_max_attempts"`
	RetryBaseDelayMS     int `mapstructure:"retry_base_delay_ms" json:"retry_base_delay_ms"`
	LeaseTTLSeconds      int `mapstructure:"lease_ttl_seconds" json:"lease_ttl_seconds"`
	SupersededTTLSeconds int `mapstructure:"superseded_ttl_seconds" json:"superseded_ttl_seconds"`
}

// RetryBaseDelay returns the initial backoff delay for stage retries.
func (c PipelineConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// LeaseTTL returns the ingestion lease lifetime.
func (c PipelineConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// SupersededTTL returns how long superseded version data is retained
// before garbage collection.
func (c PipelineConfig) SupersededTTL() time.Duration {
	return time.Duration(c.SupersededTTLSeconds) * time.Second
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".docuchat")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, wins over the individual postgres_* keys.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Provider defaults
	viper.SetDefault("provider", ProviderGoogleAI)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", DefaultEmbedderModel)

	// PostgreSQL defaults for local development
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "docuchat")
	viper.SetDefault("postgres_password", "docuchat_dev_password")
	viper.SetDefault("postgres_db_name", "docuchat")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Redis defaults
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_db", 0)

	// Chunking defaults
	viper.SetDefault("chunking.max_size", DefaultChunkSize)
	viper.SetDefault("chunking.overlap", DefaultChunkOverlap)

	// Embedding defaults
	viper.SetDefault("embedding.batch_size", 32)
	viper.SetDefault("embedding.max_attempts", 4)
	viper.SetDefault("embedding.requests_per_second", 5.0)
	viper.SetDefault("embedding.timeout_ms", 30000)

	// Retrieval defaults
	viper.SetDefault("retrieval.top_k", 5)
	viper.SetDefault("retrieval.expansion_factor", 3)
	viper.SetDefault("retrieval.vector_weight", 0.7)
	viper.SetDefault("retrieval.lexical_weight", 0.3)
	viper.SetDefault("retrieval.min_combined_score", 0.05)
	viper.SetDefault("retrieval.cache_ttl_seconds", 60)
	viper.SetDefault("retrieval.query_timeout_ms", 10000)

	// Generation defaults
	viper.SetDefault("generation.context_budget", 8000)
	viper.SetDefault("generation.timeout_ms", 45000)

	// Pipeline defaults
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.stage_max_attempts", 3)
	viper.SetDefault("pipeline.retry_base_delay_ms", 250)
	viper.SetDefault("pipeline.lease_ttl_seconds", 60)
	viper.SetDefault("pipeline.superseded_ttl_seconds", 300)
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by the genkit plugin, not via viper;
// its presence is checked in Validate.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "DOCUCHAT_PROVIDER")
	mustBind("model_name", "DOCUCHAT_MODEL_NAME")
	mustBind("embedder_model", "DOCUCHAT_EMBEDDER_MODEL")
	mustBind("redis_addr", "DOCUCHAT_REDIS_ADDR")
	mustBind("postgres_password", "DOCUCHAT_POSTGRES_PASSWORD")
}

// parseDatabaseURL overrides the postgres_* fields from DATABASE_URL
// when the variable is present.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return fmt.Errorf("invalid DATABASE_URL port %q", p)
		}
		c.PostgresPort = port
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if ssl := u.Query().Get("sslmode"); ssl != "" {
		c.PostgresSSLMode = ssl
	}
	return nil
}

// PostgresURL returns the postgres:// connection URL used for
// migrations and pool construction.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser),
		url.QueryEscape(c.PostgresPassword),
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDBName,
		c.PostgresSSLMode,
	)
}

// FullModelName returns the provider-qualified model name for genkit.
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of eight
// characters or fewer are fully masked to prevent substring matching.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
