package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidRedisAddr indicates the Redis address is empty.
	ErrInvalidRedisAddr = errors.New("invalid Redis address")

	// ErrInvalidChunkSize indicates chunking.max_size is not positive.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidChunkOverlap indicates chunking.overlap is negative or
	// not smaller than chunking.max_size.
	ErrInvalidChunkOverlap = errors.New("invalid chunk overlap")

	// ErrInvalidBatchSize indicates embedding.batch_size is not positive.
	ErrInvalidBatchSize = errors.New("invalid embedding batch size")

	// ErrInvalidMaxAttempts indicates a retry attempt ceiling is not positive.
	ErrInvalidMaxAttempts = errors.New("invalid max attempts")

	// ErrInvalidTopK indicates retrieval.top_k is not positive.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidExpansionFactor indicates retrieval.expansion_factor is below 2.
	ErrInvalidExpansionFactor = errors.New("invalid expansion factor")

	// ErrInvalidWeights indicates the hybrid merge weights are unusable.
	ErrInvalidWeights = errors.New("invalid retrieval weights")

	// ErrInvalidContextBudget indicates generation.context_budget is not positive.
	ErrInvalidContextBudget = errors.New("invalid context budget")

	// ErrInvalidWorkers indicates pipeline.workers is not positive.
	ErrInvalidWorkers = errors.New("invalid worker count")
)

// Validate performs fail-fast validation of the whole configuration.
// Errors wrap the package sentinels so callers can use errors.Is.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGoogleAI, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)",
			ErrInvalidProvider, c.Provider, ProviderGoogleAI, ProviderOllama)
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name must not be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model must not be empty", ErrInvalidEmbedderModel)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres_host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: postgres_db_name must not be empty", ErrInvalidPostgresDBName)
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("%w: redis_addr must not be empty", ErrInvalidRedisAddr)
	}

	if c.Chunking.MaxSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.Chunking.MaxSize)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxSize {
		return fmt.Errorf("%w: overlap %d must be in [0, %d)",
			ErrInvalidChunkOverlap, c.Chunking.Overlap, c.Chunking.MaxSize)
	}

	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Embedding.BatchSize)
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("%w: embedding.max_attempts %d", ErrInvalidMaxAttempts, c.Embedding.MaxAttempts)
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTopK, c.Retrieval.TopK)
	}
	if c.Retrieval.ExpansionFactor < 2 {
		return fmt.Errorf("%w: %d (must be >= 2)", ErrInvalidExpansionFactor, c.Retrieval.ExpansionFactor)
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.LexicalWeight < 0 ||
		c.Retrieval.VectorWeight+c.Retrieval.LexicalWeight == 0 {
		return fmt.Errorf("%w: vector=%v lexical=%v",
			ErrInvalidWeights, c.Retrieval.VectorWeight, c.Retrieval.LexicalWeight)
	}

	if c.Generation.ContextBudget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidContextBudget, c.Generation.ContextBudget)
	}

	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Pipeline.Workers)
	}
	if c.Pipeline.StageMaxAttempts <= 0 {
		return fmt.Errorf("%w: pipeline.stage_max_attempts %d", ErrInvalidMaxAttempts, c.Pipeline.StageMaxAttempts)
	}

	return nil
}
