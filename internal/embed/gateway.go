// Package embed implements the embedding gateway: it turns batches of
// chunk text into fixed-dimension vectors through an abstract provider,
// with batching, rate limiting and bounded retry.
//
// The gateway never returns partial results: the output always has one
// vector per input in the same order, or the call fails entirely.
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/docuchat/docuchat/internal/log"
)

// ErrUnavailable indicates the embedding provider kept failing past
// the retry ceiling. Fatal for the ingestion job, not for the process.
var ErrUnavailable = errors.New("embedding service unavailable")

// Provider is the raw embedding capability. Implementations must
// return exactly one vector per input text, in input order.
// The interface is defined here, by its consumer.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// transientError marks a provider failure as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err to mark it as retryable. Providers use it to
// distinguish rate limits and timeouts from permanent failures such as
// an invalid model name.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Config controls gateway batching and retry behavior.
type Config struct {
	// BatchSize bounds the number of texts per provider request.
	BatchSize int

	// MaxAttempts bounds retries per sub-batch, including the first try.
	MaxAttempts int

	// RequestsPerSecond throttles provider calls. Zero disables the limiter.
	RequestsPerSecond float64

	// Timeout bounds each individual provider call.
	Timeout time.Duration

	// RetryBaseDelay is the initial backoff delay, doubled per attempt.
	// Defaults to 250ms.
	RetryBaseDelay time.Duration
}

// Gateway batches texts through the provider. Safe for concurrent use.
type Gateway struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	logger   log.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates an embedding gateway.
func NewGateway(provider Provider, cfg Config, logger log.Logger) *Gateway {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if logger == nil {
		logger = log.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Gateway{
		provider: provider,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// EmbedTexts returns one vector per input text, in input order.
// Failed sub-batches are retried with exponential backoff; once a
// sub-batch exhausts its attempts the whole call fails with
// ErrUnavailable. No partial result is ever returned.
func (g *Gateway) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(texts))

		vectors, err := g.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}

	// Output length equals input length by construction; dimension
	// consistency is the provider's contract, checked per batch.
	return out, nil
}

// embedBatch embeds one sub-batch with retry.
func (g *Gateway) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	delay := g.cfg.RetryBaseDelay

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limiter: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		vectors, err := g.provider.Embed(callCtx, batch)
		cancel()

		if err == nil {
			if err := validateVectors(batch, vectors); err != nil {
				return nil, err
			}
			return vectors, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		lastErr = err
		g.logger.Warn("embedding batch failed, retrying",
			"attempt", attempt,
			"max_attempts", g.cfg.MaxAttempts,
			"batch_size", len(batch),
			"error", err)

		if attempt < g.cfg.MaxAttempts {
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, g.cfg.MaxAttempts, lastErr)
}

// validateVectors enforces the no-silent-drop contract.
func validateVectors(batch []string, vectors [][]float32) error {
	if len(vectors) != len(batch) {
		return fmt.Errorf("%w: provider returned %d vectors for %d inputs",
			ErrUnavailable, len(vectors), len(batch))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: provider returned empty vector at index %d", ErrUnavailable, i)
		}
		if len(v) != len(vectors[0]) {
			return fmt.Errorf("%w: inconsistent vector dimensions (%d vs %d)",
				ErrUnavailable, len(v), len(vectors[0]))
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
