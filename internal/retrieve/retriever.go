package retrieve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docuchat/docuchat/internal/index"
	"github.com/docuchat/docuchat/internal/log"
)

// QueryEmbedder embeds the query text.
type QueryEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorSearcher is the read side of the semantic index.
type VectorSearcher interface {
	Query(ctx context.Context, embedding []float32, topK int) ([]index.Candidate, error)
}

// LexicalSearcher is the read side of the keyword index.
type LexicalSearcher interface {
	Query(ctx context.Context, queryText string, topK int) ([]index.Candidate, error)
}

// ResultCache stores merged rankings keyed by query and corpus state.
type ResultCache interface {
	Get(ctx context.Context, query string, topK int) ([]Candidate, bool)
	Set(ctx context.Context, query string, topK int, results []Candidate)
}

// Config tunes the hybrid ranking.
type Config struct {
	TopK             int
	ExpansionFactor  int
	VectorWeight     float64
	LexicalWeight    float64
	MinCombinedScore float64
	QueryTimeout     time.Duration
}

// Retriever runs hybrid retrieval over the two indexes.
type Retriever struct {
	cfg      Config
	embedder QueryEmbedder
	vector   VectorSearcher
	lexical  LexicalSearcher
	cache    ResultCache
	logger   log.Logger
}

// NewRetriever creates a retriever. The cache may be nil.
func NewRetriever(cfg Config, embedder QueryEmbedder, vector VectorSearcher, lexical LexicalSearcher, cache ResultCache, logger log.Logger) *Retriever {
	if cfg.ExpansionFactor <= 0 {
		cfg.ExpansionFactor = 1
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{cfg: cfg, embedder: embedder, vector: vector, lexical: lexical, cache: cache, logger: logger}
}

// Retrieve returns the top-ranked chunk candidates for a query. An
// empty result is a valid outcome, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}

	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, query, r.cfg.TopK); ok {
			r.logger.Debug("retrieval cache hit", "query_len", len(query))
			return cached, nil
		}
	}

	vectors, err := r.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	embedding := vectors[0]

	// Each source over-fetches so the merge has enough candidates to
	// rank even when the two sources disagree.
	fetch := r.cfg.TopK * r.cfg.ExpansionFactor

	qctx := ctx
	if r.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
	}

	var vec, lex []index.Candidate
	g, gctx := errgroup.WithContext(qctx)
	g.Go(func() error {
		var err error
		vec, err = r.vector.Query(gctx, embedding, fetch)
		return err
	})
	g.Go(func() error {
		var err error
		lex, err = r.lexical.Query(gctx, query, fetch)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("querying indexes: %w", err)
	}

	results := merge(vec, lex, r.cfg)
	r.logger.Debug("retrieval merged",
		"vector_hits", len(vec), "lexical_hits", len(lex), "results", len(results))

	if r.cache != nil {
		r.cache.Set(ctx, query, r.cfg.TopK, results)
	}
	return results, nil
}
