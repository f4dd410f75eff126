// Package provider adapts genkit models to the embedding and
// generation interfaces the pipeline consumes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/docuchat/docuchat/internal/config"
	"github.com/docuchat/docuchat/internal/embed"
	"github.com/docuchat/docuchat/internal/log"
)

// Provider wraps a genkit instance with the configured embedder and
// generation model.
type Provider struct {
	g         *genkit.Genkit
	embedder  ai.Embedder
	modelName string
	logger    log.Logger
}

// New initializes genkit with the Google AI plugin. The API key is
// read from the environment by the plugin itself.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, fmt.Errorf("initializing genkit")
	}

	return &Provider{
		g:         g,
		embedder:  googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel),
		modelName: cfg.FullModelName(),
		logger:    logger,
	}, nil
}

// Embed returns one vector per input text, in order. Rate limit and
// availability failures are marked transient so the gateway retries
// them.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := p.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		if isTransient(err) {
			return nil, embed.Transient(err)
		}
		return nil, fmt.Errorf("generating embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Embedding
	}
	return out, nil
}

// Generate produces the answer text for an assembled prompt.
func (p *Provider) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(p.modelName),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}
	return resp.Text(), nil
}

// isTransient classifies provider failures worth retrying. The genkit
// plugin does not expose typed errors, so this matches on the status
// text.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "500", "502", "503",
		"rate limit", "resource exhausted", "unavailable", "overloaded", "timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
