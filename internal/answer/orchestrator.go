// Package answer turns retrieval results into a grounded answer with
// citations.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docuchat/docuchat/internal/ingest"
	"github.com/docuchat/docuchat/internal/log"
	"github.com/docuchat/docuchat/internal/retrieve"
)

// ErrGeneration indicates the language model call failed. It is
// distinct from the insufficient-context outcome, which is a valid
// answer.
var ErrGeneration = errors.New("answer generation failed")

// InsufficientAnswer is returned verbatim when retrieval finds nothing
// relevant enough to ground an answer on.
const InsufficientAnswer = "No relevant information to answer your question."

const systemPrompt = "You are a document assistant. Use only the information from the " +
	"context to answer the question. If the context does not contain enough information, " +
	"say that you do not have enough information to answer. Do not invent facts."

const previewLen = 150

// Retriever supplies ranked chunk candidates for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]retrieve.Candidate, error)
}

// ChunkSource resolves candidate chunk IDs back to their stored text.
type ChunkSource interface {
	ChunksByIDs(ctx context.Context, ids []string) ([]ingest.Chunk, error)
}

// Generator produces the answer text from an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Citation points an answer back at one source chunk.
type Citation struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Version    int     `json:"version"`
	Seq        int     `json:"seq"`
	SpanStart  int     `json:"span_start"`
	SpanEnd    int     `json:"span_end"`
	Score      float64 `json:"score"`
	Preview    string  `json:"preview"`
}

// Result is the outcome of one question.
type Result struct {
	Answer       string     `json:"answer"`
	Citations    []Citation `json:"citations"`
	Insufficient bool       `json:"insufficient"`
}

// Config tunes prompt assembly.
type Config struct {
	// ContextBudget caps the total characters of chunk text included
	// in the prompt.
	ContextBudget int
	Timeout       time.Duration
}

// Orchestrator runs the retrieve-then-generate flow.
type Orchestrator struct {
	cfg       Config
	retriever Retriever
	chunks    ChunkSource
	generator Generator
	logger    log.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, retriever Retriever, chunks ChunkSource, generator Generator, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Orchestrator{cfg: cfg, retriever: retriever, chunks: chunks, generator: generator, logger: logger}
}

// Answer responds to a question using only indexed document content.
// When nothing relevant is found the result carries the insufficient
// outcome instead of a fabricated answer.
func (o *Orchestrator) Answer(ctx context.Context, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is empty")
	}

	candidates, err := o.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		o.logger.Info("no relevant context for question", "question_len", len(question))
		return &Result{Answer: InsufficientAnswer, Insufficient: true}, nil
	}

	included, texts, err := o.selectContext(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(included) == 0 {
		return &Result{Answer: InsufficientAnswer, Insufficient: true}, nil
	}

	prompt := buildPrompt(question, texts)

	gctx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	text, err := o.generator.Generate(gctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	citations := make([]Citation, len(included))
	for i, c := range included {
		citations[i] = Citation{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Version:    c.Version,
			Seq:        c.Seq,
			SpanStart:  c.SpanStart,
			SpanEnd:    c.SpanEnd,
			Score:      c.Score,
			Preview:    preview(texts[i]),
		}
	}

	o.logger.Info("answer generated",
		"candidates", len(candidates), "cited", len(citations), "answer_len", len(text))
	return &Result{Answer: strings.TrimSpace(text), Citations: citations}, nil
}

// selectContext resolves candidate texts and keeps candidates in rank
// order while they fit the context budget. The top candidate is always
// included, truncated if it alone exceeds the budget.
func (o *Orchestrator) selectContext(ctx context.Context, candidates []retrieve.Candidate) ([]retrieve.Candidate, []string, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	chunks, err := o.chunks.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading context chunks: %w", err)
	}
	textByID := make(map[string]string, len(chunks))
	for _, c := range chunks {
		textByID[c.ID] = c.Text
	}

	var included []retrieve.Candidate
	var texts []string
	used := 0
	for _, c := range candidates {
		text, ok := textByID[c.ChunkID]
		if !ok {
			// The chunk was garbage collected between retrieval and now.
			o.logger.Warn("candidate chunk missing", "chunk_id", c.ChunkID)
			continue
		}
		if o.cfg.ContextBudget > 0 && used+len(text) > o.cfg.ContextBudget {
			if len(included) > 0 {
				continue
			}
			cut := o.cfg.ContextBudget
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				continue
			}
			text = text[:cut]
			// The citation must cover only what the model actually saw.
			c.SpanEnd = c.SpanStart + cut
		}
		included = append(included, c)
		texts = append(texts, text)
		used += len(text)
	}
	return included, texts, nil
}

func buildPrompt(question string, texts []string) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, text := range texts {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen])
}
