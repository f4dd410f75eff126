package answer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuchat/docuchat/internal/ingest"
	"github.com/docuchat/docuchat/internal/retrieve"
)

type fakeRetriever struct {
	results []retrieve.Candidate
	err     error
}

func (f *fakeRetriever) Retrieve(context.Context, string) ([]retrieve.Candidate, error) {
	return f.results, f.err
}

type fakeChunkSource struct {
	chunks map[string]ingest.Chunk
	err    error
}

func (f *fakeChunkSource) ChunksByIDs(_ context.Context, ids []string) ([]ingest.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []ingest.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeGenerator struct {
	answer    string
	err       error
	gotSystem string
	gotPrompt string
}

func (f *fakeGenerator) Generate(_ context.Context, system, prompt string) (string, error) {
	f.gotSystem = system
	f.gotPrompt = prompt
	return f.answer, f.err
}

func fixture(candidates []retrieve.Candidate, chunks map[string]ingest.Chunk, gen *fakeGenerator, budget int) *Orchestrator {
	return NewOrchestrator(
		Config{ContextBudget: budget},
		&fakeRetriever{results: candidates},
		&fakeChunkSource{chunks: chunks},
		gen,
		nil,
	)
}

func candidate(id, doc string, seq int, score float64) retrieve.Candidate {
	return retrieve.Candidate{ChunkID: id, DocumentID: doc, Version: 1, Seq: seq, SpanStart: seq * 100, SpanEnd: seq*100 + 80, Score: score}
}

func chunk(id, doc string, seq int, text string) ingest.Chunk {
	return ingest.Chunk{ID: id, DocumentID: doc, Version: 1, Seq: seq, Text: text, SpanStart: seq * 100, SpanEnd: seq*100 + len(text)}
}

func TestAnswerGrounded(t *testing.T) {
	gen := &fakeGenerator{answer: "Chunking splits documents into bounded pieces."}
	o := fixture(
		[]retrieve.Candidate{candidate("c1", "doc-a", 0, 0.9), candidate("c2", "doc-b", 2, 0.6)},
		map[string]ingest.Chunk{
			"c1": chunk("c1", "doc-a", 0, "Chunking splits text."),
			"c2": chunk("c2", "doc-b", 2, "Overlap preserves continuity."),
		},
		gen, 8000,
	)

	res, err := o.Answer(context.Background(), "What is chunking?")
	require.NoError(t, err)

	assert.Equal(t, "Chunking splits documents into bounded pieces.", res.Answer)
	assert.False(t, res.Insufficient)

	// The prompt carries both chunk texts and the question, and the
	// system instruction pins the model to the context.
	assert.Contains(t, gen.gotPrompt, "Chunking splits text.")
	assert.Contains(t, gen.gotPrompt, "Overlap preserves continuity.")
	assert.Contains(t, gen.gotPrompt, "Question: What is chunking?")
	assert.Contains(t, gen.gotSystem, "only the information from the context")

	require.Len(t, res.Citations, 2)
	assert.Equal(t, "c1", res.Citations[0].ChunkID)
	assert.Equal(t, "doc-a", res.Citations[0].DocumentID)
	assert.Equal(t, 0, res.Citations[0].SpanStart)
	assert.Equal(t, 80, res.Citations[0].SpanEnd)
	assert.Equal(t, "Chunking splits text.", res.Citations[0].Preview)
}

func TestAnswerInsufficientContext(t *testing.T) {
	gen := &fakeGenerator{}
	o := fixture(nil, nil, gen, 8000)

	res, err := o.Answer(context.Background(), "Anything indexed?")
	require.NoError(t, err)

	assert.True(t, res.Insufficient)
	assert.Equal(t, InsufficientAnswer, res.Answer)
	assert.Empty(t, res.Citations)
	// The model is never called without grounding context.
	assert.Empty(t, gen.gotPrompt)
}

func TestAnswerContextBudgetLimitsCitations(t *testing.T) {
	long := strings.Repeat("a", 60)
	gen := &fakeGenerator{answer: "ok"}
	o := fixture(
		[]retrieve.Candidate{
			candidate("c1", "doc-a", 0, 0.9),
			candidate("c2", "doc-a", 5, 0.8),
			candidate("c3", "doc-a", 9, 0.7),
		},
		map[string]ingest.Chunk{
			"c1": chunk("c1", "doc-a", 0, long),
			"c2": chunk("c2", "doc-a", 5, long),
			"c3": chunk("c3", "doc-a", 9, long),
		},
		gen, 130,
	)

	res, err := o.Answer(context.Background(), "question")
	require.NoError(t, err)

	// Only the first two chunks fit the budget; only they are cited.
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "c1", res.Citations[0].ChunkID)
	assert.Equal(t, "c2", res.Citations[1].ChunkID)
	assert.Equal(t, 2, strings.Count(gen.gotPrompt, long))
}

func TestAnswerOversizedTopChunkTruncated(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	o := fixture(
		[]retrieve.Candidate{candidate("c1", "doc-a", 0, 0.9)},
		map[string]ingest.Chunk{"c1": chunk("c1", "doc-a", 0, strings.Repeat("b", 500))},
		gen, 100,
	)

	res, err := o.Answer(context.Background(), "question")
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
	assert.Contains(t, gen.gotPrompt, strings.Repeat("b", 100))
	assert.NotContains(t, gen.gotPrompt, strings.Repeat("b", 101))

	// The citation covers only the prefix the model actually saw.
	assert.Equal(t, 0, res.Citations[0].SpanStart)
	assert.Equal(t, 100, res.Citations[0].SpanEnd)
}

func TestAnswerTruncationKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("é", 300) // two bytes per rune
	gen := &fakeGenerator{answer: "ok"}
	o := fixture(
		[]retrieve.Candidate{candidate("c1", "doc-a", 0, 0.9)},
		map[string]ingest.Chunk{"c1": chunk("c1", "doc-a", 0, text)},
		gen, 101,
	)

	res, err := o.Answer(context.Background(), "question")
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)

	// The budget falls inside a rune; the cut backs off to the
	// previous boundary instead of mangling the text.
	assert.True(t, utf8.ValidString(gen.gotPrompt))
	assert.Contains(t, gen.gotPrompt, strings.Repeat("é", 50))
	assert.NotContains(t, gen.gotPrompt, strings.Repeat("é", 51))
	assert.Equal(t, 100, res.Citations[0].SpanEnd)
}

func TestAnswerPreviewTruncated(t *testing.T) {
	text := strings.Repeat("x", 400)
	gen := &fakeGenerator{answer: "ok"}
	o := fixture(
		[]retrieve.Candidate{candidate("c1", "doc-a", 0, 0.9)},
		map[string]ingest.Chunk{"c1": chunk("c1", "doc-a", 0, text)},
		gen, 8000,
	)

	res, err := o.Answer(context.Background(), "question")
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
	assert.Len(t, res.Citations[0].Preview, 150)
}

func TestAnswerGenerationError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model timeout")}
	o := fixture(
		[]retrieve.Candidate{candidate("c1", "doc-a", 0, 0.9)},
		map[string]ingest.Chunk{"c1": chunk("c1", "doc-a", 0, "text")},
		gen, 8000,
	)

	_, err := o.Answer(context.Background(), "question")
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestAnswerRetrieverError(t *testing.T) {
	o := NewOrchestrator(Config{}, &fakeRetriever{err: errors.New("index offline")}, &fakeChunkSource{}, &fakeGenerator{}, nil)

	_, err := o.Answer(context.Background(), "question")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrGeneration)
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	o := NewOrchestrator(Config{}, &fakeRetriever{}, &fakeChunkSource{}, &fakeGenerator{}, nil)

	_, err := o.Answer(context.Background(), "  ")
	assert.Error(t, err)
}

func TestAnswerMissingChunksSkipped(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	o := fixture(
		[]retrieve.Candidate{candidate("c1", "doc-a", 0, 0.9), candidate("gone", "doc-a", 7, 0.5)},
		map[string]ingest.Chunk{"c1": chunk("c1", "doc-a", 0, "still here")},
		gen, 8000,
	)

	res, err := o.Answer(context.Background(), "question")
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "c1", res.Citations[0].ChunkID)
}
