package ingest

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/docuchat/docuchat/internal/log"
)

var (
	// ErrEmptyDocument indicates the extracted text is blank after
	// normalization. Fatal for the document, no retry.
	ErrEmptyDocument = errors.New("document is empty after normalization")

	// ErrChunkingInvariant indicates the produced chunk set does not
	// cover the normalized text contiguously. This is a processor bug,
	// not an input problem, and must never occur in normal operation.
	ErrChunkingInvariant = errors.New("chunking invariant violated")

	// ErrInvalidChunkConfig indicates max_size/overlap are unusable.
	ErrInvalidChunkConfig = errors.New("invalid chunking configuration")
)

// Config controls chunk boundaries.
// Overlap must be smaller than MaxSize.
type Config struct {
	MaxSize int
	Overlap int
}

// Processor turns normalized document text into an ordered chunk set.
// Safe for concurrent use.
type Processor struct {
	cfg    Config
	logger log.Logger
}

// NewProcessor creates a document processor.
func NewProcessor(cfg Config, logger log.Logger) (*Processor, error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("%w: max_size %d", ErrInvalidChunkConfig, cfg.MaxSize)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxSize {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidChunkConfig, cfg.Overlap, cfg.MaxSize)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Processor{cfg: cfg, logger: logger}, nil
}

// Process normalizes raw extracted text and splits it into chunks for
// the given document version. The returned sequence is non-empty,
// ordered by Seq starting at 0, and covers the normalized text with
// the configured overlap.
func (p *Processor) Process(documentID string, version int, raw string) ([]Chunk, error) {
	text := Normalize(raw)
	if text == "" {
		return nil, fmt.Errorf("document %q: %w", documentID, ErrEmptyDocument)
	}

	chunks := p.split(documentID, version, text)

	if err := VerifyChunks(text, p.cfg.Overlap, chunks); err != nil {
		return nil, err
	}

	p.logger.Debug("document chunked",
		"document_id", documentID,
		"version", version,
		"chunks", len(chunks),
		"normalized_length", len(text))
	return chunks, nil
}

// Normalize collapses whitespace and strips control characters from
// extracted text. Line structure is preserved (runs of blank lines
// collapse to one blank line) because paragraph breaks guide chunk
// boundaries.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	newlines := 0
	pendingSpace := false
	wrote := false
	for _, r := range raw {
		switch {
		case r == '\n':
			newlines++
			pendingSpace = false
		case r == ' ' || r == '\t':
			pendingSpace = true
		case r < 0x20 || r == 0x7f:
			// Strip remaining control characters.
		default:
			if wrote {
				if newlines >= 2 {
					b.WriteString("\n\n")
				} else if newlines == 1 {
					b.WriteByte('\n')
				} else if pendingSpace {
					b.WriteByte(' ')
				}
			}
			newlines = 0
			pendingSpace = false
			b.WriteRune(r)
			wrote = true
		}
	}

	return b.String()
}

// split cuts normalized text into chunks of at most MaxSize bytes.
// Boundaries prefer, in order: paragraph break, line break, sentence
// end, word break — searched backwards from the size limit but no
// further back than half a chunk, so boundary preference never
// degenerates into tiny chunks. Each chunk after the first starts
// Overlap bytes before the previous chunk's end.
func (p *Processor) split(documentID string, version int, text string) []Chunk {
	var chunks []Chunk

	start := 0
	seq := 0
	for start < len(text) {
		end := start + p.cfg.MaxSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = cutPoint(text, start, end)
			if end <= start {
				// A single rune wider than the size limit still
				// becomes a chunk.
				_, size := utf8.DecodeRuneInString(text[start:])
				end = start + size
			}
		}

		chunks = append(chunks, Chunk{
			ID:         ChunkID(documentID, version, seq),
			DocumentID: documentID,
			Version:    version,
			Seq:        seq,
			Text:       text[start:end],
			SpanStart:  start,
			SpanEnd:    end,
		})

		if end == len(text) {
			break
		}

		// Shrinking the overlap keeps the next start on a rune
		// boundary without ever exceeding the configured width.
		next := nextRuneStart(text, end-p.cfg.Overlap)
		if next <= start {
			// Guarantee forward progress when a short boundary cut
			// leaves the chunk narrower than the overlap.
			_, size := utf8.DecodeRuneInString(text[start:])
			next = start + size
		}
		start = next
		seq++
	}

	return chunks
}

// prevRuneStart returns the largest rune boundary at or before i.
func prevRuneStart(text string, i int) int {
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// nextRuneStart returns the smallest rune boundary at or after i.
func nextRuneStart(text string, i int) int {
	if i < 0 {
		return 0
	}
	for i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	return i
}

// cutPoint picks the chunk end within (floor, limit], preferring the
// most structural break available.
func cutPoint(text string, start, limit int) int {
	window := text[start:limit]
	floor := len(window) / 2

	if i := strings.LastIndex(window, "\n\n"); i >= 0 && i+2 > floor {
		return start + i + 2
	}
	if i := strings.LastIndexByte(window, '\n'); i >= 0 && i+1 > floor {
		return start + i + 1
	}
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(window, sep); i >= 0 && i+2 > floor {
			return start + i + 2
		}
	}
	if i := strings.LastIndexByte(window, ' '); i >= 0 && i+1 > floor {
		return start + i + 1
	}
	// Hard split on boundary-less text, never inside a rune.
	return prevRuneStart(text, limit)
}

// VerifyChunks checks the chunking invariants: sequence indexes are
// contiguous from 0, spans cover the normalized text with no gaps,
// every chunk's text matches its span, and consecutive chunks overlap
// by at most the configured width.
func VerifyChunks(normalized string, overlap int, chunks []Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: empty chunk set", ErrChunkingInvariant)
	}
	if chunks[0].SpanStart != 0 {
		return fmt.Errorf("%w: first chunk starts at %d", ErrChunkingInvariant, chunks[0].SpanStart)
	}
	if last := chunks[len(chunks)-1]; last.SpanEnd != len(normalized) {
		return fmt.Errorf("%w: last chunk ends at %d, text length %d", ErrChunkingInvariant, last.SpanEnd, len(normalized))
	}

	for i, c := range chunks {
		if c.Seq != i {
			return fmt.Errorf("%w: chunk %d has seq %d", ErrChunkingInvariant, i, c.Seq)
		}
		if c.SpanStart >= c.SpanEnd {
			return fmt.Errorf("%w: chunk %d span [%d,%d)", ErrChunkingInvariant, i, c.SpanStart, c.SpanEnd)
		}
		if c.Text != normalized[c.SpanStart:c.SpanEnd] {
			return fmt.Errorf("%w: chunk %d text does not match its span", ErrChunkingInvariant, i)
		}
		if i == 0 {
			continue
		}
		prev := chunks[i-1]
		if c.SpanStart > prev.SpanEnd {
			return fmt.Errorf("%w: gap between chunk %d and %d", ErrChunkingInvariant, i-1, i)
		}
		if got := prev.SpanEnd - c.SpanStart; got > overlap {
			return fmt.Errorf("%w: overlap %d between chunk %d and %d exceeds configured %d",
				ErrChunkingInvariant, got, i-1, i, overlap)
		}
		if c.SpanStart <= prev.SpanStart {
			return fmt.Errorf("%w: chunk %d does not advance", ErrChunkingInvariant, i)
		}
	}
	return nil
}
