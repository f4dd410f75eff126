package retrieve

import (
	"sort"

	"github.com/docuchat/docuchat/internal/index"
)

// Candidate is one retrieved chunk with its scoring breakdown. A nil
// source score means the chunk was not returned by that source, which
// is different from a source returning zero.
type Candidate struct {
	ChunkID    string   `json:"chunk_id"`
	DocumentID string   `json:"document_id"`
	Version    int      `json:"version"`
	Seq        int      `json:"seq"`
	SpanStart  int      `json:"span_start"`
	SpanEnd    int      `json:"span_end"`
	Vector     *float64 `json:"vector,omitempty"`
	Lexical    *float64 `json:"lexical,omitempty"`
	Score      float64  `json:"score"`
}

// merge combines the two source result lists into a single ranking.
func merge(vec, lex []index.Candidate, cfg Config) []Candidate {
	byID := make(map[string]*Candidate, len(vec)+len(lex))
	order := make([]string, 0, len(vec)+len(lex))

	add := func(c index.Candidate) *Candidate {
		if m, ok := byID[c.ChunkID]; ok {
			return m
		}
		m := &Candidate{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Version:    c.Version,
			Seq:        c.Seq,
			SpanStart:  c.SpanStart,
			SpanEnd:    c.SpanEnd,
		}
		byID[c.ChunkID] = m
		order = append(order, c.ChunkID)
		return m
	}

	for _, c := range vec {
		s := normalize(c.Score, minMax(vec))
		add(c).Vector = &s
	}
	for _, c := range lex {
		s := normalize(c.Score, minMax(lex))
		add(c).Lexical = &s
	}

	merged := make([]Candidate, 0, len(order))
	for _, id := range order {
		m := byID[id]
		m.Score = cfg.VectorWeight*deref(m.Vector) + cfg.LexicalWeight*deref(m.Lexical)
		if m.Score < cfg.MinCombinedScore {
			continue
		}
		merged = append(merged, *m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ChunkID < b.ChunkID
	})

	return truncate(dedupeAdjacent(merged), cfg.TopK)
}

type bounds struct{ min, max float64 }

func minMax(cs []index.Candidate) bounds {
	b := bounds{min: cs[0].Score, max: cs[0].Score}
	for _, c := range cs[1:] {
		if c.Score < b.min {
			b.min = c.Score
		}
		if c.Score > b.max {
			b.max = c.Score
		}
	}
	return b
}

// normalize rescales a raw source score to [0, 1] within its own
// result list. A degenerate list where every score is equal maps to 1,
// so a single strong hit from one source still ranks.
func normalize(s float64, b bounds) float64 {
	if b.max == b.min {
		return 1
	}
	return (s - b.min) / (b.max - b.min)
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// dedupeAdjacent drops a candidate whose neighbor chunk (same document
// version, sequence distance at most one) already ranked higher. The
// overlap between adjacent chunks makes them near duplicates.
func dedupeAdjacent(cs []Candidate) []Candidate {
	kept := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		dup := false
		for _, k := range kept {
			if k.DocumentID == c.DocumentID && k.Version == c.Version && absInt(k.Seq-c.Seq) <= 1 {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

func truncate(cs []Candidate, n int) []Candidate {
	if n > 0 && len(cs) > n {
		return cs[:n]
	}
	return cs
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
