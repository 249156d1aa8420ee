// Package chunker splits raw document text into overlapping passages using a
// recursive boundary-seeking strategy: split on the largest separator present,
// recurse into pieces that are still too long, then greedily merge adjacent
// pieces up to the chunk size while carrying an overlap tail forward.
//
// Lengths are measured in Unicode code points, not bytes.
package chunker

import (
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the maximum passage length in characters.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the overlap between consecutive passages.
	DefaultChunkOverlap = 200
)

// GenericSeparators is the separator ladder for plain text: paragraphs,
// lines, words, then individual characters.
var GenericSeparators = []string{"\n\n", "\n", " ", ""}

// MarkdownSeparators prefers heading boundaries before the generic ladder.
var MarkdownSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", " ", ""}

// Config holds splitter settings.
type Config struct {
	// ChunkSize is the maximum passage length. Defaults to 1000 if zero.
	ChunkSize int
	// ChunkOverlap is the overlap carried into the next passage. Defaults to
	// 200 if zero; values >= ChunkSize are reduced to ChunkSize/5.
	ChunkOverlap int
	// Logger receives a warning when an unsplittable piece exceeds ChunkSize.
	Logger *slog.Logger
}

// Splitter is a recursive character splitter. It is stateless after
// construction and safe for concurrent use.
type Splitter struct {
	// size is the resolved maximum chunk length.
	size int
	// overlap is the resolved overlap length.
	overlap int
	// log receives oversize warnings.
	log *slog.Logger
}

// New constructs a Splitter, applying defaults to zero fields.
func New(cfg *Config) *Splitter {
	if cfg == nil {
		cfg = &Config{}
	}
	size := cfg.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap := cfg.ChunkOverlap
	if overlap == 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 5
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Splitter{size: size, overlap: overlap, log: log}
}

// ChunkSize returns the configured maximum passage length.
func (s *Splitter) ChunkSize() int { return s.size }

// ChunkOverlap returns the configured overlap.
func (s *Splitter) ChunkOverlap() int { return s.overlap }

// Split divides text into passages. markdown selects the heading-aware
// separator ladder. Empty or whitespace-only input yields no passages.
func (s *Splitter) Split(text string, markdown bool) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seps := GenericSeparators
	if markdown {
		seps = MarkdownSeparators
	}
	return s.splitText(text, seps)
}

// splitText implements one level of the recursion.
func (s *Splitter) splitText(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var (
		final []string
		good  []string
	)
	for _, piece := range splitKeepSeparator(text, separator) {
		if runeLen(piece) < s.size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			final = append(final, piece)
			continue
		}
		final = append(final, s.splitText(piece, rest)...)
	}
	if len(good) > 0 {
		final = append(final, s.merge(good)...)
	}
	return final
}

// merge greedily packs pieces into chunks of at most size characters. When a
// chunk is emitted, pieces are dropped from its front until what remains is
// no longer than the overlap; that remainder starts the next chunk.
// Separators are already attached to the pieces, so they are joined with "".
func (s *Splitter) merge(pieces []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > s.size {
			if total > s.size {
				s.log.Warn("chunker: piece longer than chunk size",
					slog.Int("length", total),
					slog.Int("chunk_size", s.size),
				)
			}
			if len(current) > 0 {
				if doc := joinTrim(current); doc != "" {
					docs = append(docs, doc)
				}
				for total > s.overlap || (total+n > s.size && total > 0) {
					total -= runeLen(current[0])
					current = current[1:]
				}
			}
		}
		current = append(current, p)
		total += n
	}
	if doc := joinTrim(current); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepSeparator splits text on sep, keeping each separator at the start
// of the piece that follows it. An empty sep splits into single characters.
// Empty pieces are dropped.
func splitKeepSeparator(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}

	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = sep + p
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// joinTrim concatenates pieces and trims surrounding whitespace.
func joinTrim(pieces []string) string {
	return strings.TrimSpace(strings.Join(pieces, ""))
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
