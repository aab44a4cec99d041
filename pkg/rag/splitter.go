package rag

import (
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Chunking modes understood by the splitter.
const (
	ModeChar  = "char"
	ModeToken = "token"
)

// sentenceEnders are the delimiters a window cut prefers, best last match
// wins. The trailing space or newline keeps mid-token periods (e.g. "v1.2")
// from being mistaken for sentence ends.
var sentenceEnders = []string{". ", "? ", "! ", ".\n", "?\n", "!\n"}

// SplitterConfig parameterizes a Splitter. Sizes are measured in characters
// for ModeChar and in tokens for ModeToken. MinChunkSize of zero disables the
// short-chunk filter.
type SplitterConfig struct {
	Mode         string
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
	Codec        TokenCodec
}

// Splitter cuts text into overlapping windows, preferring sentence and word
// boundaries over hard cuts. It is stateless after construction and safe for
// concurrent use.
type Splitter struct {
	mode         string
	chunkSize    int
	chunkOverlap int
	minChunkSize int
	codec        TokenCodec
	logger       *slog.Logger
}

// NewSplitter builds a Splitter, correcting degenerate configurations: a
// non-positive chunk size falls back to 500, an overlap at or above the chunk
// size is reduced to a quarter of it so the window always advances, and token
// mode without a codec downgrades to character mode.
func NewSplitter(cfg SplitterConfig) *Splitter {
	logger := slog.Default().With("component", "splitter")

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		corrected := cfg.ChunkSize / 4
		logger.Warn("chunk overlap at or above chunk size, correcting",
			"chunk_size", cfg.ChunkSize,
			"chunk_overlap", cfg.ChunkOverlap,
			"corrected_overlap", corrected)
		cfg.ChunkOverlap = corrected
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeChar
	}
	if mode == ModeToken && cfg.Codec == nil {
		logger.Warn("token mode requested without a token codec, falling back to character mode")
		mode = ModeChar
	}

	return &Splitter{
		mode:         mode,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		minChunkSize: cfg.MinChunkSize,
		codec:        cfg.Codec,
		logger:       logger,
	}
}

// Mode reports the effective chunking mode after any downgrade.
func (s *Splitter) Mode() string {
	return s.mode
}

// Split cuts text into ordered, non-empty chunks. Empty or whitespace-only
// input yields no chunks; input that fits one window yields a single trimmed
// chunk.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if s.mode == ModeToken {
		return s.splitTokens(text)
	}
	return s.splitChars(text)
}

func (s *Splitter) splitChars(text string) []string {
	runes := []rune(text)
	if len(runes) <= s.chunkSize {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		// end stays unclipped so the overlap arithmetic below can tell a
		// full window from the final partial one.
		end := start + s.chunkSize
		window := string(runes[start:min(end, len(runes))])

		if end < len(runes) {
			if cut, ok := boundaryCut(window); ok {
				// cut is a byte offset but always lands after an ASCII
				// delimiter, so the window stays valid UTF-8.
				window = window[:cut]
				end = start + utf8.RuneCountInString(window)
			}
		}

		trimmed := strings.TrimSpace(window)
		s.keep(&chunks, trimmed, utf8.RuneCountInString(trimmed))

		next := end - s.chunkOverlap
		if next <= end-s.chunkSize || next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func (s *Splitter) splitTokens(text string) []string {
	tokens := s.codec.Encode(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= s.chunkSize {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	start := 0
	for start < len(tokens) {
		end := start + s.chunkSize
		kept := min(end, len(tokens)) - start
		window := s.codec.Decode(tokens[start:min(end, len(tokens))])

		if end < len(tokens) {
			if cut, ok := boundaryCut(window); ok {
				// Re-encode the truncated text: tokenizers do not slice
				// cleanly at character positions, and a truncation that
				// collapses below half a window would stall the walk.
				truncated := window[:cut]
				if n := len(s.codec.Encode(truncated)); n >= s.chunkSize/2 {
					window = truncated
					kept = n
					end = start + n
				}
			}
		}

		s.keep(&chunks, strings.TrimSpace(window), kept)

		next := end - s.chunkOverlap
		if next <= end-s.chunkSize || next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// keep appends chunk unless it is empty or its size (in the mode's units)
// falls below the configured minimum.
func (s *Splitter) keep(chunks *[]string, chunk string, size int) {
	if chunk == "" {
		return
	}
	if s.minChunkSize > 0 && size < s.minChunkSize {
		return
	}
	*chunks = append(*chunks, chunk)
}

// boundaryCut returns how many leading bytes of window to keep so the cut
// lands on a boundary: the last sentence ender in the window's final quarter,
// else the last inter-word gap past the midpoint. ok is false when only a
// hard cut remains.
func boundaryCut(window string) (int, bool) {
	mid := len(window) / 2
	tail := len(window) - len(window)/4

	cut := -1
	for _, ender := range sentenceEnders {
		if i := strings.LastIndex(window[tail:], ender); i >= 0 && tail+i > mid {
			// Keep the punctuation, drop the trailing separator.
			if c := tail + i + 1; c > cut {
				cut = c
			}
		}
	}
	if cut > 0 {
		return cut, true
	}

	if i := strings.LastIndexAny(window, " \t\n"); i > mid {
		return i, true
	}
	return 0, false
}
