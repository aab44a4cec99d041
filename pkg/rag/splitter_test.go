package rag

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCodec tokenizes on whitespace, one id per distinct word. Decoding
// joins words with single spaces.
type wordCodec struct {
	words []string
	index map[string]int
}

func newWordCodec() *wordCodec {
	return &wordCodec{index: make(map[string]int)}
}

func (c *wordCodec) Encode(text string) []int {
	fields := strings.Fields(text)
	tokens := make([]int, 0, len(fields))
	for _, f := range fields {
		id, ok := c.index[f]
		if !ok {
			id = len(c.words)
			c.index[f] = id
			c.words = append(c.words, f)
		}
		tokens = append(tokens, id)
	}
	return tokens
}

func (c *wordCodec) Decode(tokens []int) string {
	words := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t >= 0 && t < len(c.words) {
			words = append(words, c.words[t])
		}
	}
	return strings.Join(words, " ")
}

func TestSplitterCharMode(t *testing.T) {
	t.Run("empty and whitespace input yields no chunks", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 50, ChunkOverlap: 10})
		assert.Nil(t, s.Split(""))
		assert.Nil(t, s.Split("   \n\t  "))
	})

	t.Run("input within one window yields a single trimmed chunk", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 50, ChunkOverlap: 10})
		chunks := s.Split("  hello world  ")
		require.Len(t, chunks, 1)
		assert.Equal(t, "hello world", chunks[0])
	})

	t.Run("single short chunk bypasses the minimum size filter", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 50, ChunkOverlap: 10, MinChunkSize: 20})
		chunks := s.Split("tiny")
		require.Len(t, chunks, 1)
		assert.Equal(t, "tiny", chunks[0])
	})

	t.Run("uniform text cuts hard windows with overlap", func(t *testing.T) {
		// 120 chars, size 50, overlap 10: windows [0:50], [40:90], [80:120].
		s := NewSplitter(SplitterConfig{ChunkSize: 50, ChunkOverlap: 10})
		chunks := s.Split(strings.Repeat("a", 120))
		require.Len(t, chunks, 3)
		assert.Len(t, chunks[0], 50)
		assert.Len(t, chunks[1], 50)
		assert.Len(t, chunks[2], 40)
	})

	t.Run("prefers a sentence boundary in the window tail", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 40, ChunkOverlap: 10})
		text := "The quick brown foxes jumped over logs. Here the second sentence continues on and on."
		chunks := s.Split(text)
		require.NotEmpty(t, chunks)
		assert.Equal(t, "The quick brown foxes jumped over logs.", chunks[0])
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), 40)
		}
	})

	t.Run("falls back to a word boundary past the midpoint", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 30, ChunkOverlap: 5})
		text := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
		chunks := s.Split(text)
		require.NotEmpty(t, chunks)
		assert.Equal(t, "alpha beta gamma delta", chunks[0])
		for _, c := range chunks {
			assert.False(t, strings.HasPrefix(c, " "))
			assert.False(t, strings.HasSuffix(c, " "))
			assert.LessOrEqual(t, len(c), 30)
		}
	})

	t.Run("unbroken text falls back to hard cuts", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 10, ChunkOverlap: 0})
		chunks := s.Split(strings.Repeat("x", 35))
		require.Len(t, chunks, 4)
		for i := 0; i < 3; i++ {
			assert.Len(t, chunks[i], 10)
		}
		assert.Len(t, chunks[3], 5)
	})

	t.Run("multibyte text counts runes, not bytes", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 10, ChunkOverlap: 0})
		chunks := s.Split(strings.Repeat("日", 25))
		require.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.True(t, utf8.ValidString(c))
		}
		assert.Equal(t, 10, utf8.RuneCountInString(chunks[0]))
		assert.Equal(t, 5, utf8.RuneCountInString(chunks[2]))
	})

	t.Run("short windowed chunks are filtered", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 50, ChunkOverlap: 0, MinChunkSize: 20})
		chunks := s.Split(strings.Repeat("b", 60))
		require.Len(t, chunks, 1)
		assert.Len(t, chunks[0], 50)
	})

	t.Run("terminates when overlap is corrected below chunk size", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 10, ChunkOverlap: 10})
		chunks := s.Split(strings.Repeat("y", 100))
		assert.NotEmpty(t, chunks)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), 10)
		}
	})

	t.Run("every chunk is non-empty and trimmed", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 25, ChunkOverlap: 5})
		text := "One sentence here. Another follows it. A third one too. And then a fourth. Finally a fifth one ends."
		for _, c := range s.Split(text) {
			assert.NotEmpty(t, c)
			assert.Equal(t, strings.TrimSpace(c), c)
		}
	})
}

func TestSplitterCorrections(t *testing.T) {
	t.Run("non-positive chunk size falls back to default", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 0})
		chunks := s.Split(strings.Repeat("z", 400))
		require.Len(t, chunks, 1)
	})

	t.Run("negative overlap is treated as zero", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{ChunkSize: 10, ChunkOverlap: -5})
		chunks := s.Split(strings.Repeat("q", 30))
		assert.Len(t, chunks, 3)
	})

	t.Run("token mode without a codec downgrades to char", func(t *testing.T) {
		s := NewSplitter(SplitterConfig{Mode: ModeToken, ChunkSize: 10})
		assert.Equal(t, ModeChar, s.Mode())
		chunks := s.Split(strings.Repeat("c", 25))
		assert.Len(t, chunks, 3)
	})
}

func TestSplitterTokenMode(t *testing.T) {
	t.Run("splits by token count with overlap", func(t *testing.T) {
		codec := newWordCodec()
		s := NewSplitter(SplitterConfig{Mode: ModeToken, ChunkSize: 5, ChunkOverlap: 1, Codec: codec})
		require.Equal(t, ModeToken, s.Mode())

		chunks := s.Split("a b c d e f g h i j k l")
		require.Equal(t, []string{"a b c d", "d e f g", "g h i j", "j k l"}, chunks)
	})

	t.Run("input within one token window yields a single chunk", func(t *testing.T) {
		codec := newWordCodec()
		s := NewSplitter(SplitterConfig{Mode: ModeToken, ChunkSize: 10, ChunkOverlap: 2, Codec: codec})
		chunks := s.Split("only five words right here")
		require.Len(t, chunks, 1)
		assert.Equal(t, "only five words right here", chunks[0])
	})

	t.Run("minimum size filter counts tokens", func(t *testing.T) {
		codec := newWordCodec()
		s := NewSplitter(SplitterConfig{Mode: ModeToken, ChunkSize: 4, ChunkOverlap: 0, MinChunkSize: 3, Codec: codec})
		// Word-boundary cuts advance three tokens per window, leaving a
		// one-token tail that falls under the minimum.
		chunks := s.Split("t1 t2 t3 t4 t5 t6 t7 t8 t9 t10")
		require.Equal(t, []string{"t1 t2 t3", "t4 t5 t6", "t7 t8 t9"}, chunks)
	})
}

func TestBoundaryCut(t *testing.T) {
	t.Run("no boundary in an unbroken window", func(t *testing.T) {
		_, ok := boundaryCut(strings.Repeat("a", 40))
		assert.False(t, ok)
	})

	t.Run("keeps sentence punctuation and drops the separator", func(t *testing.T) {
		window := "Some padding words go here ahead. More"
		cut, ok := boundaryCut(window)
		require.True(t, ok)
		assert.Equal(t, byte('.'), window[cut-1])
	})

	t.Run("ignores boundaries at or before the midpoint", func(t *testing.T) {
		// Only gap sits exactly at the midpoint of a 10-char window.
		cut, ok := boundaryCut("aaaaa bbbb")
		assert.False(t, ok)
		assert.Zero(t, cut)
	})
}
