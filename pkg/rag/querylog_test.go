package rag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugifyQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"spaces become underscores", "What is RAG?", "What_is_RAG"},
		{"safe characters survive", "hello-world_2", "hello-world_2"},
		{"punctuation is folded", `a/b\c:d`, "a_b_c_d"},
		{"unicode letters survive", "héllo wörld", "héllo_wörld"},
		{"long queries are truncated", strings.Repeat("x", 60), strings.Repeat("x", 50)},
		{"truncation counts runes, not bytes", strings.Repeat("日", 60), strings.Repeat("日", 50)},
		{"truncation strips trailing underscores", strings.Repeat("word ", 12), strings.Repeat("word_", 9) + "word"},
		{"empty query stays empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, slugifyQuery(tt.input))
		})
	}
}

func queryLogFixtures() ([]SearchResult, []RerankedResult) {
	raw := []SearchResult{
		{Chunk: Chunk{ID: 0, Content: "alpha", Meta: ChunkMeta{DocumentMeta: DocumentMeta{Source: "a.txt"}}}, Score: 0.9},
		{Chunk: Chunk{ID: 1, Content: "beta", Meta: ChunkMeta{DocumentMeta: DocumentMeta{Source: "b.txt"}}}, Score: 0.4},
	}
	score := 0.8
	reranked := []RerankedResult{
		{SearchResult: raw[1], RerankScore: &score, OriginalRank: 2, NewRank: 1},
	}
	return raw, reranked
}

func TestQueryLogRecord(t *testing.T) {
	t.Run("writes all three files for a reranked query", func(t *testing.T) {
		log, err := NewQueryLog(&QueryLogConfig{Enabled: true, Dir: t.TempDir()})
		require.NoError(t, err)
		raw, reranked := queryLogFixtures()

		dir, err := log.Record("test query", raw, reranked)
		require.NoError(t, err)
		assert.Regexp(t, `^\d{8}_\d{6}_test_query$`, filepath.Base(dir))

		data, err := os.ReadFile(filepath.Join(dir, queryLogMetadataFile))
		require.NoError(t, err)
		// Indented output so the files stay hand-readable.
		assert.True(t, strings.HasPrefix(string(data), "{\n  \"query\""))

		var meta map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &meta))
		assert.Equal(t, "test query", meta["query"])
		assert.Equal(t, float64(2), meta["raw_result_count"])
		assert.Equal(t, float64(1), meta["reranked_result_count"])
		assert.Equal(t, true, meta["reranker_used"])
		assert.Contains(t, meta, "timestamp")

		var rawDoc struct {
			ResultCount int                      `json:"result_count"`
			Results     []map[string]interface{} `json:"results"`
		}
		data, err = os.ReadFile(filepath.Join(dir, queryLogRawFile))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &rawDoc))
		assert.Equal(t, 2, rawDoc.ResultCount)
		require.Len(t, rawDoc.Results, 2)
		assert.Equal(t, "alpha", rawDoc.Results[0]["content"])
		assert.Equal(t, 0.9, rawDoc.Results[0]["score"])
		// Rerank fields never leak into the raw stage.
		assert.NotContains(t, rawDoc.Results[0], "rerank_score")

		var rerankedDoc struct {
			Results []map[string]interface{} `json:"results"`
		}
		data, err = os.ReadFile(filepath.Join(dir, queryLogRerankedFile))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &rerankedDoc))
		require.Len(t, rerankedDoc.Results, 1)
		assert.Equal(t, "beta", rerankedDoc.Results[0]["content"])
		assert.Equal(t, 0.8, rerankedDoc.Results[0]["rerank_score"])
		assert.Equal(t, float64(2), rerankedDoc.Results[0]["original_rank"])
		assert.Equal(t, float64(1), rerankedDoc.Results[0]["new_rank"])
	})

	t.Run("skips the reranked file when reranking never ran", func(t *testing.T) {
		log, err := NewQueryLog(&QueryLogConfig{Enabled: true, Dir: t.TempDir()})
		require.NoError(t, err)
		raw, _ := queryLogFixtures()

		dir, err := log.Record("raw only", raw, nil)
		require.NoError(t, err)

		_, err = os.Stat(filepath.Join(dir, queryLogRerankedFile))
		assert.True(t, os.IsNotExist(err))

		saved, err := log.Load(dir)
		require.NoError(t, err)
		assert.False(t, saved.Meta.RerankerUsed)
		assert.Nil(t, saved.Reranked)
	})
}

func TestQueryLogListAndLoad(t *testing.T) {
	t.Run("lists recorded queries newest first", func(t *testing.T) {
		root := t.TempDir()
		log, err := NewQueryLog(&QueryLogConfig{Enabled: true, Dir: root})
		require.NoError(t, err)
		raw, _ := queryLogFixtures()

		_, err = log.Record("alpha question", raw, nil)
		require.NoError(t, err)
		_, err = log.Record("beta question", raw, nil)
		require.NoError(t, err)

		// Noise the listing has to ignore.
		require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))
		require.NoError(t, os.Mkdir(filepath.Join(root, "no_metadata"), 0o755))

		entries, err := log.List()
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Greater(t, entries[0].Dir, entries[1].Dir)

		queries := []string{entries[0].Meta.Query, entries[1].Meta.Query}
		assert.ElementsMatch(t, []string{"alpha question", "beta question"}, queries)
	})

	t.Run("missing log directory lists as empty", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "runs")
		log, err := NewQueryLog(&QueryLogConfig{Enabled: true, Dir: root})
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(root))

		entries, err := log.List()
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("load round trips a recorded query", func(t *testing.T) {
		log, err := NewQueryLog(&QueryLogConfig{Enabled: true, Dir: t.TempDir()})
		require.NoError(t, err)
		raw, reranked := queryLogFixtures()

		dir, err := log.Record("round trip", raw, reranked)
		require.NoError(t, err)

		saved, err := log.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "round trip", saved.Meta.Query)
		assert.Equal(t, 2, saved.Meta.RawResultCount)
		assert.True(t, saved.Meta.RerankerUsed)

		require.NotNil(t, saved.Raw)
		require.Len(t, saved.Raw.Results, 2)
		assert.Equal(t, "alpha", saved.Raw.Results[0].Content)
		assert.Equal(t, "a.txt", saved.Raw.Results[0].Metadata.Source)

		require.NotNil(t, saved.Reranked)
		require.Len(t, saved.Reranked.Results, 1)
		require.NotNil(t, saved.Reranked.Results[0].RerankScore)
		assert.InDelta(t, 0.8, *saved.Reranked.Results[0].RerankScore, 1e-9)
		assert.Equal(t, 1, saved.Reranked.Results[0].NewRank)
	})

	t.Run("load rejects a directory without metadata", func(t *testing.T) {
		log, err := NewQueryLog(&QueryLogConfig{Enabled: true, Dir: t.TempDir()})
		require.NoError(t, err)
		_, err = log.Load(t.TempDir())
		assert.Error(t, err)
	})
}
