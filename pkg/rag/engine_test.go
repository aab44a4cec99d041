package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEngineTestConfig wires a pipeline config against a stub embedding server
// that answers [len(text)] for every input, so vector distances follow text
// length and rankings are predictable.
func newEngineTestConfig(t *testing.T) *PipelineConfig {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lengthEmbedding(w, r, false)
	}))
	t.Cleanup(srv.Close)

	cfg := getDefaultPipelineConfig()
	cfg.Embedding.Endpoint = srv.URL
	cfg.Embedding.Model = "test-embedder"
	cfg.Embedding.TimeoutSeconds = 5
	cfg.Embedding.MaxRetries = 1
	cfg.Embedding.RetryDelayMS = 1
	cfg.Chunking.MinChunkSize = 1
	cfg.Store.DataDir = t.TempDir()
	cfg.Retrieval.TopK = 2
	cfg.Ingestion.Mode = "sequential"
	return cfg
}

func newTestEngine(t *testing.T, cfg *PipelineConfig) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = newEngineTestConfig(t)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// seedEngine indexes three single-chunk documents of distinct lengths:
// "aaaa" (4), "bbbbbbbb" (8) and "cccccccccccccc" (14). A five-character
// query embeds to [5], putting a.txt closest and c.txt furthest.
func seedEngine(t *testing.T, engine *Engine) {
	t.Helper()
	ctx := context.Background()
	for _, doc := range []struct{ content, source string }{
		{"aaaa", "a.txt"},
		{"bbbbbbbb", "b.txt"},
		{"cccccccccccccc", "c.txt"},
	} {
		_, err := engine.IngestText(ctx, doc.content, DocumentMeta{Source: doc.source})
		require.NoError(t, err)
	}
}

func TestEngineIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("text ingestion reports chunk counts", func(t *testing.T) {
		engine := newTestEngine(t, nil)

		report, err := engine.IngestText(ctx, "aaaa", DocumentMeta{Source: "inline.txt"})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Files)
		assert.Equal(t, 1, report.Chunks)
		assert.Equal(t, 1, report.Added)
		assert.Zero(t, report.Duplicates)

		stats, err := engine.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.NumChunks)
		assert.Equal(t, []string{"inline.txt"}, stats.Sources)
	})

	t.Run("re-ingesting identical text counts duplicates", func(t *testing.T) {
		engine := newTestEngine(t, nil)

		_, err := engine.IngestText(ctx, "aaaa", DocumentMeta{Source: "inline.txt"})
		require.NoError(t, err)
		// Deduplication keys on content alone; a new source does not help.
		report, err := engine.IngestText(ctx, "aaaa", DocumentMeta{Source: "other.txt"})
		require.NoError(t, err)
		assert.Zero(t, report.Added)
		assert.Equal(t, 1, report.Duplicates)

		stats, _ := engine.Stats(ctx)
		assert.Equal(t, 1, stats.NumChunks)
		assert.Equal(t, []string{"inline.txt"}, stats.Sources)
	})

	t.Run("file ingestion loads from disk", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		path := filepath.Join(t.TempDir(), "note.txt")
		require.NoError(t, os.WriteFile(path, []byte("bbbbbbbb"), 0o644))

		report, err := engine.IngestFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Files)
		assert.Equal(t, 1, report.Added)
	})

	t.Run("directory ingestion isolates per-file failures", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "good.txt"), []byte("bbbbbbbb"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("   \n  "), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.bin"), []byte("binary"), 0o644))

		report, err := engine.IngestDirectory(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Files)
		assert.Equal(t, 1, report.Failed)
		require.Len(t, report.Failures, 1)
		assert.Equal(t, "empty.txt", report.Failures[0].Path)
		assert.Equal(t, 1, report.Added)
	})

	t.Run("chunking metrics accumulate", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		seedEngine(t, engine)
		assert.Equal(t, int64(3), engine.ChunkingMetrics().DocumentsProcessed)
	})
}

func TestEngineQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("querying an empty index fails", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		_, err := engine.Query(ctx, "anything", 2)
		require.ErrorIs(t, err, ErrEmptyIndex)
	})

	t.Run("blank questions are rejected", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		seedEngine(t, engine)
		_, err := engine.Query(ctx, "  \t ", 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must not be empty")
	})

	t.Run("vector search ranks by distance", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		seedEngine(t, engine)

		results, err := engine.Retrieve(ctx, "12345", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, "aaaa", results[0].Chunk.Content)
		assert.Equal(t, 1, results[0].OriginalRank)
		assert.Equal(t, 1, results[0].NewRank)
		assert.Nil(t, results[0].RerankScore)
		assert.InDelta(t, 0.5, results[0].Score, 1e-9)

		assert.Equal(t, "bbbbbbbb", results[1].Chunk.Content)
		assert.Equal(t, 2, results[1].NewRank)
	})

	t.Run("top_k defaults to the configured value", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		seedEngine(t, engine)

		results, err := engine.Retrieve(ctx, "12345", 0)
		require.NoError(t, err)
		assert.Len(t, results, 2)

		results, err = engine.Retrieve(ctx, "12345", 50)
		require.NoError(t, err)
		assert.Len(t, results, 3)
	})

	t.Run("query assembles the context block", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		seedEngine(t, engine)

		result, err := engine.Query(ctx, "12345", 2)
		require.NoError(t, err)
		assert.Equal(t, "12345", result.Question)
		assert.Equal(t, 2, result.NumDocs)
		assert.Equal(t, "[Source 1: a.txt]\naaaa\n\n---\n[Source 2: b.txt]\nbbbbbbbb\n", result.Context)
	})

	t.Run("missing sources fall back to a placeholder", func(t *testing.T) {
		block := buildContext([]RerankedResult{{
			SearchResult: SearchResult{Chunk: Chunk{Content: "hello"}, Score: 1},
		}})
		assert.Equal(t, "[Source 1: Unknown]\nhello\n", block)
	})
}

func newRerankTestEngine(t *testing.T, handler http.HandlerFunc) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := newEngineTestConfig(t)
	cfg.Rerank.Enabled = true
	cfg.Rerank.Endpoint = srv.URL
	cfg.Rerank.Model = "test-reranker"
	cfg.Rerank.Candidates = 3
	cfg.Rerank.TimeoutSeconds = 5
	cfg.Rerank.MaxRetries = 1
	cfg.Rerank.RetryDelayMS = 1
	return newTestEngine(t, cfg)
}

// scoreByIndex answers rerank requests with relevance equal to the candidate
// index, which exactly reverses the vector ordering.
func scoreByIndex(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type item struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	}
	items := make([]item, len(req.Documents))
	for i := range req.Documents {
		items[i] = item{Index: i, RelevanceScore: float64(i)}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"results": items})
}

func TestEngineRerank(t *testing.T) {
	ctx := context.Background()

	t.Run("reranked order replaces vector order", func(t *testing.T) {
		var gotDocs, gotTopN int32
		engine := newRerankTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			var req rerankRequest
			body := json.NewDecoder(r.Body)
			if err := body.Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			atomic.StoreInt32(&gotDocs, int32(len(req.Documents)))
			atomic.StoreInt32(&gotTopN, int32(req.TopN))
			type item struct {
				Index          int     `json:"index"`
				RelevanceScore float64 `json:"relevance_score"`
			}
			items := make([]item, len(req.Documents))
			for i := range req.Documents {
				items[i] = item{Index: i, RelevanceScore: float64(i)}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"results": items})
		})
		seedEngine(t, engine)

		results, err := engine.Retrieve(ctx, "12345", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)

		// All three candidates go out even though only two come back.
		assert.Equal(t, int32(3), atomic.LoadInt32(&gotDocs))
		assert.Equal(t, int32(2), atomic.LoadInt32(&gotTopN))

		assert.Equal(t, "cccccccccccccc", results[0].Chunk.Content)
		require.NotNil(t, results[0].RerankScore)
		assert.InDelta(t, 2.0, *results[0].RerankScore, 1e-9)
		assert.Equal(t, 3, results[0].OriginalRank)
		assert.Equal(t, 1, results[0].NewRank)

		assert.Equal(t, "bbbbbbbb", results[1].Chunk.Content)
		assert.Equal(t, 2, results[1].OriginalRank)
		assert.Equal(t, 2, results[1].NewRank)
	})

	t.Run("score ties keep the vector order", func(t *testing.T) {
		engine := newRerankTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			var req rerankRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			type item struct {
				Index          int     `json:"index"`
				RelevanceScore float64 `json:"relevance_score"`
			}
			// Identical scores, deliberately announced back to front.
			items := make([]item, 0, len(req.Documents))
			for i := len(req.Documents) - 1; i >= 0; i-- {
				items = append(items, item{Index: i, RelevanceScore: 0.5})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"results": items})
		})
		seedEngine(t, engine)

		results, err := engine.Retrieve(ctx, "12345", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "aaaa", results[0].Chunk.Content)
		assert.Equal(t, "bbbbbbbb", results[1].Chunk.Content)
	})

	t.Run("rerank failure falls back to vector order", func(t *testing.T) {
		engine := newRerankTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		seedEngine(t, engine)

		results, err := engine.Retrieve(ctx, "12345", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, "aaaa", results[0].Chunk.Content)
		assert.Nil(t, results[0].RerankScore)
		assert.Equal(t, 1, results[0].OriginalRank)
		assert.Equal(t, "bbbbbbbb", results[1].Chunk.Content)
	})
}

func TestEngineQueryLog(t *testing.T) {
	ctx := context.Background()

	t.Run("queries are recorded without a reranker", func(t *testing.T) {
		cfg := newEngineTestConfig(t)
		cfg.QueryLog.Enabled = true
		cfg.QueryLog.Dir = filepath.Join(t.TempDir(), "runs")
		engine := newTestEngine(t, cfg)
		seedEngine(t, engine)

		_, err := engine.Query(ctx, "12345", 2)
		require.NoError(t, err)

		log := engine.QueryLog()
		require.NotNil(t, log)
		entries, err := log.List()
		require.NoError(t, err)
		require.Len(t, entries, 1)

		meta := entries[0].Meta
		assert.Equal(t, "12345", meta.Query)
		assert.Equal(t, 2, meta.RawResultCount)
		assert.Zero(t, meta.RerankedResultCount)
		assert.False(t, meta.RerankerUsed)

		saved, err := log.Load(entries[0].Dir)
		require.NoError(t, err)
		require.NotNil(t, saved.Raw)
		assert.Len(t, saved.Raw.Results, 2)
		assert.Nil(t, saved.Reranked)
	})

	t.Run("reranked queries record both stages", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(scoreByIndex))
		t.Cleanup(srv.Close)

		cfg := newEngineTestConfig(t)
		cfg.Rerank.Enabled = true
		cfg.Rerank.Endpoint = srv.URL
		cfg.Rerank.Candidates = 3
		cfg.Rerank.MaxRetries = 1
		cfg.Rerank.RetryDelayMS = 1
		cfg.QueryLog.Enabled = true
		cfg.QueryLog.Dir = filepath.Join(t.TempDir(), "runs")
		engine := newTestEngine(t, cfg)
		seedEngine(t, engine)

		_, err := engine.Query(ctx, "12345", 2)
		require.NoError(t, err)

		entries, err := engine.QueryLog().List()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Meta.RerankerUsed)
		assert.Equal(t, 3, entries[0].Meta.RawResultCount)
		assert.Equal(t, 2, entries[0].Meta.RerankedResultCount)

		saved, err := engine.QueryLog().Load(entries[0].Dir)
		require.NoError(t, err)
		require.NotNil(t, saved.Reranked)
		require.Len(t, saved.Reranked.Results, 2)
		assert.NotNil(t, saved.Reranked.Results[0].RerankScore)
	})

	t.Run("rerank fallback is recorded as raw retrieval only", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		cfg := newEngineTestConfig(t)
		cfg.Rerank.Enabled = true
		cfg.Rerank.Endpoint = srv.URL
		cfg.Rerank.Candidates = 3
		cfg.Rerank.MaxRetries = 1
		cfg.Rerank.RetryDelayMS = 1
		cfg.QueryLog.Enabled = true
		cfg.QueryLog.Dir = filepath.Join(t.TempDir(), "runs")
		engine := newTestEngine(t, cfg)
		seedEngine(t, engine)

		_, err := engine.Query(ctx, "12345", 2)
		require.NoError(t, err)

		entries, err := engine.QueryLog().List()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.False(t, entries[0].Meta.RerankerUsed)

		saved, err := engine.QueryLog().Load(entries[0].Dir)
		require.NoError(t, err)
		require.NotNil(t, saved.Raw)
		assert.Nil(t, saved.Reranked)
	})
}

func TestEnginePersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("save then load restores the index", func(t *testing.T) {
		cfg := newEngineTestConfig(t)
		engine := newTestEngine(t, cfg)
		seedEngine(t, engine)
		require.NoError(t, engine.Save(ctx))

		reloaded := newTestEngine(t, cfg)
		require.NoError(t, reloaded.Load(ctx))

		stats, err := reloaded.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.NumChunks)

		results, err := reloaded.Retrieve(ctx, "12345", 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "aaaa", results[0].Chunk.Content)
	})

	t.Run("clear empties the index", func(t *testing.T) {
		engine := newTestEngine(t, nil)
		seedEngine(t, engine)
		require.NoError(t, engine.Clear(ctx))

		_, err := engine.Query(ctx, "12345", 2)
		require.ErrorIs(t, err, ErrEmptyIndex)
	})
}
