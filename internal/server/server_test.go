package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallax-labs/ragpipe/pkg/rag"
)

// fakeEmbedding answers the embedding wire protocol with one-dimensional
// vectors derived from text length, so retrieval order is predictable.
func fakeEmbedding(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []struct {
				Text string `json:"text"`
			} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i, in := range req.Input {
			resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{float32(len(in.Text))}})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("failed to encode fake embedding response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, seed bool) *Server {
	t.Helper()

	cfg, err := rag.LoadConfig("")
	require.NoError(t, err)
	cfg.Embedding.Endpoint = fakeEmbedding(t).URL
	cfg.Embedding.TimeoutSeconds = 5
	cfg.Embedding.MaxRetries = 1
	cfg.Embedding.RetryDelayMS = 1
	cfg.Chunking.MinChunkSize = 1
	cfg.Ingestion.Mode = "sequential"
	cfg.Retrieval.TopK = 2
	cfg.Store.DataDir = t.TempDir()

	engine, err := rag.NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	if seed {
		ctx := context.Background()
		for _, doc := range []struct{ content, source string }{
			{"aaaa", "a.txt"},
			{"bbbbbbbb", "b.txt"},
			{"cccccccccccccc", "c.txt"},
		} {
			_, err := engine.IngestText(ctx, doc.content, rag.DocumentMeta{Source: doc.source})
			require.NoError(t, err)
		}
	}

	return New(engine, cfg.Server)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerQuery(t *testing.T) {
	s := newTestServer(t, true)

	t.Run("returns ranked results", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/query", `{"question": "12345", "top_k": 2}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var result rag.QueryResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, "12345", result.Question)
		require.Len(t, result.Results, 2)
		assert.Equal(t, 2, result.NumDocs)

		// "12345" embeds closest to the four-character document.
		assert.Equal(t, "aaaa", result.Results[0].Chunk.Content)
		assert.Equal(t, "bbbbbbbb", result.Results[1].Chunk.Content)
		assert.Contains(t, result.Context, "[Source 1: a.txt]")
	})

	t.Run("uses configured top_k when omitted", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/query", `{"question": "12345"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var result rag.QueryResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Len(t, result.Results, 2)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/query", `{not json`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Error, "invalid request body")
	})

	t.Run("rejects blank question", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/query", `{"question": "   "}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Error, "question must not be empty")
	})

	t.Run("rejects wrong method", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodGet, "/api/v1/query", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServerQueryEmptyIndex(t *testing.T) {
	s := newTestServer(t, false)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/query", `{"question": "anything"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "no documents have been indexed")
}

func TestServerStats(t *testing.T) {
	s := newTestServer(t, true)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stats rag.IndexStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.NumChunks)
	assert.Equal(t, 1, stats.Dimension)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "c.txt"}, stats.Sources)
}

func TestServerHealthz(t *testing.T) {
	s := newTestServer(t, false)

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime_seconds")
}

func TestServerMetrics(t *testing.T) {
	s := newTestServer(t, true)

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ragpipe_chunks_indexed_total")
	assert.Contains(t, rec.Body.String(), "ragpipe_indexed_chunks")
}

func TestServerUnknownRoute(t *testing.T) {
	s := newTestServer(t, false)

	rec := doRequest(t, s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
