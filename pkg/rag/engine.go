package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// IngestFailure reports one file that could not be ingested.
type IngestFailure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// IngestReport tallies one ingestion run.
type IngestReport struct {
	Files      int             `json:"files"`
	Failed     int             `json:"failed"`
	Chunks     int             `json:"chunks"`
	Added      int             `json:"added"`
	Duplicates int             `json:"duplicates"`
	Elapsed    time.Duration   `json:"elapsed"`
	Failures   []IngestFailure `json:"failures,omitempty"`
}

// Engine wires the full pipeline: extraction, chunking, embedding, the
// vector store, optional reranking and the query log. It is the only type
// callers outside this package need.
type Engine struct {
	config    *PipelineConfig
	logger    *slog.Logger
	metrics   *PipelineMetrics
	cache     *EmbeddingCache
	embedder  EmbeddingClient
	store     VectorStore
	chunker   *Chunker
	loader    *Loader
	scheduler *Scheduler
	reranker  RerankClient
	queryLog  *QueryLog
	startTime time.Time
}

// NewEngine builds all components in dependency order. A nil config uses
// defaults. Optional components that fail to come up (cache, query log) are
// logged and skipped; required ones (store) abort construction.
func NewEngine(config *PipelineConfig) (*Engine, error) {
	if config == nil {
		config = getDefaultPipelineConfig()
	}

	e := &Engine{
		config:    config,
		logger:    slog.Default().With("component", "rag-engine"),
		startTime: time.Now(),
	}

	if err := e.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline components: %w", err)
	}

	e.logger.Info("rag engine initialized",
		"store", config.Store.Backend,
		"rerank", config.Rerank.Enabled,
		"cache", e.cache != nil)
	return e, nil
}

func (e *Engine) initializeComponents() error {
	e.metrics = NewPipelineMetrics(nil)

	if e.config.Cache.Enabled {
		cache, err := NewEmbeddingCache(&e.config.Cache)
		if err != nil {
			e.logger.Warn("embedding cache unavailable, continuing without it", "error", err)
		} else {
			e.cache = cache
		}
	}

	e.embedder = NewEmbeddingService(&e.config.Embedding, e.cache, e.metrics)

	store, err := NewVectorStore(&e.config.Store, e.embedder, e.metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	e.store = store

	e.chunker = NewChunker(&e.config.Chunking, nil, e.config.Embedding.Model)
	e.loader = NewLoader(NewFileExtractor(&e.config.Extraction))
	e.scheduler = NewScheduler(&e.config.Ingestion, e.loader)

	if e.config.Rerank.Enabled {
		e.reranker = NewRerankerService(&e.config.Rerank)
	}

	if e.config.QueryLog.Enabled {
		queryLog, err := NewQueryLog(&e.config.QueryLog)
		if err != nil {
			e.logger.Warn("query log unavailable, continuing without it", "error", err)
		} else {
			e.queryLog = queryLog
		}
	}

	return nil
}

// OnIngestProgress registers a per-file progress callback for directory
// ingestion. Must be called before IngestDirectory.
func (e *Engine) OnIngestProgress(fn ProgressFunc) {
	e.scheduler.OnProgress(fn)
}

// IngestText chunks and indexes a raw string.
func (e *Engine) IngestText(ctx context.Context, content string, meta DocumentMeta) (*IngestReport, error) {
	start := time.Now()

	doc, err := e.loader.LoadText(content, meta)
	if err != nil {
		e.metrics.RecordIngest("failed")
		return nil, err
	}

	report, err := e.indexDocuments(ctx, []*Document{doc})
	if err != nil {
		e.metrics.RecordIngest("failed")
		return nil, err
	}
	e.metrics.RecordIngest("ok")

	report.Files = 1
	report.Elapsed = time.Since(start)
	return report, nil
}

// IngestFile extracts, chunks and indexes one file.
func (e *Engine) IngestFile(ctx context.Context, path string) (*IngestReport, error) {
	start := time.Now()

	docs, err := e.loader.LoadFile(ctx, path)
	if err != nil {
		e.metrics.RecordIngest("failed")
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	report, err := e.indexDocuments(ctx, docs)
	if err != nil {
		e.metrics.RecordIngest("failed")
		return nil, err
	}
	e.metrics.RecordIngest("ok")

	report.Files = 1
	report.Elapsed = time.Since(start)
	return report, nil
}

// IngestDirectory walks a directory, loads every matching file (in parallel
// when worthwhile), then chunks and indexes all successfully loaded
// documents in one batch. Per-file failures are reported, not fatal.
func (e *Engine) IngestDirectory(ctx context.Context, dir string) (*IngestReport, error) {
	start := time.Now()

	outcomes, err := e.scheduler.LoadDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}

	report := &IngestReport{}
	var docs []*Document
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			report.Failed++
			report.Failures = append(report.Failures, IngestFailure{
				Path: outcome.Path,
				Err:  outcome.Err.Error(),
			})
			e.metrics.RecordIngest("failed")
			continue
		}
		report.Files++
		docs = append(docs, outcome.Docs...)
		e.metrics.RecordIngest("ok")
	}

	if len(docs) > 0 {
		indexed, err := e.indexDocuments(ctx, docs)
		if err != nil {
			return nil, err
		}
		report.Chunks = indexed.Chunks
		report.Added = indexed.Added
		report.Duplicates = indexed.Duplicates
	}

	report.Elapsed = time.Since(start)
	e.logger.Info("directory ingested",
		"dir", dir,
		"files", report.Files,
		"failed", report.Failed,
		"chunks", report.Chunks,
		"added", report.Added,
		"duplicates", report.Duplicates,
		"elapsed", report.Elapsed)
	return report, nil
}

// indexDocuments chunks the documents and adds every chunk in one store
// batch.
func (e *Engine) indexDocuments(ctx context.Context, docs []*Document) (*IngestReport, error) {
	var chunks []Chunk
	for _, doc := range docs {
		chunks = append(chunks, e.chunker.ChunkDocument(doc)...)
	}
	if len(chunks) == 0 {
		return &IngestReport{}, nil
	}

	added, err := e.store.Add(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to index chunks: %w", err)
	}
	return &IngestReport{
		Chunks:     len(chunks),
		Added:      added.Added,
		Duplicates: added.Duplicates,
	}, nil
}

// Retrieve runs vector search (plus reranking when enabled) and returns the
// final ranked results.
func (e *Engine) Retrieve(ctx context.Context, question string, topK int) ([]RerankedResult, error) {
	_, results, err := e.retrieve(ctx, question, topK)
	return results, err
}

// Query retrieves, assembles the context block and records the run.
func (e *Engine) Query(ctx context.Context, question string, topK int) (*QueryResult, error) {
	start := time.Now()

	result, raw, err := e.doQuery(ctx, question, topK)
	if err != nil {
		e.metrics.RecordQuery("failed", time.Since(start).Seconds())
		return nil, err
	}
	e.metrics.RecordQuery("ok", time.Since(start).Seconds())

	if e.queryLog != nil {
		// A fallback result set carries no rerank scores and is recorded as
		// raw retrieval only.
		var reranked []RerankedResult
		if len(result.Results) > 0 && result.Results[0].RerankScore != nil {
			reranked = result.Results
		}
		if _, err := e.queryLog.Record(question, raw, reranked); err != nil {
			e.logger.Warn("failed to record query results", "error", err)
		}
	}
	return result, nil
}

func (e *Engine) doQuery(ctx context.Context, question string, topK int) (*QueryResult, []SearchResult, error) {
	raw, results, err := e.retrieve(ctx, question, topK)
	if err != nil {
		return nil, nil, err
	}
	return &QueryResult{
		Question: question,
		Context:  buildContext(results),
		Results:  results,
		NumDocs:  len(results),
	}, raw, nil
}

// retrieve returns both the broad vector search hits and the final ranked
// slice. With reranking enabled it over-fetches candidates, asks the
// reranker for the top k and maps the winners back; when the reranker
// fails it falls back to the first k vector hits unchanged.
func (e *Engine) retrieve(ctx context.Context, question string, topK int) ([]SearchResult, []RerankedResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, nil, fmt.Errorf("query must not be empty")
	}
	k := topK
	if k <= 0 {
		k = e.config.Retrieval.TopK
	}

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read index stats: %w", err)
	}
	if stats.NumChunks == 0 {
		return nil, nil, fmt.Errorf("no documents have been indexed: %w", ErrEmptyIndex)
	}

	if e.reranker == nil {
		raw, err := e.store.Search(ctx, question, k)
		if err != nil {
			return nil, nil, err
		}
		results := make([]RerankedResult, len(raw))
		for i, r := range raw {
			results[i] = RerankedResult{
				SearchResult: r,
				OriginalRank: i + 1,
				NewRank:      i + 1,
			}
		}
		return raw, results, nil
	}

	fetch := e.config.Rerank.Candidates
	if k > fetch {
		fetch = k
	}
	raw, err := e.store.Search(ctx, question, fetch)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return raw, nil, nil
	}

	docs := make([]string, len(raw))
	for i, r := range raw {
		docs[i] = r.Chunk.Content
	}

	scored, err := e.reranker.Rerank(ctx, question, docs, k)
	if err != nil {
		e.metrics.RecordRerankFallback()
		e.logger.Warn("reranking failed, falling back to vector order", "error", err)
		if len(raw) > k {
			raw = raw[:k]
		}
		results := make([]RerankedResult, len(raw))
		for i, r := range raw {
			results[i] = RerankedResult{
				SearchResult: r,
				OriginalRank: i + 1,
				NewRank:      i + 1,
			}
		}
		return raw, results, nil
	}

	// Order by relevance, ties by the candidate's vector rank.
	sort.Slice(scored, func(i, j int) bool { return scored[i].Index < scored[j].Index })
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RelevanceScore > scored[j].RelevanceScore
	})
	if len(scored) > k {
		scored = scored[:k]
	}

	results := make([]RerankedResult, 0, len(scored))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(raw) {
			continue
		}
		score := s.RelevanceScore
		results = append(results, RerankedResult{
			SearchResult: raw[s.Index],
			RerankScore:  &score,
			OriginalRank: s.Index + 1,
			NewRank:      len(results) + 1,
		})
	}

	if e.logger.Enabled(ctx, slog.LevelDebug) {
		for _, r := range results {
			e.logger.Debug("rerank placement",
				"new_rank", r.NewRank,
				"original_rank", r.OriginalRank,
				"rank_delta", r.OriginalRank-r.NewRank,
				"vector_score", r.Score,
				"rerank_score", *r.RerankScore)
		}
	}
	return raw, results, nil
}

// buildContext concatenates the ranked chunks into one prompt-ready block.
func buildContext(results []RerankedResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		source := r.Chunk.Meta.Source
		if source == "" {
			source = "Unknown"
		}
		parts[i] = fmt.Sprintf("[Source %d: %s]\n%s\n", i+1, source, r.Chunk.Content)
	}
	return strings.Join(parts, "\n---\n")
}

// Save persists the index.
func (e *Engine) Save(ctx context.Context) error {
	return e.store.Save(ctx)
}

// Load restores a previously saved index.
func (e *Engine) Load(ctx context.Context) error {
	return e.store.Load(ctx)
}

// Clear empties the index and removes its persisted form.
func (e *Engine) Clear(ctx context.Context) error {
	return e.store.Clear(ctx)
}

// Stats reports the current index state.
func (e *Engine) Stats(ctx context.Context) (IndexStats, error) {
	return e.store.Stats(ctx)
}

// Metrics exposes the engine's Prometheus metrics.
func (e *Engine) Metrics() *PipelineMetrics {
	return e.metrics
}

// ChunkingMetrics reports chunker counters.
func (e *Engine) ChunkingMetrics() ChunkingMetrics {
	return e.chunker.Metrics()
}

// CacheMetrics reports embedding cache counters, or nil when the cache is
// disabled.
func (e *Engine) CacheMetrics() *EmbeddingCacheMetrics {
	if e.cache == nil {
		return nil
	}
	m := e.cache.Metrics()
	return &m
}

// QueryLog exposes the query log, or nil when disabled.
func (e *Engine) QueryLog() *QueryLog {
	return e.queryLog
}

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.startTime)
}

// Close shuts down components that hold external resources.
func (e *Engine) Close() error {
	var errs []error
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store shutdown: %w", err))
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
