package rag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics exposes pipeline activity as Prometheus metrics. Every
// engine owns its own registry so multiple instances never fight over
// registration; the HTTP server serves the registry of the engine it wraps.
// All record methods are nil-safe so metrics stay optional.
type PipelineMetrics struct {
	registry *prometheus.Registry

	documentsIngested *prometheus.CounterVec
	chunksIndexed     prometheus.Counter
	duplicatesSkipped prometheus.Counter
	embeddingRequests *prometheus.CounterVec
	embeddingLatency  prometheus.Histogram
	queries           *prometheus.CounterVec
	queryLatency      prometheus.Histogram
	rerankFallbacks   prometheus.Counter
	indexedChunks     prometheus.Gauge
}

// NewPipelineMetrics builds the metric set on registry, or on a fresh
// private registry when nil.
func NewPipelineMetrics(registry *prometheus.Registry) *PipelineMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &PipelineMetrics{registry: registry}

	m.documentsIngested = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragpipe",
			Name:      "documents_ingested_total",
			Help:      "Documents processed during ingestion, by outcome",
		},
		[]string{"status"},
	)
	m.chunksIndexed = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragpipe",
			Name:      "chunks_indexed_total",
			Help:      "Chunks accepted into the vector index",
		},
	)
	m.duplicatesSkipped = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragpipe",
			Name:      "duplicate_chunks_skipped_total",
			Help:      "Chunks skipped by content-hash deduplication",
		},
	)
	m.embeddingRequests = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragpipe",
			Name:      "embedding_requests_total",
			Help:      "Embedding service requests, by outcome",
		},
		[]string{"status"},
	)
	m.embeddingLatency = promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragpipe",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding service request latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	m.queries = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragpipe",
			Name:      "queries_total",
			Help:      "Retrieval queries, by outcome",
		},
		[]string{"status"},
	)
	m.queryLatency = promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragpipe",
			Name:      "query_duration_seconds",
			Help:      "End-to-end retrieval latency including reranking",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	m.rerankFallbacks = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "ragpipe",
			Name:      "rerank_fallbacks_total",
			Help:      "Queries answered with vector-search order after rerank failure",
		},
	)
	m.indexedChunks = promauto.With(registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ragpipe",
			Name:      "indexed_chunks",
			Help:      "Chunks currently in the vector index",
		},
	)
	return m
}

// Registry returns the underlying registry for serving /metrics.
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *PipelineMetrics) RecordIngest(status string) {
	if m == nil {
		return
	}
	m.documentsIngested.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) RecordIndexed(added, duplicates int) {
	if m == nil {
		return
	}
	m.chunksIndexed.Add(float64(added))
	m.duplicatesSkipped.Add(float64(duplicates))
}

func (m *PipelineMetrics) RecordEmbedding(status string, seconds float64) {
	if m == nil {
		return
	}
	m.embeddingRequests.WithLabelValues(status).Inc()
	m.embeddingLatency.Observe(seconds)
}

func (m *PipelineMetrics) RecordQuery(status string, seconds float64) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(status).Inc()
	m.queryLatency.Observe(seconds)
}

func (m *PipelineMetrics) RecordRerankFallback() {
	if m == nil {
		return
	}
	m.rerankFallbacks.Inc()
}

func (m *PipelineMetrics) SetIndexedChunks(n int) {
	if m == nil {
		return
	}
	m.indexedChunks.Set(float64(n))
}
