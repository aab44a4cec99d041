package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Document is a single ingested source text. Documents are immutable once
// created; ContentHash is the document-level dedup key.
type Document struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Meta        DocumentMeta `json:"metadata"`
	ContentHash string       `json:"content_hash"`
	IngestedAt  time.Time    `json:"ingestion_timestamp"`
}

// DocumentMeta carries the known per-document fields plus one open
// extension map for source-specific extras.
type DocumentMeta struct {
	Source   string         `json:"source,omitempty"`
	Title    string         `json:"title,omitempty"`
	FileType string         `json:"file_type,omitempty"`
	Page     int            `json:"page,omitempty"` // 1-based page number, 0 for whole-file documents
	Extra    map[string]any `json:"extra,omitempty"`
}

// clone returns a deep copy so chunks never share metadata with their
// document or with each other.
func (m DocumentMeta) clone() DocumentMeta {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// NewDocument builds an immutable Document with its content hash and
// ingestion timestamp stamped.
func NewDocument(content string, meta DocumentMeta) *Document {
	return &Document{
		ID:          uuid.New().String(),
		Content:     content,
		Meta:        meta,
		ContentHash: hashContent(content),
		IngestedAt:  time.Now().UTC(),
	}
}

// UnassignedChunkID marks a chunk that has not been accepted into an index.
const UnassignedChunkID = -1

// Chunk is a bounded slice of a document's text, the unit of embedding and
// retrieval. ID stays UnassignedChunkID until an index accepts the chunk;
// indexes assign IDs densely and monotonically and never reuse them.
type Chunk struct {
	ID      int       `json:"chunk_id"`
	Content string    `json:"content"`
	Meta    ChunkMeta `json:"metadata"`
}

// ChunkMeta is the document metadata copied per chunk and extended with the
// chunk's lineage: its position, the parameters that produced it, and the
// content hashes used for dedup.
type ChunkMeta struct {
	DocumentMeta

	ContentHash      string `json:"content_hash"`       // document-level hash
	ChunkContentHash string `json:"chunk_content_hash"` // chunk-level hash, preferred dedup key
	ChunkIndex       int    `json:"chunk_index"`
	TotalChunks      int    `json:"total_chunks"`
	ChunkSize        int    `json:"chunk_size_used"`
	ChunkOverlap     int    `json:"chunk_overlap_used"`
	ChunkingMode     string `json:"chunking_mode"`
	ContentType      string `json:"content_type"`
	EmbeddingModel   string `json:"embedding_model_version,omitempty"`
}

// SearchResult pairs a chunk with a normalized similarity score. Higher is
// closer regardless of the backend's native distance convention.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RerankedResult extends a SearchResult with rerank provenance. RerankScore
// is nil when the result never went through the reranker (reranking
// disabled, or the rerank fallback path). Ranks are 1-based; zero means
// unrecorded.
type RerankedResult struct {
	SearchResult

	RerankScore  *float64 `json:"rerank_score,omitempty"`
	OriginalRank int      `json:"original_rank,omitempty"`
	NewRank      int      `json:"new_rank,omitempty"`
}

// IngestOutcome is the per-file result of a directory ingestion. Exactly one
// of Docs and Err is set; Path is relative to the ingestion root. Most files
// yield one Document, page-level extraction yields one per page.
type IngestOutcome struct {
	Docs []*Document
	Path string
	Err  error
}

// IndexStats summarizes an index backend's current state.
type IndexStats struct {
	NumChunks int      `json:"num_chunks"`
	Dimension int      `json:"dimension"`
	IndexSize int      `json:"index_size"`
	Sources   []string `json:"sources"`
}

// QueryResult is the engine's answer to one query: the ranked results plus
// the concatenated context block handed to downstream consumers.
type QueryResult struct {
	Question string           `json:"question"`
	Context  string           `json:"context"`
	Results  []RerankedResult `json:"retrieved_docs"`
	NumDocs  int              `json:"num_docs"`
}

func hashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
