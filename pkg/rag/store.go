package rag

import (
	"context"
	"errors"
	"fmt"
)

// Vector store backends selectable via configuration.
const (
	BackendFlat     = "flat"
	BackendWeaviate = "weaviate"
)

// Sentinel errors shared by store implementations and the engine.
var (
	// ErrEmptyIndex reports a query against an index with no chunks.
	ErrEmptyIndex = errors.New("vector index is empty")

	// ErrDimensionMismatch reports vectors whose width differs from the
	// width the index was first populated with.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// AddResult reports what an Add call did with its batch.
type AddResult struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
}

// VectorStore is the uniform contract over index backends. Backends must be
// interchangeable: only configuration selects between them, and the engine
// never branches on the concrete type.
//
// Caller contract: Add is single-caller. Search may run concurrently with
// other Search calls but not with an in-progress Add.
type VectorStore interface {
	// Add embeds and indexes the non-duplicate chunks in the batch,
	// assigning dense chunk ids in batch order.
	Add(ctx context.Context, chunks []Chunk) (AddResult, error)

	// Search embeds query and returns up to topK results, best first.
	// Fewer results are returned when fewer chunks are indexed.
	Search(ctx context.Context, query string, topK int) ([]SearchResult, error)

	// Save persists chunk records and index state. Backends that
	// self-persist may reduce this to confirming persistence.
	Save(ctx context.Context) error

	// Load restores saved state so that Stats and Search behave exactly as
	// on the instance that saved. Snapshot-file backends return an error
	// wrapping os.ErrNotExist when nothing was ever saved; self-persisting
	// backends load whatever the remote database holds.
	Load(ctx context.Context) error

	// Clear drops all vectors and chunk records. Idempotent.
	Clear(ctx context.Context) error

	// Stats describes the current index.
	Stats(ctx context.Context) (IndexStats, error)

	// Close releases backend resources.
	Close() error
}

// NewVectorStore builds the backend selected by config.Backend.
func NewVectorStore(config *StoreConfig, embedder EmbeddingClient, metrics *PipelineMetrics) (VectorStore, error) {
	cfg := getDefaultStoreConfig()
	if config != nil {
		cfg = *config
	}

	switch cfg.Backend {
	case BackendFlat:
		return NewFlatStore(&cfg, embedder, metrics)
	case BackendWeaviate:
		return NewWeaviateStore(&cfg, embedder, metrics)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}

// dedupKey returns the duplicate-suppression key for a chunk: the chunk
// content hash when present, else the document content hash, else a hash of
// the content itself.
func dedupKey(c Chunk) string {
	if c.Meta.ChunkContentHash != "" {
		return c.Meta.ChunkContentHash
	}
	if c.Meta.ContentHash != "" {
		return c.Meta.ContentHash
	}
	return hashContent(c.Content)
}

// embeddingInputForChunk builds the embedding input for a chunk, attaching
// the page image when extraction provided one.
func embeddingInputForChunk(c Chunk) EmbeddingInput {
	in := EmbeddingInput{Text: c.Content}
	if img, ok := c.Meta.Extra[extraPageImage].(string); ok {
		in.Image = img
	}
	return in
}
