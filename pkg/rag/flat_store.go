package rag

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Snapshot file names inside the store's data directory.
const (
	flatIndexFile    = "index.bin"
	flatMetadataFile = "metadata.json"
)

// flatIndexMagic guards against loading a foreign or truncated blob.
const flatIndexMagic uint32 = 0x52414746

// FlatStore is the in-process backend: an exact squared-L2 scan over dense
// float32 vectors, with chunk records held alongside. Ids are assigned
// densely in insertion order and double as positions in the vector table.
type FlatStore struct {
	config   StoreConfig
	embedder EmbeddingClient
	metrics  *PipelineMetrics
	logger   *slog.Logger

	mu        sync.RWMutex
	dimension int
	chunks    []Chunk
	vectors   [][]float32
	seen      map[string]struct{}
}

// NewFlatStore builds the in-process store rooted at config.DataDir.
func NewFlatStore(config *StoreConfig, embedder EmbeddingClient, metrics *PipelineMetrics) (*FlatStore, error) {
	cfg := getDefaultStoreConfig()
	if config != nil {
		cfg = *config
	}
	if embedder == nil {
		return nil, fmt.Errorf("flat store requires an embedding client")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	return &FlatStore{
		config:   cfg,
		embedder: embedder,
		metrics:  metrics,
		logger:   slog.Default().With("component", "flat-store"),
		seen:     make(map[string]struct{}),
	}, nil
}

// Add embeds the non-duplicate chunks and appends them to the index.
// Dedup compares each incoming chunk's key against everything already
// indexed and against earlier chunks in the same batch. The first successful
// batch fixes the index dimension; later mismatches are hard errors.
func (s *FlatStore) Add(ctx context.Context, chunks []Chunk) (AddResult, error) {
	if len(chunks) == 0 {
		return AddResult{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]Chunk, 0, len(chunks))
	batchSeen := make(map[string]struct{}, len(chunks))
	duplicates := 0
	for _, c := range chunks {
		key := dedupKey(c)
		if _, ok := s.seen[key]; ok {
			duplicates++
			continue
		}
		if _, ok := batchSeen[key]; ok {
			duplicates++
			continue
		}
		batchSeen[key] = struct{}{}
		fresh = append(fresh, c)
	}

	if len(fresh) == 0 {
		s.logger.Info("all chunks were duplicates", "duplicates", duplicates)
		s.metrics.RecordIndexed(0, duplicates)
		return AddResult{Duplicates: duplicates}, nil
	}

	inputs := make([]EmbeddingInput, len(fresh))
	for i, c := range fresh {
		inputs[i] = embeddingInputForChunk(c)
	}
	vectors, err := s.embedder.Embed(ctx, inputs)
	if err != nil {
		return AddResult{}, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(fresh) {
		return AddResult{}, fmt.Errorf("expected %d vectors, got %d: %w", len(fresh), len(vectors), ErrMalformedResponse)
	}

	if s.dimension == 0 {
		s.dimension = len(vectors[0])
		s.logger.Info("index dimension fixed", "dimension", s.dimension)
	}
	for i, v := range vectors {
		if len(v) != s.dimension {
			return AddResult{}, fmt.Errorf("chunk %d vector has width %d, index has %d: %w",
				i, len(v), s.dimension, ErrDimensionMismatch)
		}
	}

	startID := len(s.chunks)
	for i := range fresh {
		fresh[i].ID = startID + i
		s.chunks = append(s.chunks, fresh[i])
		s.vectors = append(s.vectors, vectors[i])
		s.seen[dedupKey(fresh[i])] = struct{}{}
	}

	s.metrics.RecordIndexed(len(fresh), duplicates)
	s.metrics.SetIndexedChunks(len(s.chunks))
	s.logger.Info("chunks indexed",
		"added", len(fresh), "duplicates", duplicates, "total", len(s.chunks))
	return AddResult{Added: len(fresh), Duplicates: duplicates}, nil
}

// Search embeds query and scans every vector, returning the topK nearest
// chunks. Squared L2 distance is normalized to a similarity score via
// 1/(1+distance) so higher is always closer.
func (s *FlatStore) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", topK)
	}

	s.mu.RLock()
	empty := len(s.chunks) == 0
	s.mu.RUnlock()
	if empty {
		return nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []EmbeddingInput{{Text: query}})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d: %w", len(vecs), ErrMalformedResponse)
	}
	qvec := vecs[0]

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(qvec) != s.dimension {
		return nil, fmt.Errorf("query vector has width %d, index has %d: %w",
			len(qvec), s.dimension, ErrDimensionMismatch)
	}

	type hit struct {
		id   int
		dist float64
	}
	hits := make([]hit, len(s.vectors))
	for id, v := range s.vectors {
		hits[id] = hit{id: id, dist: l2Squared(qvec, v)}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].id < hits[j].id
	})
	if topK < len(hits) {
		hits = hits[:topK]
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{Chunk: s.chunks[h.id], Score: 1.0 / (1.0 + h.dist)}
	}
	return results, nil
}

// flatMetadata is the on-disk metadata document. Chunk's own json tags give
// the {chunk_id, content, metadata} records inside.
type flatMetadata struct {
	Dimension int     `json:"dimension"`
	NumChunks int     `json:"num_chunks"`
	Chunks    []Chunk `json:"chunks"`
}

// Save writes the vector blob and the metadata document to the data
// directory.
func (s *FlatStore) Save(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(s.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", s.config.DataDir, err)
	}

	blob, err := s.encodeIndex()
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.config.DataDir, flatIndexFile), blob, 0o644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}

	meta, err := json.MarshalIndent(flatMetadata{
		Dimension: s.dimension,
		NumChunks: len(s.chunks),
		Chunks:    s.chunks,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.config.DataDir, flatMetadataFile), meta, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	s.logger.Info("vector store saved", "dir", s.config.DataDir, "chunks", len(s.chunks))
	return nil
}

// Load replaces in-memory state with the last snapshot. A store that never
// saved returns an error wrapping os.ErrNotExist.
func (s *FlatStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexPath := filepath.Join(s.config.DataDir, flatIndexFile)
	metaPath := filepath.Join(s.config.DataDir, flatMetadataFile)

	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("no saved index in %s: %w", s.config.DataDir, err)
	}
	blob, err := os.ReadFile(indexPath)
	if err != nil {
		return fmt.Errorf("no saved index in %s: %w", s.config.DataDir, err)
	}

	var meta flatMetadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return fmt.Errorf("failed to parse metadata file: %w", err)
	}

	dimension, vectors, err := decodeIndex(blob)
	if err != nil {
		return fmt.Errorf("failed to decode index file: %w", err)
	}
	if dimension != meta.Dimension {
		return fmt.Errorf("index dimension %d disagrees with metadata dimension %d: %w",
			dimension, meta.Dimension, ErrDimensionMismatch)
	}
	if len(vectors) != len(meta.Chunks) {
		return fmt.Errorf("index holds %d vectors but metadata lists %d chunks", len(vectors), len(meta.Chunks))
	}

	chunks := make([]Chunk, len(meta.Chunks))
	aligned := make([][]float32, len(meta.Chunks))
	seen := make(map[string]struct{}, len(meta.Chunks))
	for _, c := range meta.Chunks {
		if c.ID < 0 || c.ID >= len(chunks) {
			return fmt.Errorf("chunk id %d out of range for %d chunks", c.ID, len(chunks))
		}
		vec, ok := vectors[int64(c.ID)]
		if !ok {
			return fmt.Errorf("no vector stored for chunk id %d", c.ID)
		}
		chunks[c.ID] = c
		aligned[c.ID] = vec
		seen[dedupKey(c)] = struct{}{}
	}

	s.dimension = meta.Dimension
	s.chunks = chunks
	s.vectors = aligned
	s.seen = seen

	s.metrics.SetIndexedChunks(len(s.chunks))
	s.logger.Info("vector store loaded", "dir", s.config.DataDir, "chunks", len(s.chunks))
	return nil
}

// Clear drops all state and removes the snapshot files so a later Load does
// not resurrect cleared data.
func (s *FlatStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dimension = 0
	s.chunks = nil
	s.vectors = nil
	s.seen = make(map[string]struct{})

	for _, name := range []string{flatIndexFile, flatMetadataFile} {
		if err := os.Remove(filepath.Join(s.config.DataDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	s.metrics.SetIndexedChunks(0)
	s.logger.Info("vector store cleared", "dir", s.config.DataDir)
	return nil
}

// Stats describes the index: chunk count, dimension and distinct sources.
func (s *FlatStore) Stats(ctx context.Context) (IndexStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sources := make(map[string]struct{})
	for _, c := range s.chunks {
		src := c.Meta.Source
		if src == "" {
			src = "unknown"
		}
		sources[src] = struct{}{}
	}
	list := make([]string, 0, len(sources))
	for src := range sources {
		list = append(list, src)
	}
	sort.Strings(list)

	return IndexStats{
		NumChunks: len(s.chunks),
		Dimension: s.dimension,
		IndexSize: len(s.vectors),
		Sources:   list,
	}, nil
}

// Close is a no-op for the in-process store.
func (s *FlatStore) Close() error {
	return nil
}

// encodeIndex serializes the vector table: magic, dimension, count, then
// (id, vector) pairs in little-endian order.
func (s *FlatStore) encodeIndex() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, flatIndexMagic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(s.dimension)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(s.vectors))); err != nil {
		return nil, err
	}
	for id, vec := range s.vectors {
		if err := binary.Write(buf, binary.LittleEndian, int64(s.chunks[id].ID)); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeIndex(blob []byte) (int, map[int64][]float32, error) {
	r := bytes.NewReader(blob)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return 0, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if magic != flatIndexMagic {
		return 0, nil, fmt.Errorf("not a vector index file (magic %#x)", magic)
	}

	var dimension, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dimension); err != nil {
		return 0, nil, fmt.Errorf("failed to read dimension: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, nil, fmt.Errorf("failed to read vector count: %w", err)
	}

	vectors := make(map[int64][]float32, count)
	for i := uint32(0); i < count; i++ {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return 0, nil, fmt.Errorf("failed to read id %d: %w", i, err)
		}
		vec := make([]float32, dimension)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return 0, nil, fmt.Errorf("failed to read vector %d: %w", i, err)
		}
		vectors[id] = vec
	}
	return int(dimension), vectors, nil
}

// l2Squared returns the squared Euclidean distance, accumulated in float64
// for stability. Squared distance preserves ordering and matches the
// distance convention the score normalization expects.
func l2Squared(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

var _ VectorStore = (*FlatStore)(nil)
