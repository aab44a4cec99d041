package rag

import (
	"log/slog"
	"sync"
)

// ChunkingMetrics aggregates what the chunker has processed since start.
type ChunkingMetrics struct {
	DocumentsProcessed int64            `json:"documents_processed"`
	ChunksProduced     int64            `json:"chunks_produced"`
	AverageChunkSize   float64          `json:"average_chunk_size"`
	ByContentType      map[string]int64 `json:"by_content_type"`
}

// profileSplitter pairs a ready splitter with the resolved parameters it was
// built from, so chunk metadata can record the exact geometry used.
type profileSplitter struct {
	splitter *Splitter
	size     int
	overlap  int
}

// Chunker turns Documents into Chunks: it classifies each document, selects
// the matching chunking profile, splits the content and stamps every chunk
// with full lineage metadata. Safe for concurrent use.
type Chunker struct {
	config         ChunkingConfig
	classifier     *Classifier
	embeddingModel string
	logger         *slog.Logger

	splitters map[string]profileSplitter

	mu             sync.Mutex
	metrics        ChunkingMetrics
	totalChunkSize int64
}

// NewChunker builds a Chunker from config. A nil config uses the defaults.
// codec may be nil; token mode then downgrades to character mode. The
// embeddingModel string is stamped into chunk metadata so an index can tell
// which model its vectors came from.
func NewChunker(config *ChunkingConfig, codec TokenCodec, embeddingModel string) *Chunker {
	cfg := getDefaultChunkingConfig()
	if config != nil {
		cfg = *config
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = defaultProfiles()
	}

	c := &Chunker{
		config:         cfg,
		classifier:     NewClassifier(cfg.Profiles),
		embeddingModel: embeddingModel,
		logger:         slog.Default().With("component", "chunker"),
		splitters:      make(map[string]profileSplitter, len(cfg.Profiles)+1),
	}
	c.metrics.ByContentType = make(map[string]int64)

	for _, p := range cfg.Profiles {
		c.splitters[p.Name] = c.buildSplitter(p, codec)
	}
	c.splitters[ContentTypeDefault] = c.buildSplitter(ContentTypeProfile{}, codec)
	return c
}

// buildSplitter resolves a profile against the global parameters. A profile
// with a zero ChunkSize defers wholly to the globals; otherwise its size
// fields are used as written, so a profile can legitimately declare zero
// overlap.
func (c *Chunker) buildSplitter(p ContentTypeProfile, codec TokenCodec) profileSplitter {
	size := c.config.ChunkSize
	overlap := c.config.ChunkOverlap
	minSize := c.config.MinChunkSize
	maxSize := c.config.MaxChunkSize
	if p.ChunkSize > 0 {
		size = p.ChunkSize
		overlap = p.ChunkOverlap
		minSize = p.MinChunkSize
		if p.MaxChunkSize > 0 {
			maxSize = p.MaxChunkSize
		}
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}

	return profileSplitter{
		splitter: NewSplitter(SplitterConfig{
			Mode:         c.config.Mode,
			ChunkSize:    size,
			ChunkOverlap: overlap,
			MinChunkSize: minSize,
			Codec:        codec,
		}),
		size:    size,
		overlap: overlap,
	}
}

// ChunkDocument splits doc into chunks with lineage metadata. Every chunk
// carries the document's metadata plus its own index, the total count, the
// geometry used and a chunk-level content hash for dedup. Chunk ids stay
// unassigned until an index accepts them.
func (c *Chunker) ChunkDocument(doc *Document) []Chunk {
	if doc == nil || doc.Content == "" {
		return nil
	}

	contentType := c.classifier.Classify(doc)
	ps, ok := c.splitters[contentType]
	if !ok {
		ps = c.splitters[ContentTypeDefault]
	}

	pieces := ps.splitter.Split(doc.Content)
	if len(pieces) == 0 {
		return nil
	}

	chunks := make([]Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = Chunk{
			ID:      UnassignedChunkID,
			Content: piece,
			Meta: ChunkMeta{
				DocumentMeta:     doc.Meta.clone(),
				ContentHash:      doc.ContentHash,
				ChunkContentHash: hashContent(piece),
				ChunkIndex:       i,
				TotalChunks:      len(pieces),
				ChunkSize:        ps.size,
				ChunkOverlap:     ps.overlap,
				ChunkingMode:     ps.splitter.Mode(),
				ContentType:      contentType,
				EmbeddingModel:   c.embeddingModel,
			},
		}
	}

	c.recordMetrics(contentType, chunks)
	c.logger.Debug("document chunked",
		"source", doc.Meta.Source,
		"content_type", contentType,
		"chunks", len(chunks))
	return chunks
}

// Classify exposes the content-type decision without chunking, for stats and
// debugging surfaces.
func (c *Chunker) Classify(doc *Document) string {
	return c.classifier.Classify(doc)
}

func (c *Chunker) recordMetrics(contentType string, chunks []Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.DocumentsProcessed++
	c.metrics.ChunksProduced += int64(len(chunks))
	c.metrics.ByContentType[contentType] += int64(len(chunks))
	for _, ch := range chunks {
		c.totalChunkSize += int64(len(ch.Content))
	}
	if c.metrics.ChunksProduced > 0 {
		c.metrics.AverageChunkSize = float64(c.totalChunkSize) / float64(c.metrics.ChunksProduced)
	}
}

// Metrics returns a snapshot of the chunker's counters.
func (c *Chunker) Metrics() ChunkingMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.metrics
	snapshot.ByContentType = make(map[string]int64, len(c.metrics.ByContentType))
	for k, v := range c.metrics.ByContentType {
		snapshot.ByContentType[k] = v
	}
	return snapshot
}
