package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// weaviateLoadPageSize bounds how many objects one Load page fetches.
const weaviateLoadPageSize = 200

// WeaviateStore is the remote backend. Vectors come from the embedding
// collaborator and are written explicitly (vectorizer "none"); the class
// uses squared-L2 distance so scores line up with the in-process backend.
// A local chunk mirror backs Stats and dedup; the database itself persists
// vectors, so Save reduces to a readiness confirmation and Load rebuilds
// the mirror by paging the class.
type WeaviateStore struct {
	config   StoreConfig
	client   *weaviate.Client
	embedder EmbeddingClient
	metrics  *PipelineMetrics
	logger   *slog.Logger

	mu        sync.RWMutex
	dimension int
	chunks    map[int]Chunk
	nextID    int
	seen      map[string]struct{}
}

// NewWeaviateStore connects to the configured Weaviate instance, verifies it
// is ready and ensures the chunk class exists.
func NewWeaviateStore(config *StoreConfig, embedder EmbeddingClient, metrics *PipelineMetrics) (*WeaviateStore, error) {
	cfg := getDefaultStoreConfig()
	if config != nil {
		cfg = *config
	}
	if embedder == nil {
		return nil, fmt.Errorf("weaviate store requires an embedding client")
	}
	if cfg.Weaviate.Host == "" {
		return nil, fmt.Errorf("weaviate host is not configured")
	}

	var authConfig auth.Config
	if cfg.Weaviate.APIKey != "" {
		authConfig = auth.ApiKey{Value: cfg.Weaviate.APIKey}
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:       cfg.Weaviate.Host,
		Scheme:     cfg.Weaviate.Scheme,
		AuthConfig: authConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	s := &WeaviateStore{
		config:   cfg,
		client:   client,
		embedder: embedder,
		metrics:  metrics,
		logger:   slog.Default().With("component", "weaviate-store"),
		chunks:   make(map[int]Chunk),
		seen:     make(map[string]struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Weaviate.TimeoutSeconds)*time.Second)
	defer cancel()

	ready, err := client.Misc().ReadyChecker().Do(ctx)
	if err != nil || !ready {
		return nil, fmt.Errorf("weaviate at %s://%s is not ready: %w", cfg.Weaviate.Scheme, cfg.Weaviate.Host, err)
	}
	if err := s.ensureClass(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("weaviate store connected",
		"host", cfg.Weaviate.Host, "class", cfg.Weaviate.Class)
	return s, nil
}

// ensureClass creates the chunk class when missing. The class carries no
// vectorizer module and stores chunk metadata as a JSON text property.
func (s *WeaviateStore) ensureClass(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().
		WithClassName(s.config.Weaviate.Class).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check class %s: %w", s.config.Weaviate.Class, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       s.config.Weaviate.Class,
		Description: "Retrieval chunks with externally computed embeddings",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "l2-squared",
		},
		Properties: []*models.Property{
			{
				Name:        "chunk_id",
				DataType:    []string{"int"},
				Description: "Dense id assigned at indexing time",
			},
			{
				Name:        "content",
				DataType:    []string{"text"},
				Description: "Chunk text",
			},
			{
				Name:        "metadata",
				DataType:    []string{"text"},
				Description: "Chunk metadata as JSON",
			},
			{
				Name:        "source",
				DataType:    []string{"text"},
				Description: "Origin document path",
			},
			{
				Name:        "dimension",
				DataType:    []string{"int"},
				Description: "Embedding width",
			},
		},
	}

	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create class %s: %w", s.config.Weaviate.Class, err)
	}
	s.logger.Info("weaviate class created", "class", s.config.Weaviate.Class)
	return nil
}

// Add embeds non-duplicate chunks and batch-writes them with explicit
// vectors. Ids continue densely from the mirror's current size.
func (s *WeaviateStore) Add(ctx context.Context, chunks []Chunk) (AddResult, error) {
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

	objects := make([]*models.Object, len(fresh))
	for i := range fresh {
		fresh[i].ID = s.nextID + i

		metaJSON, err := json.Marshal(fresh[i].Meta)
		if err != nil {
			return AddResult{}, fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		objects[i] = &models.Object{
			Class: s.config.Weaviate.Class,
			ID:    strfmt.UUID(uuid.New().String()),
			Properties: map[string]interface{}{
				"chunk_id":  fresh[i].ID,
				"content":   fresh[i].Content,
				"metadata":  string(metaJSON),
				"source":    fresh[i].Meta.Source,
				"dimension": s.dimension,
			},
			Vector: models.C11yVector(vectors[i]),
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return AddResult{}, fmt.Errorf("failed to batch insert chunks: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return AddResult{}, fmt.Errorf("weaviate rejected object: %s", r.Result.Errors.Error[0].Message)
		}
	}

	for i := range fresh {
		s.chunks[fresh[i].ID] = fresh[i]
		s.seen[dedupKey(fresh[i])] = struct{}{}
	}
	s.nextID += len(fresh)

	s.metrics.RecordIndexed(len(fresh), duplicates)
	s.metrics.SetIndexedChunks(len(s.chunks))
	s.logger.Info("chunks indexed",
		"added", len(fresh), "duplicates", duplicates, "total", len(s.chunks))
	return AddResult{Added: len(fresh), Duplicates: duplicates}, nil
}

// Search embeds query and runs a nearVector query. Distances come back in
// the squared-L2 metric and are normalized with 1/(1+distance).
func (s *WeaviateStore) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", topK)
	}

	vecs, err := s.embedder.Embed(ctx, []EmbeddingInput{{Text: query}})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d: %w", len(vecs), ErrMalformedResponse)
	}

	fields := []graphql.Field{
		{Name: "chunk_id"},
		{Name: "content"},
		{Name: "metadata"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "distance"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(s.config.Weaviate.Class).
		WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(vecs[0])).
		WithFields(fields...).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	items := s.classItems(result.Data)
	results := make([]SearchResult, 0, len(items))
	for _, item := range items {
		chunk, distance, err := parseWeaviateItem(item)
		if err != nil {
			s.logger.Warn("skipping unparseable search hit", "error", err)
			continue
		}
		results = append(results, SearchResult{Chunk: chunk, Score: 1.0 / (1.0 + distance)})
	}
	return results, nil
}

// Save confirms the remote database is reachable; Weaviate persists writes
// itself.
func (s *WeaviateStore) Save(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil || !ready {
		return fmt.Errorf("weaviate is not ready, persistence unconfirmed: %w", err)
	}
	s.logger.Info("weaviate persistence confirmed")
	return nil
}

// Load rebuilds the chunk mirror by paging every object in the class, so
// Stats, dedup and id assignment behave exactly as on the instance that
// wrote the data.
func (s *WeaviateStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureClass(ctx); err != nil {
		return err
	}

	chunks := make(map[int]Chunk)
	seen := make(map[string]struct{})
	dimension := 0
	maxID := -1

	fields := []graphql.Field{
		{Name: "chunk_id"},
		{Name: "content"},
		{Name: "metadata"},
		{Name: "dimension"},
	}

	for offset := 0; ; offset += weaviateLoadPageSize {
		result, err := s.client.GraphQL().Get().
			WithClassName(s.config.Weaviate.Class).
			WithFields(fields...).
			WithLimit(weaviateLoadPageSize).
			WithOffset(offset).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to page stored chunks: %w", err)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("failed to page stored chunks: %s", result.Errors[0].Message)
		}

		items := s.classItems(result.Data)
		for _, item := range items {
			chunk, _, err := parseWeaviateItem(item)
			if err != nil {
				s.logger.Warn("skipping unparseable stored chunk", "error", err)
				continue
			}
			chunks[chunk.ID] = chunk
			seen[dedupKey(chunk)] = struct{}{}
			if chunk.ID > maxID {
				maxID = chunk.ID
			}
			if d, ok := item["dimension"].(float64); ok && dimension == 0 {
				dimension = int(d)
			}
		}
		if len(items) < weaviateLoadPageSize {
			break
		}
	}

	s.chunks = chunks
	s.seen = seen
	s.dimension = dimension
	s.nextID = maxID + 1

	s.metrics.SetIndexedChunks(len(s.chunks))
	s.logger.Info("weaviate store loaded", "chunks", len(s.chunks), "dimension", s.dimension)
	return nil
}

// Clear drops the class and recreates it empty.
func (s *WeaviateStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Schema().ClassDeleter().
		WithClassName(s.config.Weaviate.Class).
		Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("failed to delete class %s: %w", s.config.Weaviate.Class, err)
	}
	if err := s.ensureClass(ctx); err != nil {
		return err
	}

	s.chunks = make(map[int]Chunk)
	s.seen = make(map[string]struct{})
	s.dimension = 0
	s.nextID = 0

	s.metrics.SetIndexedChunks(0)
	s.logger.Info("weaviate store cleared", "class", s.config.Weaviate.Class)
	return nil
}

// Stats reports the mirrored state. Call Load first on a fresh process.
func (s *WeaviateStore) Stats(ctx context.Context) (IndexStats, error) {
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
		IndexSize: len(s.chunks),
		Sources:   list,
	}, nil
}

// Close releases nothing; the client holds no persistent connections.
func (s *WeaviateStore) Close() error {
	return nil
}

// classItems digs the per-class object list out of a GraphQL Get response.
func (s *WeaviateStore) classItems(data map[string]models.JSONObject) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[s.config.Weaviate.Class].([]interface{})
	if !ok {
		return nil
	}
	items := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			items = append(items, m)
		}
	}
	return items
}

// parseWeaviateItem rebuilds a Chunk (and its distance, when present) from
// one GraphQL result object.
func parseWeaviateItem(item map[string]interface{}) (Chunk, float64, error) {
	id, ok := item["chunk_id"].(float64)
	if !ok {
		return Chunk{}, 0, fmt.Errorf("missing chunk_id")
	}
	content, ok := item["content"].(string)
	if !ok {
		return Chunk{}, 0, fmt.Errorf("missing content")
	}

	var meta ChunkMeta
	if raw, ok := item["metadata"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return Chunk{}, 0, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	distance := 0.0
	if add, ok := item["_additional"].(map[string]interface{}); ok {
		if d, ok := add["distance"].(float64); ok {
			distance = d
		}
	}

	return Chunk{ID: int(id), Content: content, Meta: meta}, distance, nil
}

var _ VectorStore = (*WeaviateStore)(nil)
