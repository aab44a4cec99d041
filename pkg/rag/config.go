package rag

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// PipelineConfig is the root configuration for the whole pipeline. It is
// loaded from a YAML file, overridden by RAGPIPE_* environment variables,
// and passed down explicitly; nothing reads configuration globally.
type PipelineConfig struct {
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Ingestion  IngestionConfig  `yaml:"ingestion" json:"ingestion"`
	Extraction ExtractionConfig `yaml:"extraction" json:"extraction"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Rerank     RerankConfig     `yaml:"rerank" json:"rerank"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	QueryLog   QueryLogConfig   `yaml:"query_log" json:"query_log"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

// ChunkingConfig holds the splitter parameters and the content-type
// profiles that override them per document kind.
type ChunkingConfig struct {
	Mode         string               `yaml:"mode" json:"mode"` // "char" or "token"
	ChunkSize    int                  `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int                  `yaml:"chunk_overlap" json:"chunk_overlap"`
	MinChunkSize int                  `yaml:"min_chunk_size" json:"min_chunk_size"`
	MaxChunkSize int                  `yaml:"max_chunk_size" json:"max_chunk_size"`
	Profiles     []ContentTypeProfile `yaml:"profiles,omitempty" json:"profiles,omitempty"`
}

// IngestionConfig controls directory enumeration and the parallelism of
// per-file extraction.
type IngestionConfig struct {
	Extensions          []string `yaml:"extensions" json:"extensions"`
	Recursive           bool     `yaml:"recursive" json:"recursive"`
	Mode                string   `yaml:"mode" json:"mode"` // "auto", "cpu", "io" or "sequential"
	MinFilesForParallel int      `yaml:"min_files_for_parallel" json:"min_files_for_parallel"`
	MaxWorkers          int      `yaml:"max_workers" json:"max_workers"` // 0 means NumCPU
	StaggerMS           int      `yaml:"stagger_ms" json:"stagger_ms"`   // submission stagger for the io pool
}

// UnmarshalYAML pre-fills the defaults before decoding. Recursive defaults
// to true, which the zero-value checks in applyConfigDefaults cannot
// express; decoding over a pre-filled struct lets an explicit
// `recursive: false` survive.
func (c *IngestionConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = getDefaultIngestionConfig()
	type plain IngestionConfig
	return unmarshal((*plain)(c))
}

// ExtractionConfig selects how binary formats are turned into text.
type ExtractionConfig struct {
	PDFEngine       string `yaml:"pdf_engine" json:"pdf_engine"` // "native" or "remote"
	RemoteEndpoint  string `yaml:"remote_endpoint" json:"remote_endpoint"`
	RemoteAPIKey    string `yaml:"remote_api_key" json:"remote_api_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	RenderPageImage bool   `yaml:"render_page_image" json:"render_page_image"` // request page images for multimodal embedding
}

// EmbeddingConfig configures the embedding collaborator client.
type EmbeddingConfig struct {
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	Model          string `yaml:"model" json:"model"`
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	MaxConcurrent  int    `yaml:"max_concurrent" json:"max_concurrent"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	RetryDelayMS   int    `yaml:"retry_delay_ms" json:"retry_delay_ms"`
}

// RerankConfig configures the optional reranking collaborator.
type RerankConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	Model          string `yaml:"model" json:"model"`
	Candidates     int    `yaml:"candidates" json:"candidates"` // broad-retrieve size before reranking
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	RetryDelayMS   int    `yaml:"retry_delay_ms" json:"retry_delay_ms"`
}

// RetrievalConfig holds query-side defaults.
type RetrievalConfig struct {
	TopK int `yaml:"top_k" json:"top_k"`
}

// StoreConfig selects and configures the vector index backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend" json:"backend"` // "flat" or "weaviate"
	DataDir  string         `yaml:"data_dir" json:"data_dir"`
	Weaviate WeaviateConfig `yaml:"weaviate" json:"weaviate"`
}

// WeaviateConfig holds connection parameters for the remote backend.
type WeaviateConfig struct {
	Host           string `yaml:"host" json:"host"`
	Scheme         string `yaml:"scheme" json:"scheme"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	Class          string `yaml:"class" json:"class"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// CacheConfig configures the Redis embedding cache.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Address    string `yaml:"address" json:"address"`
	Password   string `yaml:"password" json:"password"`
	Database   int    `yaml:"database" json:"database"`
	TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds"`
}

// QueryLogConfig configures the on-disk query-result log.
type QueryLogConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// getDefaultPipelineConfig returns the full default configuration.
func getDefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Chunking:   getDefaultChunkingConfig(),
		Ingestion:  getDefaultIngestionConfig(),
		Extraction: getDefaultExtractionConfig(),
		Embedding:  getDefaultEmbeddingConfig(),
		Rerank:     getDefaultRerankConfig(),
		Retrieval:  RetrievalConfig{TopK: 5},
		Store:      getDefaultStoreConfig(),
		Cache:      getDefaultCacheConfig(),
		QueryLog:   getDefaultQueryLogConfig(),
		Server:     ServerConfig{Listen: ":8080"},
	}
}

func getDefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Mode:         ModeChar,
		ChunkSize:    500,
		ChunkOverlap: 50,
		MinChunkSize: 20,
		MaxChunkSize: 2000,
		Profiles:     defaultProfiles(),
	}
}

func getDefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		Extensions:          []string{".txt", ".md", ".pdf"},
		Recursive:           true,
		Mode:                "auto",
		MinFilesForParallel: 2,
		MaxWorkers:          0,
		StaggerMS:           100,
	}
}

func getDefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		PDFEngine:       "native",
		TimeoutSeconds:  120,
		RenderPageImage: false,
	}
}

func getDefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Endpoint:       "http://localhost:8001",
		Model:          "qwen3-vl-embedding",
		BatchSize:      32,
		MaxConcurrent:  4,
		TimeoutSeconds: 30,
		MaxRetries:     3,
		RetryDelayMS:   1000,
	}
}

func getDefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Enabled:        false,
		Endpoint:       "http://localhost:8002",
		Model:          "qwen3-vl-reranker",
		Candidates:     20,
		TimeoutSeconds: 30,
		MaxRetries:     3,
		RetryDelayMS:   1000,
	}
}

func getDefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend: BackendFlat,
		DataDir: "data/index",
		Weaviate: WeaviateConfig{
			Scheme:         "http",
			Class:          "RagChunk",
			TimeoutSeconds: 30,
		},
	}
}

func getDefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:    false,
		Address:    "localhost:6379",
		TTLSeconds: 86400,
	}
}

func getDefaultQueryLogConfig() QueryLogConfig {
	return QueryLogConfig{
		Enabled: false,
		Dir:     "query_results",
	}
}

// LoadConfig reads the YAML file at path (defaults only when path is empty),
// fills unset fields with defaults, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*PipelineConfig, error) {
	cfg := &PipelineConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyConfigDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyConfigDefaults fills zero-valued fields so a sparse YAML file still
// yields a complete configuration.
func applyConfigDefaults(cfg *PipelineConfig) {
	def := getDefaultPipelineConfig()

	if cfg.Chunking.Mode == "" {
		cfg.Chunking.Mode = def.Chunking.Mode
	}
	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = def.Chunking.ChunkSize
	}
	if cfg.Chunking.ChunkOverlap == 0 && cfg.Chunking.ChunkSize == def.Chunking.ChunkSize {
		cfg.Chunking.ChunkOverlap = def.Chunking.ChunkOverlap
	}
	if cfg.Chunking.MinChunkSize == 0 {
		cfg.Chunking.MinChunkSize = def.Chunking.MinChunkSize
	}
	if cfg.Chunking.MaxChunkSize == 0 {
		cfg.Chunking.MaxChunkSize = def.Chunking.MaxChunkSize
	}
	if len(cfg.Chunking.Profiles) == 0 {
		cfg.Chunking.Profiles = def.Chunking.Profiles
	}

	// A file with an ingestion section arrives pre-filled through
	// UnmarshalYAML; only a wholly absent section lands here with Mode unset.
	if cfg.Ingestion.Mode == "" {
		cfg.Ingestion = def.Ingestion
	}

	if cfg.Extraction.PDFEngine == "" {
		cfg.Extraction.PDFEngine = def.Extraction.PDFEngine
	}
	if cfg.Extraction.TimeoutSeconds == 0 {
		cfg.Extraction.TimeoutSeconds = def.Extraction.TimeoutSeconds
	}

	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = def.Embedding.Endpoint
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = def.Embedding.Model
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = def.Embedding.BatchSize
	}
	if cfg.Embedding.MaxConcurrent == 0 {
		cfg.Embedding.MaxConcurrent = def.Embedding.MaxConcurrent
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = def.Embedding.TimeoutSeconds
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = def.Embedding.MaxRetries
	}
	if cfg.Embedding.RetryDelayMS == 0 {
		cfg.Embedding.RetryDelayMS = def.Embedding.RetryDelayMS
	}

	if cfg.Rerank.Endpoint == "" {
		cfg.Rerank.Endpoint = def.Rerank.Endpoint
	}
	if cfg.Rerank.Model == "" {
		cfg.Rerank.Model = def.Rerank.Model
	}
	if cfg.Rerank.Candidates == 0 {
		cfg.Rerank.Candidates = def.Rerank.Candidates
	}
	if cfg.Rerank.TimeoutSeconds == 0 {
		cfg.Rerank.TimeoutSeconds = def.Rerank.TimeoutSeconds
	}
	if cfg.Rerank.MaxRetries == 0 {
		cfg.Rerank.MaxRetries = def.Rerank.MaxRetries
	}
	if cfg.Rerank.RetryDelayMS == 0 {
		cfg.Rerank.RetryDelayMS = def.Rerank.RetryDelayMS
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = def.Retrieval.TopK
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = def.Store.Backend
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = def.Store.DataDir
	}
	if cfg.Store.Weaviate.Scheme == "" {
		cfg.Store.Weaviate.Scheme = def.Store.Weaviate.Scheme
	}
	if cfg.Store.Weaviate.Class == "" {
		cfg.Store.Weaviate.Class = def.Store.Weaviate.Class
	}
	if cfg.Store.Weaviate.TimeoutSeconds == 0 {
		cfg.Store.Weaviate.TimeoutSeconds = def.Store.Weaviate.TimeoutSeconds
	}

	if cfg.Cache.Address == "" {
		cfg.Cache.Address = def.Cache.Address
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = def.Cache.TTLSeconds
	}

	if cfg.QueryLog.Dir == "" {
		cfg.QueryLog.Dir = def.QueryLog.Dir
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = def.Server.Listen
	}
}

// applyEnvOverrides lets RAGPIPE_* environment variables win over the file,
// matching the original deployment surface.
func applyEnvOverrides(cfg *PipelineConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString(&cfg.Store.Backend, "RAGPIPE_STORE_BACKEND")
	setString(&cfg.Store.DataDir, "RAGPIPE_DATA_DIR")
	setString(&cfg.Store.Weaviate.Host, "RAGPIPE_WEAVIATE_HOST")
	setString(&cfg.Store.Weaviate.APIKey, "RAGPIPE_WEAVIATE_API_KEY")

	setString(&cfg.Embedding.Endpoint, "RAGPIPE_EMBEDDING_ENDPOINT")
	setString(&cfg.Embedding.APIKey, "RAGPIPE_EMBEDDING_API_KEY")
	setString(&cfg.Embedding.Model, "RAGPIPE_EMBEDDING_MODEL")

	setBool(&cfg.Rerank.Enabled, "RAGPIPE_RERANK_ENABLED")
	setString(&cfg.Rerank.Endpoint, "RAGPIPE_RERANK_ENDPOINT")
	setString(&cfg.Rerank.APIKey, "RAGPIPE_RERANK_API_KEY")
	setString(&cfg.Rerank.Model, "RAGPIPE_RERANK_MODEL")

	setString(&cfg.Extraction.RemoteEndpoint, "RAGPIPE_EXTRACTION_ENDPOINT")
	setString(&cfg.Extraction.RemoteAPIKey, "RAGPIPE_EXTRACTION_API_KEY")

	setBool(&cfg.Cache.Enabled, "RAGPIPE_CACHE_ENABLED")
	setString(&cfg.Cache.Address, "RAGPIPE_REDIS_ADDR")
	setString(&cfg.Cache.Password, "RAGPIPE_REDIS_PASSWORD")

	setString(&cfg.Server.Listen, "RAGPIPE_LISTEN")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *PipelineConfig) Validate() error {
	if c.Chunking.Mode != ModeChar && c.Chunking.Mode != ModeToken {
		return fmt.Errorf("invalid chunking.mode %q: must be %q or %q", c.Chunking.Mode, ModeChar, ModeToken)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 {
		return fmt.Errorf("chunking.chunk_overlap must not be negative, got %d", c.Chunking.ChunkOverlap)
	}
	switch c.Ingestion.Mode {
	case "auto", "cpu", "io", "sequential":
	default:
		return fmt.Errorf("invalid ingestion.mode %q: must be auto, cpu, io or sequential", c.Ingestion.Mode)
	}
	if c.Store.Backend != BackendFlat && c.Store.Backend != BackendWeaviate {
		return fmt.Errorf("invalid store.backend %q: must be %q or %q", c.Store.Backend, BackendFlat, BackendWeaviate)
	}
	if c.Store.Backend == BackendWeaviate && c.Store.Weaviate.Host == "" {
		return fmt.Errorf("store.weaviate.host is required for the weaviate backend")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.MaxConcurrent <= 0 {
		return fmt.Errorf("embedding.max_concurrent must be positive, got %d", c.Embedding.MaxConcurrent)
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		return fmt.Errorf("embedding.timeout_seconds must be positive, got %d", c.Embedding.TimeoutSeconds)
	}
	if c.Rerank.Enabled && c.Rerank.TimeoutSeconds <= 0 {
		return fmt.Errorf("rerank.timeout_seconds must be positive, got %d", c.Rerank.TimeoutSeconds)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	switch c.Extraction.PDFEngine {
	case "native":
	case "remote":
		if c.Extraction.RemoteEndpoint == "" {
			return fmt.Errorf("extraction.remote_endpoint is required for the remote pdf engine")
		}
	default:
		return fmt.Errorf("invalid extraction.pdf_engine %q: must be native or remote", c.Extraction.PDFEngine)
	}
	return nil
}

// Save writes the configuration as YAML, mirroring LoadConfig.
func (c *PipelineConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// NormalizeExtensions lower-cases and dot-prefixes an extension list so
// ".TXT", "txt" and ".txt" all match the same files.
func NormalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
