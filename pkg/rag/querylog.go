package rag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	queryLogMetadataFile = "query_metadata.json"
	queryLogRawFile      = "raw_retrieval.json"
	queryLogRerankedFile = "reranked_results.json"

	queryLogSlugMax = 50
)

// QueryLog persists each query's retrieval outcome to its own timestamped
// directory so runs can be evaluated and replayed later.
type QueryLog struct {
	dir    string
	logger *slog.Logger
}

// QueryLogMetadata summarizes one recorded query.
type QueryLogMetadata struct {
	Query               string `json:"query"`
	Timestamp           string `json:"timestamp"`
	RawResultCount      int    `json:"raw_result_count"`
	RerankedResultCount int    `json:"reranked_result_count"`
	RerankerUsed        bool   `json:"reranker_used"`
}

// QueryLogEntry pairs a recorded directory with its metadata.
type QueryLogEntry struct {
	Dir  string           `json:"dir"`
	Meta QueryLogMetadata `json:"meta"`
}

// QueryLogRecord is the JSON document written for one result stage.
type QueryLogRecord struct {
	Query       string           `json:"query"`
	Timestamp   string           `json:"timestamp"`
	ResultCount int              `json:"result_count"`
	Results     []queryLogResult `json:"results"`
}

type queryLogResult struct {
	Content      string    `json:"content"`
	Score        float64   `json:"score"`
	ChunkID      int       `json:"chunk_id"`
	Metadata     ChunkMeta `json:"metadata"`
	RerankScore  *float64  `json:"rerank_score,omitempty"`
	OriginalRank int       `json:"original_rank,omitempty"`
	NewRank      int       `json:"new_rank,omitempty"`
}

// SavedQueryResults is a reloaded query directory.
type SavedQueryResults struct {
	Meta     QueryLogMetadata
	Raw      *QueryLogRecord
	Reranked *QueryLogRecord
}

// NewQueryLog creates the output directory when missing.
func NewQueryLog(config *QueryLogConfig) (*QueryLog, error) {
	cfg := getDefaultQueryLogConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Dir == "" {
		cfg.Dir = "query_results"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create query log directory %s: %w", cfg.Dir, err)
	}
	return &QueryLog{
		dir:    cfg.Dir,
		logger: slog.Default().With("component", "query-log"),
	}, nil
}

// Record writes the raw retrieval and, when present, the reranked ordering
// under <timestamp>_<slug>/ and returns that directory.
func (q *QueryLog) Record(question string, raw []SearchResult, reranked []RerankedResult) (string, error) {
	now := time.Now()
	folder := now.Format("20060102_150405") + "_" + slugifyQuery(question)
	dir := filepath.Join(q.dir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create query result directory: %w", err)
	}

	stamp := now.Format(time.RFC3339)
	meta := QueryLogMetadata{
		Query:               question,
		Timestamp:           stamp,
		RawResultCount:      len(raw),
		RerankedResultCount: len(reranked),
		RerankerUsed:        reranked != nil,
	}
	if err := writeQueryLogJSON(filepath.Join(dir, queryLogMetadataFile), meta); err != nil {
		return "", err
	}

	rawRecord := QueryLogRecord{
		Query:       question,
		Timestamp:   stamp,
		ResultCount: len(raw),
		Results:     make([]queryLogResult, len(raw)),
	}
	for i, r := range raw {
		rawRecord.Results[i] = queryLogResult{
			Content:  r.Chunk.Content,
			Score:    r.Score,
			ChunkID:  r.Chunk.ID,
			Metadata: r.Chunk.Meta,
		}
	}
	if err := writeQueryLogJSON(filepath.Join(dir, queryLogRawFile), rawRecord); err != nil {
		return "", err
	}

	if reranked != nil {
		rerankedRecord := QueryLogRecord{
			Query:       question,
			Timestamp:   stamp,
			ResultCount: len(reranked),
			Results:     make([]queryLogResult, len(reranked)),
		}
		for i, r := range reranked {
			rerankedRecord.Results[i] = queryLogResult{
				Content:      r.Chunk.Content,
				Score:        r.Score,
				ChunkID:      r.Chunk.ID,
				Metadata:     r.Chunk.Meta,
				RerankScore:  r.RerankScore,
				OriginalRank: r.OriginalRank,
				NewRank:      r.NewRank,
			}
		}
		if err := writeQueryLogJSON(filepath.Join(dir, queryLogRerankedFile), rerankedRecord); err != nil {
			return "", err
		}
	}

	q.logger.Info("query results saved", "dir", dir)
	return dir, nil
}

// List returns recorded queries, newest first. Directories without readable
// metadata are skipped.
func (q *QueryLog) List() ([]QueryLogEntry, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list query log directory: %w", err)
	}

	var out []QueryLogEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(q.dir, e.Name())
		data, err := os.ReadFile(filepath.Join(dir, queryLogMetadataFile))
		if err != nil {
			continue
		}
		var meta QueryLogMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, QueryLogEntry{Dir: dir, Meta: meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir > out[j].Dir })
	return out, nil
}

// Load reloads one recorded query directory.
func (q *QueryLog) Load(dir string) (*SavedQueryResults, error) {
	data, err := os.ReadFile(filepath.Join(dir, queryLogMetadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read query metadata: %w", err)
	}
	saved := &SavedQueryResults{}
	if err := json.Unmarshal(data, &saved.Meta); err != nil {
		return nil, fmt.Errorf("failed to parse query metadata: %w", err)
	}

	if rec, err := readQueryLogRecord(filepath.Join(dir, queryLogRawFile)); err == nil {
		saved.Raw = rec
	}
	if rec, err := readQueryLogRecord(filepath.Join(dir, queryLogRerankedFile)); err == nil {
		saved.Reranked = rec
	}
	return saved, nil
}

func readQueryLogRecord(path string) (*QueryLogRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := &QueryLogRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func writeQueryLogJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// slugifyQuery folds a query into a filesystem-safe directory suffix.
func slugifyQuery(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		case r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	slug := b.String()
	if runes := []rune(slug); len(runes) > queryLogSlugMax {
		slug = string(runes[:queryLogSlugMax])
	}
	return strings.TrimRight(slug, "_")
}
