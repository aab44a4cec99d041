package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrMalformedResponse marks a collaborator response whose shape is wrong.
// Such errors are never retried: the service answered, it just answered
// nonsense.
var ErrMalformedResponse = errors.New("malformed collaborator response")

// EmbeddingInput is one item submitted for embedding: text, optionally with
// a base64 image for multimodal models.
type EmbeddingInput struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// EmbeddingClient is the embedding collaborator contract consumed by vector
// stores. Embed must return exactly one vector per input, in input order.
type EmbeddingClient interface {
	Embed(ctx context.Context, inputs []EmbeddingInput) ([][]float32, error)
	Model() string
}

// EmbeddingService calls a remote embedding endpoint in configurable
// batches, bounding in-flight requests with a semaphore and protecting the
// endpoint with a circuit breaker. Failed requests are retried with a fixed
// delay; a Redis cache, when configured, short-circuits repeat texts.
type EmbeddingService struct {
	config     EmbeddingConfig
	url        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cache      *EmbeddingCache
	metrics    *PipelineMetrics
	logger     *slog.Logger
	semaphore  chan struct{}
}

// NewEmbeddingService builds the client. A nil config uses defaults; cache
// and metrics may both be nil.
func NewEmbeddingService(config *EmbeddingConfig, cache *EmbeddingCache, metrics *PipelineMetrics) *EmbeddingService {
	cfg := getDefaultEmbeddingConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	logger := slog.Default().With("component", "embedding")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &EmbeddingService{
		config:     cfg,
		url:        strings.TrimRight(cfg.Endpoint, "/") + "/v1/embeddings",
		breaker:    breaker,
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
		semaphore:  make(chan struct{}, cfg.MaxConcurrent),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: cfg.MaxConcurrent * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Model returns the configured model identifier.
func (s *EmbeddingService) Model() string {
	return s.config.Model
}

// Embed returns one vector per input, positioned exactly as its input.
// Inputs are batched and batches run concurrently, but results are written
// back by input index, so ordering is deterministic regardless of completion
// order. Any batch failure fails the whole call.
func (s *EmbeddingService) Embed(ctx context.Context, inputs []EmbeddingInput) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(inputs))
	var missing []int
	for i, in := range inputs {
		if in.Image == "" {
			if v, ok := s.cache.Get(ctx, in.Text, s.config.Model); ok {
				vectors[i] = v
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for start := 0; start < len(missing); start += s.config.BatchSize {
		batchIdx := missing[start:min(start+s.config.BatchSize, len(missing))]

		wg.Add(1)
		go func(batchIdx []int) {
			defer wg.Done()

			select {
			case s.semaphore <- struct{}{}:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
			defer func() { <-s.semaphore }()

			batch := make([]EmbeddingInput, len(batchIdx))
			for j, i := range batchIdx {
				batch[j] = inputs[i]
			}

			vecs, err := s.embedBatch(ctx, batch)
			if err != nil {
				fail(err)
				return
			}

			// Disjoint index sets per batch make these writes race-free.
			for j, i := range batchIdx {
				vectors[i] = vecs[j]
				if inputs[i].Image == "" {
					s.cache.Put(ctx, inputs[i].Text, s.config.Model, vecs[j])
				}
			}
		}(batchIdx)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return vectors, nil
}

// EmbedTexts is a text-only convenience over Embed.
func (s *EmbeddingService) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := make([]EmbeddingInput, len(texts))
	for i, t := range texts {
		inputs[i] = EmbeddingInput{Text: t}
	}
	return s.Embed(ctx, inputs)
}

// EmbedQuery embeds a single query string.
func (s *EmbeddingService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := s.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query vector, got %d: %w", len(vecs), ErrMalformedResponse)
	}
	return vecs[0], nil
}

// embedBatch retries one batch with a fixed delay. Malformed responses and
// context cancellation stop the retry loop immediately.
func (s *EmbeddingService) embedBatch(ctx context.Context, batch []EmbeddingInput) ([][]float32, error) {
	delay := time.Duration(s.config.RetryDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vecs, err := s.doEmbed(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if errors.Is(err, ErrMalformedResponse) || ctx.Err() != nil {
			break
		}
		s.logger.Warn("embedding request failed, retrying",
			"attempt", attempt, "max_retries", s.config.MaxRetries, "error", err)
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", s.config.MaxRetries, lastErr)
}

type embeddingRequest struct {
	Model string           `json:"model,omitempty"`
	Input []EmbeddingInput `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (s *EmbeddingService) doEmbed(ctx context.Context, batch []EmbeddingInput) ([][]float32, error) {
	start := time.Now()
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.postEmbeddings(ctx, batch)
	})
	if err != nil {
		s.metrics.RecordEmbedding("failed", time.Since(start).Seconds())
		return nil, err
	}
	s.metrics.RecordEmbedding("ok", time.Since(start).Seconds())
	return result.([][]float32), nil
}

func (s *EmbeddingService) postEmbeddings(ctx context.Context, batch []EmbeddingInput) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: s.config.Model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w: %s", ErrMalformedResponse, err)
	}

	// The service may return items in any order; place each vector by its
	// declared index.
	if len(parsed.Data) != len(batch) {
		return nil, fmt.Errorf("expected %d embeddings, got %d: %w", len(batch), len(parsed.Data), ErrMalformedResponse)
	}
	vectors := make([][]float32, len(batch))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(batch) {
			return nil, fmt.Errorf("embedding index %d out of range: %w", item.Index, ErrMalformedResponse)
		}
		if vectors[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d: %w", item.Index, ErrMalformedResponse)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d: %w", item.Index, ErrMalformedResponse)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
