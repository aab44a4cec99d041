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
	"time"

	"github.com/sony/gobreaker"
)

// RerankResult is one scored candidate returned by the reranking
// collaborator. Index points into the submitted document list.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankClient is the reranking collaborator contract. Implementations
// return at most topN results when topN is positive. Errors after the retry
// budget are expected; callers fall back to the unreranked order.
type RerankClient interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

// RerankerService calls a rerank endpoint with retries and a circuit
// breaker. It only transports scores; ordering and fallback policy belong to
// the retrieval orchestrator.
type RerankerService struct {
	config     RerankConfig
	url        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewRerankerService builds the client. A nil config uses defaults.
func NewRerankerService(config *RerankConfig) *RerankerService {
	cfg := getDefaultRerankConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	logger := slog.Default().With("component", "reranker")

	return &RerankerService{
		config: cfg,
		url:    strings.TrimRight(cfg.Endpoint, "/") + "/v1/rerank",
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "reranker",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank scores documents against query, retrying with a fixed delay.
// Malformed responses and cancellation end the retry loop early.
func (s *RerankerService) Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}

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

		results, err := s.doRerank(ctx, query, documents, topN)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if errors.Is(err, ErrMalformedResponse) || ctx.Err() != nil {
			break
		}
		s.logger.Warn("rerank request failed, retrying",
			"attempt", attempt, "max_retries", s.config.MaxRetries, "error", err)
	}
	return nil, fmt.Errorf("rerank failed after %d attempts: %w", s.config.MaxRetries, lastErr)
}

func (s *RerankerService) doRerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.postRerank(ctx, query, documents, topN)
	})
	if err != nil {
		return nil, err
	}
	return result.([]RerankResult), nil
}

func (s *RerankerService) postRerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error) {
	payload, err := json.Marshal(rerankRequest{
		Model:     s.config.Model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w: %s", ErrMalformedResponse, err)
	}

	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank index %d out of range for %d documents: %w", r.Index, len(documents), ErrMalformedResponse)
		}
	}
	return parsed.Results, nil
}
