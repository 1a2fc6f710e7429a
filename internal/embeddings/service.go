// Package embeddings generates text embeddings via an external TEI-style
// HTTP provider. Any provider failure surfaces as ErrEmbeddingUnavailable
// so callers can degrade instead of failing the turn.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/recallhq/recalld/internal/config"
)

var tracer = otel.Tracer("github.com/recallhq/recalld/internal/embeddings")

// ErrEmbeddingUnavailable indicates the embedding provider could not
// produce a usable vector. It is retryable: callers persist without
// vectors (backfill fills them later) or degrade to un-augmented prompts.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Service generates embeddings for queries and documents.
type Service struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
	metrics    *metrics
}

// NewService creates an embedding service from config.
func NewService(cfg config.EmbeddingsConfig) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embeddings base URL required")
	}
	if cfg.Dimensions < 1 {
		return nil, fmt.Errorf("invalid embedding dimensions: %d", cfg.Dimensions)
	}
	return &Service{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: cfg.Timeout.Duration()},
		metrics:    newMetrics(),
	}, nil
}

// Dimensions returns the embedding dimensionality the service produces.
func (s *Service) Dimensions() int {
	return s.dimensions
}

type embedRequest struct {
	Inputs   any  `json:"inputs"`
	Truncate bool `json:"truncate"`
}

// EmbedQuery generates an embedding for a single query text.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "embeddings.EmbedQuery",
		trace.WithAttributes(attribute.Int("text.len", len(text))))
	defer span.End()

	start := time.Now()
	vectors, err := s.embed(ctx, text, 1)
	s.metrics.recordGeneration(ctx, s.model, "embed_query", time.Since(start), 1, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments generates embeddings for multiple texts, one vector per
// input in order.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "embeddings.EmbedDocuments",
		trace.WithAttributes(attribute.Int("batch.size", len(texts))))
	defer span.End()

	start := time.Now()
	vectors, err := s.embed(ctx, texts, len(texts))
	s.metrics.recordGeneration(ctx, s.model, "embed_documents", time.Since(start), len(texts), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vectors, nil
}

// embed performs the provider round trip and validates the response shape.
// want is the expected number of vectors.
func (s *Service) embed(ctx context.Context, inputs any, want int) ([][]float32, error) {
	if want == 0 {
		return nil, fmt.Errorf("%w: no input texts", ErrEmbeddingUnavailable)
	}
	if text, ok := inputs.(string); ok && text == "" {
		return nil, fmt.Errorf("%w: empty input text", ErrEmbeddingUnavailable)
	}
	if texts, ok := inputs.([]string); ok {
		for i, text := range texts {
			if text == "" {
				return nil, fmt.Errorf("%w: empty input text at index %d", ErrEmbeddingUnavailable, i)
			}
		}
	}

	body, err := json.Marshal(embedRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingUnavailable, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingUnavailable, err)
	}

	if len(vectors) != want {
		return nil, fmt.Errorf("%w: got %d vectors, want %d", ErrEmbeddingUnavailable, len(vectors), want)
	}
	for i, vec := range vectors {
		if len(vec) != s.dimensions {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrEmbeddingUnavailable, i, len(vec), s.dimensions)
		}
	}

	return vectors, nil
}
