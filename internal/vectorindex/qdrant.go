package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/logging"
)

var qdrantTracer = otel.Tracer("github.com/recallhq/recalld/internal/vectorindex")

const (
	qdrantMaxRetries       = 3
	qdrantRetryBackoff     = 100 * time.Millisecond
	qdrantBreakerThreshold = 5
	qdrantBreakerCooldown  = 30 * time.Second
)

// QdrantIndex is an index backed by an external Qdrant instance over its
// native gRPC transport (port 6334).
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimensions int
	logger     *logging.Logger

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantIndex connects to Qdrant and ensures the collection exists.
func NewQdrantIndex(cfg config.QdrantConfig, dimensions int, logger *logging.Logger) (*QdrantIndex, error) {
	if dimensions < 1 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey.Value(),
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dimensions: dimensions,
		logger:     logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Duration())
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info(ctx, "qdrant index initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
		zap.Int("dimensions", dimensions),
	)

	return idx, nil
}

func (i *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := i.client.CollectionExists(ctx, i.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", i.collection, err)
	}
	if exists {
		return nil
	}

	err = i.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: i.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(i.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", i.collection, err)
	}
	return nil
}

// Upsert inserts or replaces points by id.
func (i *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert",
		trace.WithAttributes(attribute.Int("point_count", len(points))))
	defer span.End()

	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for n, p := range points {
		if p.ID == "" {
			err := fmt.Errorf("point %d has empty id", n)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		qdrantPoints[n] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: map[string]*qdrant.Value{
				"id": {Kind: &qdrant.Value_StringValue{StringValue: p.ID}},
			},
		}
	}

	err := i.retryOperation(ctx, "upsert", func() error {
		_, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: i.collection,
			Points:         qdrantPoints,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Nearest returns up to k matches for the query vector, best first.
func (i *QdrantIndex) Nearest(ctx context.Context, vector []float32, k int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Nearest",
		trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	var results []*qdrant.ScoredPoint
	err := i.retryOperation(ctx, "query", func() error {
		res, err := i.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: i.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches := make([]Match, 0, len(results))
	for _, point := range results {
		id := point.GetId().GetUuid()
		if v, ok := point.GetPayload()["id"]; ok {
			id = v.GetStringValue()
		}
		matches = append(matches, Match{ID: id, Score: point.GetScore()})
	}

	span.SetAttributes(attribute.Int("match_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Delete removes points by id. Unknown ids are ignored.
func (i *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Delete",
		trace.WithAttributes(attribute.Int("id_count", len(ids))))
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	err := i.retryOperation(ctx, "delete", func() error {
		_, err := i.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: i.collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							{
								ConditionOneOf: &qdrant.Condition_Field{
									Field: &qdrant.FieldCondition{
										Key: "id",
										Match: &qdrant.Match{
											MatchValue: &qdrant.Match_Keywords{
												Keywords: &qdrant.RepeatedStrings{Strings: ids},
											},
										},
									},
								},
							},
						},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close closes the gRPC connection.
func (i *QdrantIndex) Close() error {
	if i.client != nil {
		return i.client.Close()
	}
	return nil
}

// retryOperation retries transient failures with exponential backoff,
// tracking consecutive failures in a circuit breaker.
func (i *QdrantIndex) retryOperation(ctx context.Context, name string, op func() error) error {
	backoff := qdrantRetryBackoff

	for attempt := 0; attempt <= qdrantMaxRetries; attempt++ {
		err := op()
		if err == nil {
			i.resetBreaker()
			return nil
		}

		if i.isBreakerOpen() {
			return fmt.Errorf("%s: circuit breaker open", name)
		}

		if !isTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}

		i.recordFailure()

		if attempt == qdrantMaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, qdrantMaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (i *QdrantIndex) recordFailure() {
	i.breaker.mu.Lock()
	defer i.breaker.mu.Unlock()
	i.breaker.failures++
	i.breaker.lastFail = time.Now()
}

func (i *QdrantIndex) resetBreaker() {
	i.breaker.mu.Lock()
	defer i.breaker.mu.Unlock()
	i.breaker.failures = 0
}

func (i *QdrantIndex) isBreakerOpen() bool {
	i.breaker.mu.Lock()
	defer i.breaker.mu.Unlock()

	if i.breaker.failures >= qdrantBreakerThreshold {
		if time.Since(i.breaker.lastFail) > qdrantBreakerCooldown {
			i.breaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// isTransientError reports whether a gRPC error is worth retrying.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}
