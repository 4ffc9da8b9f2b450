package patterns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("codeloop.patterns.qdrant")

// QdrantConfig configures the qdrant gRPC backend.
type QdrantConfig struct {
	Host        string
	Port        int // gRPC port, 6334
	UseTLS      bool
	Collections map[Category]string
	Dimension   int

	MaxRetries     int           // defaults to 3
	RetryBackoff   time.Duration // initial backoff, doubled per retry; defaults to 500ms
	MaxMessageSize int           // defaults to 50MB
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// qdrantPoints is the subset of *qdrant.Client the store uses.
type qdrantPoints interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Get(ctx context.Context, req *qdrant.GetPoints) ([]*qdrant.RetrievedPoint, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	Close() error
}

// QdrantStore implements Store on qdrant, one collection per category.
type QdrantStore struct {
	client qdrantPoints
	cfg    QdrantConfig
	logger *zap.Logger

	ensured sync.Map // collection name -> struct{}
	mu      sync.Mutex
}

// NewQdrantStore connects to qdrant. Collections are created on first use.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	cfg.applyDefaults()
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: qdrant needs a positive dimension", ErrInvalidPattern)
	}
	for _, c := range Categories {
		if _, ok := cfg.Collections[c]; !ok {
			return nil, fmt.Errorf("%w: no collection configured for %s", ErrUnknownCategory, c)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	return newQdrantStore(client, cfg, logger), nil
}

func newQdrantStore(client qdrantPoints, cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	return &QdrantStore{client: client, cfg: cfg, logger: logger}
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if err == nil || !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

func (s *QdrantStore) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		if attempt >= s.cfg.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, s.cfg.MaxRetries, err)
		}
		s.logger.Debug("retrying qdrant operation", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) collectionFor(ctx context.Context, c Category) (string, error) {
	name, ok := s.cfg.Collections[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	if _, ok := s.ensured.Load(name); ok {
		return name, nil
	}

	var exists bool
	err := s.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return "", err
	}
	if !exists {
		err = s.retry(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(s.cfg.Dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return "", err
		}
		s.logger.Info("created qdrant collection", zap.String("collection", name))
	}
	s.ensured.Store(name, struct{}{})
	return name, nil
}

func toPayload(p Pattern) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(p.Metadata)+3)
	for k, v := range encodeMeta(p) {
		payload[k] = qdrant.NewValueString(v)
	}
	payload["text"] = qdrant.NewValueString(p.Text)
	payload["pattern_id"] = qdrant.NewValueString(p.ID)
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) (id, text string, meta map[string]string, score float64, created time.Time) {
	raw := make(map[string]string, len(payload))
	for k, v := range payload {
		switch k {
		case "text":
			text = v.GetStringValue()
		case "pattern_id":
			id = v.GetStringValue()
		default:
			raw[k] = v.GetStringValue()
		}
	}
	meta, score, created = decodeMeta(raw)
	return id, text, meta, score, created
}

// Insert upserts p after checking that its ID is not already stored.
func (s *QdrantStore) Insert(ctx context.Context, p Pattern) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("pattern.id", p.ID), attribute.String("category", string(p.Category)))

	if err := p.Validate(); err != nil {
		return err
	}
	if len(p.Embedding) != s.cfg.Dimension {
		return fmt.Errorf("%w: embedding has %d dimensions, store expects %d", ErrInvalidPattern, len(p.Embedding), s.cfg.Dimension)
	}
	name, err := s.collectionFor(ctx, p.Category)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	pointID := qdrant.NewIDUUID(p.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []*qdrant.RetrievedPoint
	err = s.retry(ctx, "get", func() error {
		var err error
		existing, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: name,
			Ids:            []*qdrant.PointId{pointID},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicatePattern, p.ID)
	}

	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      pointID,
				Vectors: qdrant.NewVectors(p.Embedding...),
				Payload: toPayload(p),
			}},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting pattern %s: %w", p.ID, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Query returns up to k nearest patterns of category.
func (s *QdrantStore) Query(ctx context.Context, embedding []float32, category Category, k int) ([]Pattern, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("category", string(category)), attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidK, k)
	}
	name, err := s.collectionFor(ctx, category)
	if err != nil {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "query", func() error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s patterns: %w", category, err)
	}

	out := make([]Pattern, 0, len(points))
	for _, pt := range points {
		id, text, meta, score, created := fromPayload(pt.GetPayload())
		if id == "" {
			id = pt.GetId().GetUuid()
		}
		out = append(out, Pattern{
			ID:         id,
			Category:   category,
			Text:       text,
			Embedding:  pt.GetVectors().GetVector().GetData(),
			Score:      score,
			Metadata:   meta,
			CreatedAt:  created,
			Similarity: pt.GetScore(),
		})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Count returns the exact number of patterns in category.
func (s *QdrantStore) Count(ctx context.Context, category Category) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Count")
	defer span.End()

	name, err := s.collectionFor(ctx, category)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = s.retry(ctx, "count", func() error {
		var err error
		n, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
