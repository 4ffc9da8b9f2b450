package patterns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("codeloop.patterns.chromem")

var errPrecomputed = errors.New("pattern embeddings must be precomputed")

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// Path enables persistence; empty keeps everything in memory.
	Path     string
	Compress bool
	// Collections maps each category to its collection name.
	Collections map[Category]string
	// Dimension, when set, is enforced on insert and query.
	Dimension int
}

// ChromemStore implements Store on chromem-go, one collection per category.
type ChromemStore struct {
	db          *chromem.DB
	collections map[Category]*chromem.Collection
	dimension   int
	logger      *zap.Logger

	// mu serializes the exists-then-add sequence in Insert.
	mu sync.Mutex
}

// NewChromemStore opens or creates the database and its collections.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	s := &ChromemStore{
		db:          db,
		collections: make(map[Category]*chromem.Collection, len(Categories)),
		dimension:   cfg.Dimension,
		logger:      logger,
	}
	embed := func(context.Context, string) ([]float32, error) { return nil, errPrecomputed }
	for _, c := range Categories {
		name, ok := cfg.Collections[c]
		if !ok {
			return nil, fmt.Errorf("%w: no collection configured for %s", ErrUnknownCategory, c)
		}
		col, err := db.GetOrCreateCollection(name, map[string]string{"category": string(c)}, embed)
		if err != nil {
			return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
		}
		s.collections[c] = col
	}

	logger.Info("chromem pattern store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Int("dimension", cfg.Dimension),
	)
	return s, nil
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

func (s *ChromemStore) collection(c Category) (*chromem.Collection, error) {
	col, ok := s.collections[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return col, nil
}

func (s *ChromemStore) checkDimension(v []float32) error {
	if s.dimension > 0 && len(v) != s.dimension {
		return fmt.Errorf("%w: embedding has %d dimensions, store expects %d", ErrInvalidPattern, len(v), s.dimension)
	}
	return nil
}

// Insert adds p to its category's collection.
func (s *ChromemStore) Insert(ctx context.Context, p Pattern) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("pattern.id", p.ID), attribute.String("category", string(p.Category)))

	if err := p.Validate(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.checkDimension(p.Embedding); err != nil {
		span.RecordError(err)
		return err
	}
	col, err := s.collection(p.Category)
	if err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := col.GetByID(ctx, p.ID); err == nil {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return fmt.Errorf("%w: %s", ErrDuplicatePattern, p.ID)
	}

	doc := chromem.Document{
		ID:        p.ID,
		Content:   p.Text,
		Metadata:  encodeMeta(p),
		Embedding: append([]float32(nil), p.Embedding...),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding pattern %s: %w", p.ID, err)
	}

	span.SetStatus(codes.Ok, "")
	s.logger.Debug("pattern inserted", zap.String("id", p.ID), zap.String("category", string(p.Category)))
	return nil
}

// Query returns the k nearest patterns of category.
func (s *ChromemStore) Query(ctx context.Context, embedding []float32, category Category, k int) ([]Pattern, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("category", string(category)), attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidK, k)
	}
	if err := s.checkDimension(embedding); err != nil {
		return nil, err
	}
	col, err := s.collection(category)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count.
	n := col.Count()
	if n == 0 {
		return []Pattern{}, nil
	}
	if k > n {
		k = n
	}

	results, err := col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s patterns: %w", category, err)
	}

	out := make([]Pattern, len(results))
	for i, r := range results {
		meta, score, created := decodeMeta(r.Metadata)
		out[i] = Pattern{
			ID:         r.ID,
			Category:   category,
			Text:       r.Content,
			Embedding:  r.Embedding,
			Score:      score,
			Metadata:   meta,
			CreatedAt:  created,
			Similarity: r.Similarity,
		}
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Count returns the number of stored patterns in category.
func (s *ChromemStore) Count(ctx context.Context, category Category) (int, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Count")
	defer span.End()

	col, err := s.collection(category)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close is a no-op: persistent chromem writes through on every add.
func (s *ChromemStore) Close() error {
	return nil
}
