// Package patterns stores scored code, test, documentation and feedback
// examples as embeddings so later tasks can retrieve similar work.
//
// The store is append-only: there is no delete on the interface, and
// inserting an ID that already exists returns ErrDuplicatePattern without
// modifying the stored pattern.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Category partitions patterns; each category maps to its own collection.
type Category string

const (
	CategoryCode          Category = "code"
	CategoryTest          Category = "test"
	CategoryDocumentation Category = "documentation"
	CategoryFeedback      Category = "feedback"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryCode, CategoryTest, CategoryDocumentation, CategoryFeedback}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCode, CategoryTest, CategoryDocumentation, CategoryFeedback:
		return true
	}
	return false
}

var (
	// ErrDuplicatePattern is returned when a pattern ID already exists.
	ErrDuplicatePattern = errors.New("pattern already exists")

	// ErrInvalidPattern is returned for patterns missing required fields.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrUnknownCategory is returned for categories with no collection.
	ErrUnknownCategory = errors.New("unknown pattern category")

	// ErrInvalidK is returned when a query asks for k <= 0 results.
	ErrInvalidK = errors.New("k must be positive")
)

// Pattern is one stored example.
type Pattern struct {
	ID        string            `json:"id"`
	Category  Category          `json:"category"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"-"`
	Score     float64           `json:"score"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	// Similarity is set on query results.
	Similarity float32 `json:"similarity,omitempty"`
}

// Validate checks required fields.
func (p *Pattern) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidPattern)
	case !p.Category.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownCategory, p.Category)
	case len(p.Embedding) == 0:
		return fmt.Errorf("%w: %s has no embedding", ErrInvalidPattern, p.ID)
	}
	return nil
}

// Store persists patterns.
type Store interface {
	// Insert adds p. An existing ID yields ErrDuplicatePattern.
	Insert(ctx context.Context, p Pattern) error
	// Query returns up to k patterns of category, nearest first.
	Query(ctx context.Context, embedding []float32, category Category, k int) ([]Pattern, error)
	// Count returns the number of patterns in category.
	Count(ctx context.Context, category Category) (int, error)
	Close() error
}

var idNamespace = uuid.MustParse("6f1c1d0e-5b7a-4c53-9a43-0c6a4e1f2d11")

// PatternID is deterministic per task, iteration and category, so replaying
// an iteration can never produce a second copy.
func PatternID(taskID string, iteration int, c Category) string {
	return uuid.NewSHA1(idNamespace, []byte(taskID+"\x00"+strconv.Itoa(iteration)+"\x00"+string(c))).String()
}

// Reserved metadata keys used by backends that only store strings.
const (
	metaScore     = "_score"
	metaCreatedAt = "_created_at"
)

func encodeMeta(p Pattern) map[string]string {
	m := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		m[k] = v
	}
	m[metaScore] = strconv.FormatFloat(p.Score, 'f', -1, 64)
	m[metaCreatedAt] = p.CreatedAt.UTC().Format(time.RFC3339Nano)
	return m
}

func decodeMeta(m map[string]string) (meta map[string]string, score float64, created time.Time) {
	meta = make(map[string]string, len(m))
	for k, v := range m {
		switch k {
		case metaScore:
			score, _ = strconv.ParseFloat(v, 64)
		case metaCreatedAt:
			created, _ = time.Parse(time.RFC3339Nano, v)
		default:
			meta[k] = v
		}
	}
	return meta, score, created
}
