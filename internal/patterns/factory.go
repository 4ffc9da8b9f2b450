package patterns

import (
	"fmt"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"go.uber.org/zap"
)

// NewStore opens the backend named by cfg.Type. dimension is the embedding
// provider's vector size.
func NewStore(cfg config.Config, dimension int, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	collections, err := collectionsFrom(&cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.VectorDB.Type {
	case config.VectorDBChromem, "":
		return NewChromemStore(ChromemConfig{
			Path:        cfg.VectorDB.Path,
			Compress:    cfg.VectorDB.Compress,
			Collections: collections,
			Dimension:   dimension,
		}, logger)
	case config.VectorDBQdrant:
		return NewQdrantStore(QdrantConfig{
			Host:        cfg.VectorDB.Host,
			Port:        cfg.VectorDB.Port,
			UseTLS:      cfg.VectorDB.UseTLS,
			Collections: collections,
			Dimension:   dimension,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported vectordb type %q", cfg.VectorDB.Type)
	}
}

func collectionsFrom(cfg *config.Config) (map[Category]string, error) {
	out := make(map[Category]string, len(Categories))
	for _, c := range Categories {
		name, ok := cfg.CollectionFor(string(c))
		if !ok {
			return nil, fmt.Errorf("%w: no collection configured for %s", ErrUnknownCategory, c)
		}
		out[c] = name
	}
	return out, nil
}
