package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/codeloop/internal/config"
	"github.com/fyrsmithlabs/codeloop/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashProvider(t *testing.T) {
	p := NewHashProvider(64)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "validate jwt token expiry")
	require.NoError(t, err)
	require.Len(t, a, 64)

	again, err := p.EmbedQuery(ctx, "validate jwt token expiry")
	require.NoError(t, err)
	assert.Equal(t, a, again, "embedding is deterministic")

	docs, err := p.EmbedDocuments(ctx, []string{"validate JWT token expiry!", "render pie chart colors"})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.InDelta(t, 1.0, cosine(a, docs[0]), 1e-6, "punctuation and case are ignored")
	assert.Less(t, cosine(a, docs[1]), 0.9)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashProvider_Edges(t *testing.T) {
	p := NewHashProvider(0)
	assert.Equal(t, 384, p.Dimension())

	_, err := p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	v, err := p.EmbedQuery(context.Background(), "!!!")
	require.NoError(t, err)
	assert.Equal(t, float32(1), v[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.EmbedQuery(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func newTEIServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("model loading"))
			return
		}
		var req struct {
			Inputs   json.RawMessage `json:"inputs"`
			Truncate bool            `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		n := 1
		var many []string
		if json.Unmarshal(req.Inputs, &many) == nil {
			n = len(many)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{float32(i), 1, 0}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEIProvider(t *testing.T) {
	srv := newTEIServer(t, http.StatusOK)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-base-en-v1.5"}, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 768, p.Dimension())

	docs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, docs)

	q, err := p.EmbedQuery(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, q)
}

func TestTEIProvider_Errors(t *testing.T) {
	_, err := NewTEIProvider(TEIConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	srv := newTEIServer(t, http.StatusServiceUnavailable)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "a")
	require.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.EmbeddingsConfig{Provider: "hash", Model: "BAAI/bge-base-en-v1.5"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())

	_, err = NewProvider(config.EmbeddingsConfig{Provider: "word2vec"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProvider(config.EmbeddingsConfig{Provider: "tei"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMetrics_RecordsCalls(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	ctx := context.Background()

	p, err := NewProvider(config.EmbeddingsConfig{Provider: "hash"}, tel.Meter("test"), nil)
	require.NoError(t, err)

	_, err = p.EmbedDocuments(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	_, err = p.EmbedQuery(ctx, "")
	require.Error(t, err)

	m, ok := tel.Metric(ctx, "codeloop.embedding.errors_total")
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	m, ok = tel.Metric(ctx, "codeloop.embedding.duration_seconds")
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestDetectDimension(t *testing.T) {
	assert.Equal(t, 384, detectDimension("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 512, detectDimension("BAAI/bge-small-zh-v1.5"))
	assert.Equal(t, 1024, detectDimension("intfloat/e5-large"))
	assert.Equal(t, 384, detectDimension("unknown"))
}
