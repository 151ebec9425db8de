package similarity

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/requestctx"
)

func testConfig() Config {
	return Config{BuildThreshold: 5, RebuildThreshold: 50, SaveInterval: 0}
}

func randomVec(rng *rand.Rand) []float32 {
	v := make([]float32, HeuristicDim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func TestAddThenFindReturnsSelf(t *testing.T) {
	idx := NewIndex(testConfig(), nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	vecs := make([][]float32, 20)
	for i := range vecs {
		vecs[i] = randomVec(rng)
		require.NoError(t, idx.Add(ctx, vecs[i], fmt.Sprintf("sig-%d", i), i%2 == 0, 0.8, ""))
	}

	for i, v := range vecs {
		hits, err := idx.FindSimilar(ctx, v, 1, 0, "")
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, fmt.Sprintf("sig-%d", i), hits[0].ID)
		assert.Less(t, hits[0].Distance, 1e-5, "self-query distance within tolerance")
	}
}

func TestBruteForceBelowBuildThreshold(t *testing.T) {
	idx := NewIndex(testConfig(), nil)
	ctx := context.Background()

	v := make([]float32, HeuristicDim)
	v[0] = 1
	require.NoError(t, idx.Add(ctx, v, "only", true, 0.9, ""))

	hits, err := idx.FindSimilar(ctx, v, 3, 0.5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "only", hits[0].ID)
	assert.True(t, hits[0].WasBot)
}

func TestMinSimilarityFilters(t *testing.T) {
	idx := NewIndex(testConfig(), nil)
	ctx := context.Background()

	a := make([]float32, HeuristicDim)
	a[0] = 1
	b := make([]float32, HeuristicDim)
	b[1] = 1 // orthogonal to a
	require.NoError(t, idx.Add(ctx, a, "a", false, 0.5, ""))
	require.NoError(t, idx.Add(ctx, b, "b", false, 0.5, ""))

	hits, err := idx.FindSimilar(ctx, a, 5, 0.9, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestRejectsWrongDimension(t *testing.T) {
	idx := NewIndex(testConfig(), nil)
	err := idx.Add(context.Background(), make([]float32, 10), "bad", false, 0, "")
	assert.Error(t, err)
	_, err = idx.FindSimilar(context.Background(), make([]float32, 10), 1, 0, "")
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Dir = dir
	idx := NewIndex(cfg, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Add(ctx, randomVec(rng), fmt.Sprintf("sig-%d", i), true, 0.7, ""))
	}
	require.NoError(t, idx.Save())

	restored := NewIndex(cfg, nil)
	require.NoError(t, restored.Load())
	assert.Equal(t, 10, restored.Len())

	probe := randomVec(rng)
	want, err := idx.FindSimilar(ctx, probe, 3, 0, "")
	require.NoError(t, err)
	got, err := restored.FindSimilar(ctx, probe, 3, 0, "")
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
	}
}

func TestLoadMissingFilesIsEmpty(t *testing.T) {
	cfg := testConfig()
	cfg.Dir = t.TempDir()
	idx := NewIndex(cfg, nil)
	require.NoError(t, idx.Load())
	assert.Equal(t, 0, idx.Len())
}

type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, nil
}

func TestSemanticBlending(t *testing.T) {
	emb := make([]float32, SemanticDim)
	emb[0] = 1
	idx := NewIndex(testConfig(), fixedEmbedder{vec: emb})
	ctx := context.Background()

	v := make([]float32, HeuristicDim)
	v[0] = 1
	require.NoError(t, idx.Add(ctx, v, "dual", true, 0.9, "scanner-like request"))

	// Identical heuristic and semantic vectors: blended similarity stays 1.
	hits, err := idx.FindSimilar(ctx, v, 1, 0.99, "scanner-like request")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "dual", hits[0].ID)
}

func TestVectorizeStableAndBounded(t *testing.T) {
	req := &requestctx.RequestCtx{
		Method: "GET",
		Path:   "/api/data",
		Header: http.Header{
			"User-Agent":      {"curl/8.0"},
			"Accept-Encoding": {"gzip"},
		},
		Proto: "HTTP/1.1",
	}
	signals := map[string]any{"ip.is_datacenter": true}

	a := Vectorize(req, signals)
	b := Vectorize(req, signals)
	assert.Equal(t, a, b, "vectorization is deterministic")
	require.Len(t, a, HeuristicDim)

	assert.Equal(t, float32(1), a[slotMethodGet])
	assert.Equal(t, float32(1), a[slotPathHasAPI])
	assert.Equal(t, float32(1), a[slotUAToolWord])
	assert.Equal(t, float32(0), a[slotHasAcceptLanguage])
	assert.Equal(t, float32(1), a[signalSlots["ip.is_datacenter"]])
	for i, f := range a {
		assert.GreaterOrEqual(t, f, float32(0), "slot %d", i)
		assert.LessOrEqual(t, f, float32(1), "slot %d", i)
	}
}

// Every signal slot key must match a signal the detectors actually emit,
// otherwise the slot can never fire.
func TestVectorizeSignalSlotsMatchEmittedKeys(t *testing.T) {
	req := &requestctx.RequestCtx{
		Method: "GET",
		Path:   "/",
		Header: http.Header{"User-Agent": {"Mozilla/5.0"}},
		Proto:  "HTTP/1.1",
	}
	signals := map[string]any{
		blackboard.SignalVerifiedBot: true,
		"protocol.anomaly":           true,
	}

	v := Vectorize(req, signals)
	assert.Equal(t, float32(1), v[signalSlots[blackboard.SignalVerifiedBot]])
	assert.Equal(t, float32(1), v[signalSlots["protocol.anomaly"]])
}
