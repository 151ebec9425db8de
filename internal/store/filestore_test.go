package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/reputation"
)

func TestFilePatternStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.jsonl")
	s := NewFilePatternStore(path)

	ctx := context.Background()
	_, err := s.LoadPatterns(ctx)
	require.NoError(t, err, "missing file is an empty store")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SavePatterns(ctx, []reputation.Record{
		{Pattern: "sig-a", BadHits: 12, Status: reputation.StatusLearnedBad, LastSeen: now},
		{Pattern: "sig-b", GoodHits: 40, Status: reputation.StatusConfirmedGood, LastSeen: now},
	}))

	fresh := NewFilePatternStore(path)
	records, err := fresh.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byPattern := map[string]reputation.Record{}
	for _, r := range records {
		byPattern[r.Pattern] = r
	}
	assert.Equal(t, reputation.StatusLearnedBad, byPattern["sig-a"].Status)
	assert.EqualValues(t, 40, byPattern["sig-b"].GoodHits)
}

func TestFilePatternStore_SaveMergesBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.jsonl")
	s := NewFilePatternStore(path)
	ctx := context.Background()

	require.NoError(t, s.SavePatterns(ctx, []reputation.Record{{Pattern: "a", BadHits: 1}}))
	require.NoError(t, s.SavePatterns(ctx, []reputation.Record{{Pattern: "b", BadHits: 2}}))

	records, err := NewFilePatternStore(path).LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2, "second batch must not clobber the first")
}

func TestFilePatternStore_SaveBeforeLoadPreservesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.jsonl")
	ctx := context.Background()
	require.NoError(t, NewFilePatternStore(path).SavePatterns(ctx,
		[]reputation.Record{{Pattern: "durable", GoodHits: 5}}))

	// A fresh store that saves without an explicit load first.
	s := NewFilePatternStore(path)
	require.NoError(t, s.SavePatterns(ctx, []reputation.Record{{Pattern: "new", BadHits: 1}}))

	records, err := NewFilePatternStore(path).LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFilePatternStore_SchemaMismatchStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1}
{"pattern":"old","bad_hits":9}
`), 0o644))

	records, err := NewFilePatternStore(path).LoadPatterns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records, "old schema files are invalidated, not migrated")
}

func TestFilePatternStore_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":3}
{"pattern":"good","bad_hits":2}
{not json
{"pattern":"also-good","good_hits":3}
`), 0o644))

	records, err := NewFilePatternStore(path).LoadPatterns(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFileWeightStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.jsonl")
	s := NewFileWeightStore(path)
	ctx := context.Background()

	got, err := s.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	in := []Weight{
		{Detector: "user_agent", Feature: "empty_ua", Value: 0.85, Confidence: 0.9},
		{Detector: "behavioral", Feature: "burst_rate", Value: 0.4, Confidence: 0.6},
	}
	require.NoError(t, s.SaveWeights(ctx, in))

	got, err = NewFileWeightStore(path).LoadWeights(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user_agent", got[0].Detector)
	assert.InDelta(t, 0.85, got[0].Value, 1e-9)
}
