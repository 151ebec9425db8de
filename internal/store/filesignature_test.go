package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string, ts time.Time) DetectionRecord {
	return DetectionRecord{
		ID:             id,
		Timestamp:      ts,
		Path:           "/products",
		Method:         "GET",
		BotProbability: 0.42,
		RiskBand:       "Medium",
		IPHash:         "qqO8BqrDyJ27pCqBq2tsVg",
		SchemaVersion:  SchemaVersion,
	}
}

func TestFileSignatureStore_AppendScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.jsonl")
	s, err := NewFileSignatureStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.AppendRecords(ctx, []DetectionRecord{
		testRecord("a", now.Add(-2*time.Hour)),
		testRecord("b", now.Add(-time.Hour)),
	}))
	require.NoError(t, s.AppendRecords(ctx, []DetectionRecord{testRecord("c", now)}))

	got, err := s.Scan(ctx, now.Add(-90*time.Minute), now, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)

	limited, err := s.Scan(ctx, now.Add(-3*time.Hour), now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a", limited[0].ID)
}

func TestFileSignatureStore_PurgeDropsOldRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.jsonl")
	s, err := NewFileSignatureStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.AppendRecords(ctx, []DetectionRecord{
		testRecord("old", now.Add(-48*time.Hour)),
		testRecord("new", now),
	}))

	removed, err := s.Purge(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	got, err := s.Scan(ctx, now.Add(-72*time.Hour), now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestFileSignatureStore_NoRawPIIOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.jsonl")
	s, err := NewFileSignatureStore(path)
	require.NoError(t, err)

	rec := testRecord("a", time.Now().UTC())
	require.NoError(t, s.AppendRecords(context.Background(), []DetectionRecord{rec}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "client_ip"))
	assert.False(t, strings.Contains(string(raw), "user_agent"))
	assert.Contains(t, string(raw), "ip_hash")
}

func TestFileSignatureStore_MissingFile(t *testing.T) {
	s, err := NewFileSignatureStore(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)

	got, err := s.Scan(context.Background(), time.Time{}, time.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	removed, err := s.Purge(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
