package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/reputation"
)

// fakeRedis implements RedisClient in memory for tests.
type fakeRedis struct {
	kv   map[string][]byte
	sets map[string]map[string]bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{kv: map[string][]byte{}, sets: map[string]map[string]bool{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.kv[key] = value
	return nil
}

func (f *fakeRedis) Get(_ context.Context, key string) ([]byte, error) {
	return f.kv[key], nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.kv, k)
	}
	return nil
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...string) error {
	if f.sets[key] == nil {
		f.sets[key] = map[string]bool{}
	}
	for _, m := range members {
		f.sets[key][m] = true
	}
	return nil
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...string) error {
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeRedis) SMembers(_ context.Context, key string) ([]string, error) {
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func TestRedisPatternStore_RoundTrip(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisPatternStore(client, "", 0)
	ctx := context.Background()

	require.NoError(t, s.SavePatterns(ctx, []reputation.Record{
		{Pattern: "sig-a", BadHits: 15, Status: reputation.StatusLearnedBad},
		{Pattern: "sig-b", GoodHits: 3, Status: reputation.StatusUnknown},
	}))

	records, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestRedisPatternStore_PrunesExpiredIndexEntries(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisPatternStore(client, "", 0)
	ctx := context.Background()

	require.NoError(t, s.SavePatterns(ctx, []reputation.Record{
		{Pattern: "live"},
		{Pattern: "gone"},
	}))
	// Simulate the value key expiring while the index entry survives.
	delete(client.kv, "stylobot:rep:pat:gone")

	records, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "live", records[0].Pattern)
	assert.False(t, client.sets["stylobot:rep:index"]["gone"], "stale entry pruned from index")
}

func TestRedisPatternStore_DeletePattern(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisPatternStore(client, "", 0)
	ctx := context.Background()

	require.NoError(t, s.SavePatterns(ctx, []reputation.Record{{Pattern: "sig"}}))
	require.NoError(t, s.DeletePattern(ctx, "sig"))

	records, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
