package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stylobot/gateway/internal/reputation"
)

// RedisClient is a minimal interface that any Redis library (go-redis,
// redigo) can satisfy. The store doesn't import a specific driver — code
// in cmd/gateway/main creates the concrete client and injects it.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisPatternStore shares learned patterns across gateway pods. Each
// record lives under its own key with a TTL a little past the decay
// horizon; a set index makes bulk load possible without SCAN.
type RedisPatternStore struct {
	client    RedisClient
	keyPrefix string // e.g. "stylobot:rep:" to namespace keys
	ttl       time.Duration
}

// NewRedisPatternStore creates the shared pattern store.
func NewRedisPatternStore(client RedisClient, keyPrefix string, ttl time.Duration) *RedisPatternStore {
	if keyPrefix == "" {
		keyPrefix = "stylobot:rep:"
	}
	if ttl == 0 {
		ttl = 72 * time.Hour // decay deletes long before this fires
	}
	return &RedisPatternStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

type redisPatternEnvelope struct {
	SchemaVersion int               `json:"schema_version"`
	Record        reputation.Record `json:"record"`
}

func (rs *RedisPatternStore) indexKey() string { return rs.keyPrefix + "index" }

// SavePatterns writes each record and maintains the index set. A single
// failed key aborts the batch; the cache drops and retries via later
// traffic.
func (rs *RedisPatternStore) SavePatterns(ctx context.Context, records []reputation.Record) error {
	members := make([]string, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(redisPatternEnvelope{SchemaVersion: SchemaVersion, Record: rec})
		if err != nil {
			return fmt.Errorf("marshal pattern: %w", err)
		}
		if err := rs.client.Set(ctx, rs.keyPrefix+"pat:"+rec.Pattern, data, rs.ttl); err != nil {
			return fmt.Errorf("redis SET pattern: %w", err)
		}
		members = append(members, rec.Pattern)
	}
	if len(members) > 0 {
		if err := rs.client.SAdd(ctx, rs.indexKey(), members...); err != nil {
			return fmt.Errorf("redis SADD index: %w", err)
		}
	}
	return nil
}

// LoadPatterns bulk-loads every indexed record. Keys expired since their
// index entry was written are pruned from the index as they are found.
func (rs *RedisPatternStore) LoadPatterns(ctx context.Context) ([]reputation.Record, error) {
	members, err := rs.client.SMembers(ctx, rs.indexKey())
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS index: %w", err)
	}

	out := make([]reputation.Record, 0, len(members))
	var stale []string
	for _, pattern := range members {
		data, err := rs.client.Get(ctx, rs.keyPrefix+"pat:"+pattern)
		if err != nil || len(data) == 0 {
			stale = append(stale, pattern)
			continue
		}
		var env redisPatternEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.SchemaVersion != SchemaVersion {
			stale = append(stale, pattern)
			continue
		}
		out = append(out, env.Record)
	}
	if len(stale) > 0 {
		if err := rs.client.SRem(ctx, rs.indexKey(), stale...); err != nil {
			slog.Warn("[RedisPatternStore] Failed to prune stale index entries", "count", len(stale), "error", err)
		}
	}
	return out, nil
}

// DeletePattern removes one record, used by the admin unblock endpoint.
func (rs *RedisPatternStore) DeletePattern(ctx context.Context, pattern string) error {
	if err := rs.client.SRem(ctx, rs.indexKey(), pattern); err != nil {
		return err
	}
	return rs.client.Del(ctx, rs.keyPrefix+"pat:"+pattern)
}

var _ reputation.PatternStore = (*RedisPatternStore)(nil)
