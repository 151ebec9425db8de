package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresSignatureStore persists DetectionRecords in a single table.
// Batches arrive from the learning record-writer; each batch is one
// COPY-style multi-row insert inside a transaction.
type PostgresSignatureStore struct {
	db *sql.DB
}

const createDetectionsTable = `
CREATE TABLE IF NOT EXISTS detections (
	id              TEXT PRIMARY KEY,
	ts              TIMESTAMPTZ NOT NULL,
	path            TEXT NOT NULL,
	method          TEXT NOT NULL,
	status_code     INT NOT NULL DEFAULT 0,
	response_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
	bot_probability DOUBLE PRECISION NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	risk_band       TEXT NOT NULL,
	is_bot          BOOLEAN NOT NULL,
	bot_type        TEXT,
	bot_name        TEXT,
	policy_name     TEXT,
	policy_action   TEXT,
	ip_hash         TEXT,
	ua_hash         TEXT,
	subnet_hash     TEXT,
	country         TEXT,
	client_ip       TEXT,
	user_agent      TEXT,
	detail          JSONB,
	schema_version  INT NOT NULL
);
CREATE INDEX IF NOT EXISTS detections_ts_idx ON detections (ts);
CREATE INDEX IF NOT EXISTS detections_ip_hash_idx ON detections (ip_hash);
`

// NewPostgresSignatureStore opens the store and ensures the schema.
// Open errors are fatal at startup by contract.
func NewPostgresSignatureStore(dsn string) (*PostgresSignatureStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createDetectionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure detections schema: %w", err)
	}
	slog.Info("[SignatureStore] Postgres detection log ready")
	return &PostgresSignatureStore{db: db}, nil
}

type recordDetail struct {
	Contributions map[string]ContributionSummary `json:"contributions,omitempty"`
	TopReasons    []string                       `json:"top_reasons,omitempty"`
}

// AppendRecords inserts one batch inside a transaction using pq.CopyIn.
func (s *PostgresSignatureStore) AppendRecords(ctx context.Context, records []DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("detections",
		"id", "ts", "path", "method", "status_code", "response_ms",
		"bot_probability", "confidence", "risk_band", "is_bot",
		"bot_type", "bot_name", "policy_name", "policy_action",
		"ip_hash", "ua_hash", "subnet_hash", "country",
		"client_ip", "user_agent", "detail", "schema_version"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, r := range records {
		detail, err := json.Marshal(recordDetail{Contributions: r.Contributions, TopReasons: r.TopReasons})
		if err != nil {
			detail = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Timestamp.UTC(), r.Path, r.Method, r.StatusCode, r.ResponseTimeMs,
			r.BotProbability, r.Confidence, r.RiskBand, r.IsBot,
			nullable(r.BotType), nullable(r.BotName), nullable(r.PolicyName), nullable(r.PolicyAction),
			nullable(r.IPHash), nullable(r.UAHash), nullable(r.SubnetHash), nullable(r.Country),
			r.ClientIP, r.UserAgent, string(detail), r.SchemaVersion,
		); err != nil {
			return fmt.Errorf("copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	return tx.Commit()
}

// Scan returns records in [from, to), newest first, capped at limit.
func (s *PostgresSignatureStore) Scan(ctx context.Context, from, to time.Time, limit int) ([]DetectionRecord, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, path, method, status_code, response_ms,
		       bot_probability, confidence, risk_band, is_bot,
		       COALESCE(bot_type,''), COALESCE(bot_name,''),
		       COALESCE(policy_name,''), COALESCE(policy_action,''),
		       COALESCE(ip_hash,''), COALESCE(ua_hash,''),
		       COALESCE(subnet_hash,''), COALESCE(country,''),
		       client_ip, user_agent, detail, schema_version
		FROM detections
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts DESC
		LIMIT $3`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("scan detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRecord
	for rows.Next() {
		var r DetectionRecord
		var detail []byte
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Path, &r.Method, &r.StatusCode, &r.ResponseTimeMs,
			&r.BotProbability, &r.Confidence, &r.RiskBand, &r.IsBot,
			&r.BotType, &r.BotName, &r.PolicyName, &r.PolicyAction,
			&r.IPHash, &r.UAHash, &r.SubnetHash, &r.Country,
			&r.ClientIP, &r.UserAgent, &detail, &r.SchemaVersion,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var d recordDetail
		if len(detail) > 0 && json.Unmarshal(detail, &d) == nil {
			r.Contributions = d.Contributions
			r.TopReasons = d.TopReasons
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Purge deletes records older than the cut-off and reports the count.
func (s *PostgresSignatureStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE ts < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge detections: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("[SignatureStore] Purged expired detections", "count", n)
	}
	return n, nil
}

// Close releases the connection pool.
func (s *PostgresSignatureStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ SignatureStore = (*PostgresSignatureStore)(nil)
