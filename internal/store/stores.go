package store

import (
	"context"
	"time"
)

// SignatureStore is the append-only DetectionRecord log. Writes are
// batched by the caller; Scan serves the dashboard with a bounded
// time-range query; Purge enforces retention.
type SignatureStore interface {
	AppendRecords(ctx context.Context, records []DetectionRecord) error
	Scan(ctx context.Context, from, to time.Time, limit int) ([]DetectionRecord, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// Weight is one learned per-(detector, feature) scalar.
type Weight struct {
	Detector   string    `json:"detector"`
	Feature    string    `json:"feature"`
	Value      float64   `json:"value"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WeightStore persists learned detector weights.
type WeightStore interface {
	SaveWeights(ctx context.Context, weights []Weight) error
	LoadWeights(ctx context.Context) ([]Weight, error)
}
