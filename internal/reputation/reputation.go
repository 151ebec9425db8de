// Package reputation keeps the in-memory pattern reputation that powers
// the fast-path short-circuit: patterns confirmed bad are blocked before
// any detector runs, patterns confirmed good skip the pipeline (minus an
// audit sample).
package reputation

import (
	"context"
	"time"
)

// Status is the reputation state machine. ManuallyBlocked is terminal.
//
//	Unknown -> LearnedGood | LearnedBad -> ConfirmedGood | ConfirmedBad -> ManuallyBlocked
type Status string

const (
	StatusUnknown         Status = "Unknown"
	StatusLearnedGood     Status = "LearnedGood"
	StatusLearnedBad      Status = "LearnedBad"
	StatusConfirmedGood   Status = "ConfirmedGood"
	StatusConfirmedBad    Status = "ConfirmedBad"
	StatusManuallyBlocked Status = "ManuallyBlocked"
)

// Record is the per-pattern reputation state.
type Record struct {
	Pattern   string    `json:"pattern"`
	GoodHits  int64     `json:"good_hits"`
	BadHits   int64     `json:"bad_hits"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	DecayedAt time.Time `json:"decayed_at"`
	Status    Status    `json:"status"`
}

// Delta is one reputation update kind.
type Delta int

const (
	DeltaGood Delta = iota
	DeltaBad
	DeltaConfirmedGood
	DeltaConfirmedBad
	DeltaManualBlock
)

func (d Delta) String() string {
	switch d {
	case DeltaGood:
		return "good"
	case DeltaBad:
		return "bad"
	case DeltaConfirmedGood:
		return "confirmed_good"
	case DeltaConfirmedBad:
		return "confirmed_bad"
	case DeltaManualBlock:
		return "manual_block"
	default:
		return "unknown"
	}
}

// PatternStore is the durable backing for learned patterns. The cache
// batches writes behind a single writer; store failures drop the batch
// and never block the request path.
type PatternStore interface {
	SavePatterns(ctx context.Context, records []Record) error
	LoadPatterns(ctx context.Context) ([]Record, error)
}
