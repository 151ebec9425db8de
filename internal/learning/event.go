// Package learning is the asynchronous feedback loop behind the
// detection pipeline. The orchestrator publishes one event per completed
// request; a bounded bus fans the events out to handlers that update
// reputation, detector weights, the similarity index, and the detection
// record log. The bus never blocks the request path: when full, the
// oldest event is dropped and counted.
package learning

import (
	"time"

	"github.com/google/uuid"

	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// EventType tags the learning events.
type EventType string

const (
	EventDetectionCompleted      EventType = "DetectionCompleted"
	EventHighConfidenceDetection EventType = "HighConfidenceDetection"
	EventClientSideValidation    EventType = "ClientSideValidation"
)

// Event is one learning message. Evidence and request are shared
// read-only with the handlers; nothing here crosses a process boundary.
type Event struct {
	ID   string
	Type EventType
	At   time.Time

	Evidence *detection.AggregatedEvidence
	Request  *requestctx.RequestCtx

	// AttackDetected marks high-confidence detections.
	AttackDetected bool

	// Client-side validation fields.
	ClientScore float64
	Mismatch    bool
}

func newEvent(t EventType, ev *detection.AggregatedEvidence, req *requestctx.RequestCtx) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     t,
		At:       time.Now().UTC(),
		Evidence: ev,
		Request:  req,
	}
}
