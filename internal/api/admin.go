package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stylobot/gateway/internal/events"
	"github.com/stylobot/gateway/internal/reputation"
)

// handleReputationLookup returns the live record for a hashed primary
// signature. The admin always works in hashes; there is no reverse path
// to an address or agent string.
func (s *Server) handleReputationLookup(w http.ResponseWriter, r *http.Request) {
	sig := mux.Vars(r)["signature"]
	rec, ok := s.deps.Reputation.Lookup(sig)
	if !ok {
		writeError(w, http.StatusNotFound, "signature not known")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type signatureRequest struct {
	Signature string `json:"signature"`
	Reason    string `json:"reason,omitempty"`
}

func decodeSignatureRequest(w http.ResponseWriter, r *http.Request) (signatureRequest, bool) {
	var req signatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "signature required")
		return signatureRequest{}, false
	}
	return req, true
}

// handleBlock pins a signature to ManuallyBlocked. Manual state wins
// over learned state until an operator unblocks.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSignatureRequest(w, r)
	if !ok {
		return
	}

	rec := s.deps.Reputation.Update(req.Signature, reputation.DeltaManualBlock, time.Now().UTC())
	s.logger.Printf("admin block: signature=%s reason=%q", req.Signature, req.Reason)
	if s.deps.Emitter != nil {
		s.deps.Emitter.Emit(events.TypeAdminBlock, "/gateway/admin", req.Signature, map[string]interface{}{
			"reason": req.Reason,
		})
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUnblock forgets a signature entirely, in memory and in the
// durable store when the store supports point deletes.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSignatureRequest(w, r)
	if !ok {
		return
	}

	existed := s.deps.Reputation.Delete(req.Signature)
	if s.deps.Patterns != nil {
		if err := s.deps.Patterns.DeletePattern(r.Context(), req.Signature); err != nil {
			s.logger.Printf("durable delete for %s failed: %v", req.Signature, err)
		}
	}
	s.logger.Printf("admin unblock: signature=%s existed=%v", req.Signature, existed)
	if s.deps.Emitter != nil {
		s.deps.Emitter.Emit(events.TypeAdminUnblock, "/gateway/admin", req.Signature, nil)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "existed": existed})
}

// handleStats aggregates the live counters the dashboard polls.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]interface{}{
		"reputation_patterns": s.deps.Reputation.Len(),
		"verdict_cache":       s.deps.Verdicts.Len(),
	}
	if s.deps.Factory != nil {
		stats["signature_cache"] = s.deps.Factory.CacheLen()
	}
	if s.deps.Similarity != nil {
		stats["similarity_vectors"] = s.deps.Similarity.Len()
	}
	if s.deps.Bus != nil {
		stats["learning_queue_depth"] = s.deps.Bus.Depth()
	}
	if s.deps.Events != nil {
		stats["event_subscribers"] = s.deps.Events.SubscriberCount()
	}
	if s.deps.Streamer != nil {
		stats["stream_clients"] = s.deps.Streamer.ClientCount()
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDecay runs one decay sweep immediately, outside the schedule.
func (s *Server) handleDecay(w http.ResponseWriter, _ *http.Request) {
	removed := s.deps.Reputation.Decay(time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "removed": removed})
}
