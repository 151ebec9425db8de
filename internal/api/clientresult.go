package api

import (
	"container/list"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/events"
	"github.com/stylobot/gateway/internal/learning"
	"github.com/stylobot/gateway/internal/requestctx"
	"github.com/stylobot/gateway/internal/signature"
)

// clientResult is the body the injected browser script posts back. The
// capability checks sit under clientChecks; the echo of the server's
// verdict and the identity fields around it are informational.
type clientResult struct {
	Timestamp       string          `json:"timestamp"`
	ServerDetection serverDetection `json:"serverDetection"`
	ClientChecks    ClientProbe     `json:"clientChecks"`
	UserAgent       string          `json:"userAgent"`
	Referrer        string          `json:"referrer"`
}

type serverDetection struct {
	IsBot       string `json:"isBot"`
	Probability string `json:"probability"`
}

// ClientProbe holds the browser's local capability checks.
type ClientProbe struct {
	HasCanvas           bool `json:"hasCanvas"`
	HasWebGL            bool `json:"hasWebGL"`
	HasAudioContext     bool `json:"hasAudioContext"`
	PluginCount         int  `json:"pluginCount"`
	HardwareConcurrency int  `json:"hardwareConcurrency"`
}

// Score maps the probe onto a bot likelihood. Missing rendering
// capabilities dominate; a fully capable browser with a sane core count
// earns a deduction.
func (p ClientProbe) Score() float64 {
	score := 0.0
	if !p.HasCanvas {
		score += 0.30
	}
	if !p.HasWebGL {
		score += 0.25
	}
	if !p.HasAudioContext {
		score += 0.15
	}
	if p.PluginCount == 0 {
		score += 0.10
	}
	if p.HardwareConcurrency == 0 {
		score += 0.10
	}
	if p.HardwareConcurrency > 32 {
		score += 0.05
	}
	if p.HasCanvas && p.HasWebGL && p.HasAudioContext &&
		p.HardwareConcurrency > 0 && p.HardwareConcurrency <= 32 {
		score -= 0.20
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// mismatchCeiling: a client score below this contradicts a server bot
// verdict strongly enough to feed back into learning.
const mismatchCeiling = 0.3

// ServerVerdict pairs the aggregated evidence with the signature bundle
// it was computed for, so the callback can grade how well its own
// request matches the one that was judged.
type ServerVerdict struct {
	Evidence  *detection.AggregatedEvidence
	Signature *signature.MultiFactorSignature
}

// VerdictCache remembers recent server verdicts by primary signature so
// the asynchronous client callback can be reconciled against them.
type VerdictCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int
	ttl      time.Duration
}

type verdictEntry struct {
	primary string
	verdict ServerVerdict
	at      time.Time
}

// NewVerdictCache builds an LRU verdict cache.
func NewVerdictCache(capacity int, ttl time.Duration) *VerdictCache {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &VerdictCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Put records the verdict for a primary signature.
func (c *VerdictCache) Put(primary string, v ServerVerdict) {
	if primary == "" || v.Evidence == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[primary]; ok {
		el.Value.(*verdictEntry).verdict = v
		el.Value.(*verdictEntry).at = time.Now()
		c.order.MoveToFront(el)
		return
	}
	c.entries[primary] = c.order.PushFront(&verdictEntry{primary: primary, verdict: v, at: time.Now()})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*verdictEntry).primary)
	}
}

// Get returns the verdict recorded for a primary signature; ok is false
// when absent or expired.
func (c *VerdictCache) Get(primary string) (ServerVerdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[primary]
	if !ok {
		return ServerVerdict{}, false
	}
	entry := el.Value.(*verdictEntry)
	if time.Since(entry.at) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, primary)
		return ServerVerdict{}, false
	}
	c.order.MoveToFront(el)
	return entry.verdict, true
}

// Len reports the resident verdict count.
func (c *VerdictCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// VerdictRecorder feeds the verdict cache from the learning bus, so the
// client callback sees the same evidence the rest of the loop does.
// When a Factory is set the judged request's signature bundle is stored
// alongside, enabling factor-level match grading in the callback.
type VerdictRecorder struct {
	Cache   *VerdictCache
	Factory *signature.Factory
}

func (v *VerdictRecorder) Name() string { return "verdict_recorder" }

func (v *VerdictRecorder) Handle(_ context.Context, e learning.Event) error {
	if e.Type != learning.EventDetectionCompleted || e.Evidence == nil {
		return nil
	}
	primary, _ := e.Evidence.Signals[blackboard.SignalSignaturePrim].(string)
	sv := ServerVerdict{Evidence: e.Evidence}
	if v.Factory != nil && e.Request != nil {
		sv.Signature = v.Factory.Build(e.Request)
	}
	v.Cache.Put(primary, sv)
	return nil
}

// handleClientResult reconciles the browser probe against the server's
// verdict for the same primary signature. A confident human-looking
// client contradicting a bot verdict is a mismatch worth learning from.
func (s *Server) handleClientResult(w http.ResponseWriter, r *http.Request) {
	var body clientResult
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid client-result payload")
		return
	}

	score := body.ClientChecks.Score()

	var callbackSig *signature.MultiFactorSignature
	if s.deps.Factory != nil {
		req := requestctx.FromHTTP(r, r.Header.Get("X-Request-ID"), 0)
		callbackSig = s.deps.Factory.Build(req)
	}

	mismatch := false
	if callbackSig != nil {
		primary := callbackSig.Primary
		if sv, ok := s.deps.Verdicts.Get(primary); ok && sv.Evidence.IsBot && score < mismatchCeiling {
			mismatch = true
			data := map[string]interface{}{
				"client_score":       score,
				"server_probability": sv.Evidence.BotProbability,
				"mismatch":           true,
			}
			if sv.Signature != nil {
				// Grade how much of the judged identity the callback shares:
				// a weak factor match means the contradiction is low-value.
				m := signature.Compare(callbackSig, sv.Signature)
				data["signature_match"] = string(m.Type)
				data["match_confidence"] = m.Confidence
				s.logger.Printf("client/server mismatch: signature=%s server_probability=%.2f client_score=%.2f match=%s/%.2f",
					primary, sv.Evidence.BotProbability, score, m.Type, m.Confidence)
			} else {
				s.logger.Printf("client/server mismatch: signature=%s server_probability=%.2f client_score=%.2f",
					primary, sv.Evidence.BotProbability, score)
			}
			if s.deps.Bus != nil {
				s.deps.Bus.ClientSideValidation(sv.Evidence, requestctx.FromHTTP(r, r.Header.Get("X-Request-ID"), 0), score, true)
			}
			if s.deps.Emitter != nil {
				s.deps.Emitter.Emit(events.TypeClientValidation, "/gateway/client-result", primary, data)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "accepted",
		"message":          "client result recorded",
		"client_bot_score": score,
		"mismatch":         mismatch,
	})
}
