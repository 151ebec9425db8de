package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/events"
	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/learning"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/requestctx"
	"github.com/stylobot/gateway/internal/signature"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []learning.Event
}

func (c *capturedEvents) Name() string { return "capture" }

func (c *capturedEvents) Handle(_ context.Context, e learning.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturedEvents) byType(t learning.EventType) []learning.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []learning.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testFactory(t *testing.T) *signature.Factory {
	t.Helper()
	h, err := hasher.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return signature.NewFactory(h)
}

func testServer(t *testing.T) (*Server, *capturedEvents, *reputation.Cache) {
	t.Helper()

	repCfg := reputation.DefaultCacheConfig()
	repCfg.DecayInterval = 0
	rep := reputation.NewCache(repCfg, nil, nil)
	t.Cleanup(rep.Stop)

	captured := &capturedEvents{}
	bus := learning.NewBus(learning.BusConfig{Capacity: 64, Concurrency: 1}, []learning.Handler{captured}, nil)
	t.Cleanup(bus.Stop)

	eb := events.NewBus()
	srv := NewServer(Deps{
		Factory:    testFactory(t),
		Reputation: rep,
		Bus:        bus,
		Events:     eb,
		Emitter:    eb,
	})
	return srv, captured, rep
}

func TestClientProbe_Score(t *testing.T) {
	full := ClientProbe{HasCanvas: true, HasWebGL: true, HasAudioContext: true, PluginCount: 3, HardwareConcurrency: 8}
	assert.Equal(t, 0.0, full.Score())

	headless := ClientProbe{}
	assert.InDelta(t, 0.90, headless.Score(), 1e-9)

	// Capable renderer with an implausible core count loses the bonus.
	farm := ClientProbe{HasCanvas: true, HasWebGL: true, HasAudioContext: true, PluginCount: 2, HardwareConcurrency: 64}
	assert.InDelta(t, 0.05, farm.Score(), 1e-9)
}

func TestClientResult_MismatchPublishesValidation(t *testing.T) {
	srv, captured, _ := testServer(t)
	router := srv.Router()

	// Record a bot verdict under the signature the callback will carry.
	mkReq := func(body []byte) *http.Request {
		r := httptest.NewRequest("POST", "/api/bot-detection/client-result", bytes.NewReader(body))
		r.RemoteAddr = "198.51.100.5:4444"
		r.Header.Set("User-Agent", "suspicious-agent/1.0")
		return r
	}
	primary := srv.deps.Factory.Build(requestctx.FromHTTP(mkReq(nil), "", 0)).Primary
	srv.deps.Verdicts.Put(primary, ServerVerdict{Evidence: &detection.AggregatedEvidence{IsBot: true, BotProbability: 0.75}})

	body, _ := json.Marshal(clientResult{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ServerDetection: serverDetection{IsBot: "true", Probability: "0.75"},
		ClientChecks:    ClientProbe{HasCanvas: true, HasWebGL: true, HasAudioContext: true, PluginCount: 3, HardwareConcurrency: 8},
		UserAgent:       "suspicious-agent/1.0",
		Referrer:        "https://example.com/",
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, mkReq(body))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, true, resp["mismatch"])
	assert.Equal(t, 0.0, resp["client_bot_score"])

	waitFor(t, func() bool { return len(captured.byType(learning.EventClientSideValidation)) == 1 })
	e := captured.byType(learning.EventClientSideValidation)[0]
	assert.True(t, e.Mismatch)
	assert.Equal(t, 0.0, e.ClientScore)
}

// The capability checks live under clientChecks; the score must come
// from the nested object, not from zero-values at the body root.
func TestClientResult_NestedChecksDriveScore(t *testing.T) {
	srv, _, _ := testServer(t)

	body, _ := json.Marshal(clientResult{
		ClientChecks: ClientProbe{HasCanvas: true, HasWebGL: true, HasAudioContext: true, PluginCount: 1, HardwareConcurrency: 4},
	})
	r := httptest.NewRequest("POST", "/api/bot-detection/client-result", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, r)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 0.0, resp["client_bot_score"])
}

func TestClientResult_GradesSignatureAgreement(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()
	sub := srv.deps.Events.Subscribe(events.TypeClientValidation)
	defer srv.deps.Events.Unsubscribe(sub)

	mkReq := func(body []byte) *http.Request {
		r := httptest.NewRequest("POST", "/api/bot-detection/client-result", bytes.NewReader(body))
		r.RemoteAddr = "203.0.113.9:5555"
		r.Header.Set("User-Agent", "suspicious-agent/2.0")
		return r
	}
	judged := srv.deps.Factory.Build(requestctx.FromHTTP(mkReq(nil), "", 0))
	srv.deps.Verdicts.Put(judged.Primary, ServerVerdict{
		Evidence:  &detection.AggregatedEvidence{IsBot: true, BotProbability: 0.8},
		Signature: judged,
	})

	body, _ := json.Marshal(clientResult{
		ClientChecks: ClientProbe{HasCanvas: true, HasWebGL: true, HasAudioContext: true, PluginCount: 3, HardwareConcurrency: 8},
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, mkReq(body))
	require.Equal(t, http.StatusOK, rr.Code)

	select {
	case ce := <-sub:
		// The callback shares every factor with the judged request.
		assert.Equal(t, string(signature.MatchExact), ce.Data["signature_match"])
		assert.Equal(t, 1.0, ce.Data["match_confidence"])
	case <-time.After(2 * time.Second):
		t.Fatal("no client-validation event published")
	}
}

func TestClientResult_NoVerdictNoMismatch(t *testing.T) {
	srv, captured, _ := testServer(t)

	body, _ := json.Marshal(clientResult{})
	r := httptest.NewRequest("POST", "/api/bot-detection/client-result", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, r)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["mismatch"])
	assert.Empty(t, captured.byType(learning.EventClientSideValidation))
}

func TestClientResult_BadPayload(t *testing.T) {
	srv, _, _ := testServer(t)

	r := httptest.NewRequest("POST", "/api/bot-detection/client-result", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, r)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdmin_BlockLookupUnblock(t *testing.T) {
	srv, _, rep := testServer(t)
	router := srv.Router()

	body, _ := json.Marshal(signatureRequest{Signature: "sig-abc", Reason: "manual review"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/admin/block", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	rec, ok := rep.Lookup("sig-abc")
	require.True(t, ok)
	assert.Equal(t, reputation.StatusManuallyBlocked, rec.Status)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/admin/reputation/sig-abc", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var got reputation.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "sig-abc", got.Pattern)

	body, _ = json.Marshal(signatureRequest{Signature: "sig-abc"})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/api/admin/unblock", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	_, ok = rep.Lookup("sig-abc")
	assert.False(t, ok)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/api/admin/reputation/sig-abc", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdmin_Stats(t *testing.T) {
	srv, _, rep := testServer(t)
	rep.Update("sig-1", reputation.DeltaBad, time.Now())

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/api/admin/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["reputation_patterns"])
	assert.Contains(t, stats, "learning_queue_depth")
}

// syncRecorder is a flushable response writer safe to read while the
// streaming handler is still running.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	body   bytes.Buffer
}

func newSyncRecorder() *syncRecorder { return &syncRecorder{header: http.Header{}} }

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = code
}

func (r *syncRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(b)
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) bodyString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func TestEventStream_DeliversFrames(t *testing.T) {
	srv, _, _ := testServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest("GET", "/api/bot-detection/events", nil).WithContext(ctx)
	rr := newSyncRecorder()

	done := make(chan struct{})
	go func() {
		srv.Router().ServeHTTP(rr, r)
		close(done)
	}()

	waitFor(t, func() bool { return srv.deps.Events.SubscriberCount() > 0 })
	srv.deps.Events.Emit(events.TypeBotBlocked, "/gateway", "sig-9", map[string]interface{}{"probability": 0.97})

	waitFor(t, func() bool { return strings.Contains(rr.bodyString(), events.TypeBotBlocked) })
	cancel()
	<-done

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.bodyString(), "event: "+events.TypeBotBlocked)
	assert.Contains(t, rr.bodyString(), "sig-9")
}

func TestVerdictCache_EvictsAndExpires(t *testing.T) {
	c := NewVerdictCache(2, 50*time.Millisecond)
	c.Put("a", ServerVerdict{Evidence: &detection.AggregatedEvidence{}})
	c.Put("b", ServerVerdict{Evidence: &detection.AggregatedEvidence{}})
	c.Put("c", ServerVerdict{Evidence: &detection.AggregatedEvidence{}})

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestVerdictRecorder_FeedsCache(t *testing.T) {
	cache := NewVerdictCache(16, time.Minute)
	rec := &VerdictRecorder{Cache: cache, Factory: testFactory(t)}

	r := httptest.NewRequest("GET", "/checkout", nil)
	r.RemoteAddr = "198.51.100.7:3333"
	r.Header.Set("User-Agent", "curl/8.0")

	ev := &detection.AggregatedEvidence{
		IsBot:   true,
		Signals: map[string]any{"signature.primary": "sig-7"},
	}
	require.NoError(t, rec.Handle(context.Background(), learning.Event{
		Type:     learning.EventDetectionCompleted,
		Evidence: ev,
		Request:  requestctx.FromHTTP(r, "", 0),
	}))

	sv, ok := cache.Get("sig-7")
	require.True(t, ok)
	assert.Same(t, ev, sv.Evidence)
	require.NotNil(t, sv.Signature)
	assert.NotEmpty(t, sv.Signature.Primary)
}
