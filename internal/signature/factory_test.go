package signature

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/requestctx"
)

func newFactory(t *testing.T, opts ...FactoryOption) *Factory {
	t.Helper()
	h, err := hasher.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return NewFactory(h, opts...)
}

func documentRequest(ip, ua string) *requestctx.RequestCtx {
	return &requestctx.RequestCtx{
		Method:   "GET",
		Path:     "/",
		RemoteIP: ip,
		Header: http.Header{
			"User-Agent":      {ua},
			"Accept":          {"text/html,application/xhtml+xml"},
			"Accept-Language": {"en-US,en;q=0.9"},
			"Accept-Encoding": {"gzip, deflate, br"},
			"Sec-Ch-Ua":       {`"Chromium";v="120"`},
		},
		Geo: &requestctx.GeoResult{CountryCode: "US"},
	}
}

func websocketRequest(ip, ua string) *requestctx.RequestCtx {
	return &requestctx.RequestCtx{
		Method:   "GET",
		Path:     "/ws",
		RemoteIP: ip,
		Header: http.Header{
			"User-Agent": {ua},
			"Upgrade":    {"websocket"},
			"Connection": {"Upgrade"},
		},
	}
}

func TestBuild_Deterministic(t *testing.T) {
	f := newFactory(t)
	req := documentRequest("198.51.100.42", "Mozilla/5.0")

	a := f.Build(req)
	b := f.Build(req)

	assert.Equal(t, a.Primary, b.Primary, "primary must be byte-identical across invocations")
	assert.Equal(t, a.IP, b.IP)
	assert.Equal(t, a.UA, b.UA)
	assert.Len(t, a.Primary, hasher.EncodedLen)
}

func TestBuild_AnonymousRequestStillSigns(t *testing.T) {
	f := newFactory(t)
	req := &requestctx.RequestCtx{Method: "GET", Path: "/", Header: http.Header{}}

	sig := f.Build(req)
	assert.NotEmpty(t, sig.Primary, "unknown client still gets a stable signature")
	assert.Equal(t, 1, sig.FactorCount)
}

func TestCarryForward_WebSocketInheritsDocumentFactors(t *testing.T) {
	f := newFactory(t)

	doc := f.Build(documentRequest("203.0.113.7", "Mozilla/5.0"))
	require.NotEmpty(t, doc.Client)
	require.NotEmpty(t, doc.Plugin)
	require.Equal(t, "US", doc.Country)

	ws := f.Build(websocketRequest("203.0.113.7", "Mozilla/5.0"))

	assert.Equal(t, doc.Primary, ws.Primary)
	assert.Equal(t, doc.Client, ws.Client, "client factor carried forward")
	assert.Equal(t, doc.Plugin, ws.Plugin, "plugin factor carried forward")
	assert.Equal(t, doc.Country, ws.Country, "geo factor carried forward")
	assert.GreaterOrEqual(t, ws.FactorCount, doc.FactorCount,
		"replayed signature yields at least as many factors")
}

func TestCarryForward_ExpiredEntryIgnored(t *testing.T) {
	current := time.Now()
	f := newFactory(t, WithClock(func() time.Time { return current }))

	f.Build(documentRequest("203.0.113.7", "Mozilla/5.0"))

	current = current.Add(31 * time.Minute)
	ws := f.Build(websocketRequest("203.0.113.7", "Mozilla/5.0"))

	assert.Empty(t, ws.Client, "stale factors must not carry forward")
	assert.Empty(t, ws.Plugin)
}

func TestCarryForward_DocumentFillsOnlyAbsentFactors(t *testing.T) {
	f := newFactory(t)

	first := f.Build(documentRequest("203.0.113.7", "Mozilla/5.0"))

	// Second document request without client hints: gaps filled from cache.
	req := documentRequest("203.0.113.7", "Mozilla/5.0")
	req.Header.Del("Sec-Ch-Ua")
	second := f.Build(req)

	assert.Equal(t, first.Client, second.Client, "absent client factor filled from cache")
	assert.Equal(t, first.Plugin, second.Plugin, "locally computed factor kept")
}

func TestCarryForward_NonDocumentSeedIsUpgraded(t *testing.T) {
	f := newFactory(t)

	// First sighting is a bare XHR: poor factor set seeds the cache.
	xhr := &requestctx.RequestCtx{
		Method:   "GET",
		Path:     "/api/data",
		RemoteIP: "203.0.113.7",
		Header: http.Header{
			"User-Agent": {"Mozilla/5.0"},
			"Accept":     {"application/json"},
		},
	}
	poor := f.Build(xhr)
	require.Empty(t, poor.Client)

	// The page load arrives later and upgrades the cached entry.
	doc := f.Build(documentRequest("203.0.113.7", "Mozilla/5.0"))
	require.NotEmpty(t, doc.Client)

	// Subsequent XHR now inherits the richer set.
	enriched := f.Build(xhr)
	assert.Equal(t, doc.Client, enriched.Client)
	assert.GreaterOrEqual(t, enriched.FactorCount, doc.FactorCount)
}

func TestCarryForwardCache_LRUEviction(t *testing.T) {
	cache := newCarryForwardCache(2, time.Hour)
	now := time.Now()

	cache.put("a", cachedFactors{Client: "ca", Timestamp: now})
	cache.put("b", cachedFactors{Client: "cb", Timestamp: now})
	cache.get("a", now) // refresh a
	cache.put("c", cachedFactors{Client: "cc", Timestamp: now})

	assert.Equal(t, 2, cache.len())
	_, ok := cache.get("b", now)
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = cache.get("a", now)
	assert.True(t, ok)
	_, ok = cache.get("c", now)
	assert.True(t, ok)
}

func TestCompare(t *testing.T) {
	f := newFactory(t)
	a := f.Build(documentRequest("203.0.113.7", "Mozilla/5.0"))
	b := f.Build(documentRequest("203.0.113.7", "Mozilla/5.0"))

	m := Compare(a, b)
	assert.True(t, m.IsMatch)
	assert.Equal(t, MatchExact, m.Type)
	assert.Equal(t, 1.0, m.Confidence)

	// Different UA on same network keeps network identity.
	c := f.Build(documentRequest("203.0.113.7", "curl/8.5"))
	m = Compare(a, c)
	assert.True(t, m.IsMatch, "ip and subnet factors still agree")
	assert.NotEqual(t, MatchExact, m.Type)

	// Disjoint everything is weak.
	d := f.Build(documentRequest("192.0.2.9", "curl/8.5"))
	d.Country = "FR"
	m = Compare(a, d)
	assert.False(t, m.IsMatch)
	assert.Equal(t, MatchWeak, m.Type)
}

func TestNoRawPIIInBundle(t *testing.T) {
	f := newFactory(t)
	sig := f.Build(documentRequest("198.51.100.42", "Mozilla/5.0 (X11; Linux)"))

	for _, field := range []string{sig.Primary, sig.IP, sig.UA, sig.Client, sig.Plugin, sig.Subnet} {
		assert.NotContains(t, field, "198.51.100.42")
		assert.NotContains(t, field, "Mozilla")
	}
}
