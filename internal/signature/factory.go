package signature

import (
	"time"

	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Factory builds MultiFactorSignature bundles. It is shared across
// requests; the carry-forward cache inside is internally synchronized.
type Factory struct {
	hasher  *hasher.Hasher
	cache   *carryForwardCache
	metrics *metrics.Metrics
	now     func() time.Time
}

// FactoryOption adjusts factory construction.
type FactoryOption func(*Factory)

// WithCache overrides the carry-forward cache size and TTL.
func WithCache(capacity int, ttl time.Duration) FactoryOption {
	return func(f *Factory) { f.cache = newCarryForwardCache(capacity, ttl) }
}

// WithMetrics attaches carry-forward instrumentation.
func WithMetrics(m *metrics.Metrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// NewFactory creates a signature factory over the given hasher.
func NewFactory(h *hasher.Hasher, opts ...FactoryOption) *Factory {
	f := &Factory{
		hasher: h,
		cache:  newCarryForwardCache(10000, 30*time.Minute),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build computes the signature bundle for a request. Infallible: an
// entirely anonymous request still yields a stable primary signature.
func (f *Factory) Build(req *requestctx.RequestCtx) *MultiFactorSignature {
	now := f.now()
	ip := req.RemoteIP
	ua := req.UserAgent()
	client := clientFingerprint(req)
	plugin := pluginShape(req)
	country := ""
	if req.Geo != nil {
		country = req.Geo.CountryCode
	}

	sig := &MultiFactorSignature{
		Primary:   f.hasher.Compose(ip, ua),
		Timestamp: now,
	}
	if ip != "" {
		sig.IP = f.hasher.Hash(ip)
		sig.Subnet = f.hasher.HashIPSubnet(ip, 24)
	}
	if ua != "" {
		sig.UA = f.hasher.Hash(ua)
	}
	if client != "" {
		sig.Client = f.hasher.Hash(client)
		sig.IPClient = f.hasher.Compose(ip, client)
		sig.UAClient = f.hasher.Compose(ua, client)
	}
	if plugin != "" {
		sig.Plugin = f.hasher.Hash(plugin)
	}
	sig.Country = country

	f.carryForward(sig, req.IsDocumentRequest(), now)
	sig.recount()
	return sig
}

// carryForward reconciles locally computed secondary factors with the
// cache. Non-document requests always prefer cached factors; document
// requests only fill gaps, then write back when the result is at least
// as rich as what was cached (or the cached entry came from a
// non-document request and can be upgraded).
func (f *Factory) carryForward(sig *MultiFactorSignature, isDocument bool, now time.Time) {
	cached, ok := f.cache.get(sig.Primary, now)
	f.countCarry(ok)

	local := cachedFactors{
		Client:       sig.Client,
		Plugin:       sig.Plugin,
		IPClient:     sig.IPClient,
		UAClient:     sig.UAClient,
		Country:      sig.Country,
		FromDocument: isDocument,
		Timestamp:    now,
	}

	if !isDocument {
		if ok {
			// The page load knew more about this client than the socket
			// upgrade does; trust the richer cached view.
			overlay(sig, cached)
		}
		if !ok {
			// First sighting was non-document; seed the cache so later
			// requests at least correlate, and mark it upgradable.
			f.cache.put(sig.Primary, local)
		}
		return
	}

	if ok {
		fillAbsent(sig, cached)
		local = cachedFactors{
			Client:       sig.Client,
			Plugin:       sig.Plugin,
			IPClient:     sig.IPClient,
			UAClient:     sig.UAClient,
			Country:      sig.Country,
			FromDocument: true,
			Timestamp:    now,
		}
		if local.richness() >= cached.richness() || !cached.FromDocument {
			f.cache.put(sig.Primary, local)
		}
		return
	}
	f.cache.put(sig.Primary, local)
}

// overlay replaces secondary factors wholesale with the cached set.
func overlay(sig *MultiFactorSignature, cached cachedFactors) {
	if cached.Client != "" {
		sig.Client = cached.Client
	}
	if cached.Plugin != "" {
		sig.Plugin = cached.Plugin
	}
	if cached.IPClient != "" {
		sig.IPClient = cached.IPClient
	}
	if cached.UAClient != "" {
		sig.UAClient = cached.UAClient
	}
	if cached.Country != "" {
		sig.Country = cached.Country
	}
}

// fillAbsent copies only factors the local computation lacks.
func fillAbsent(sig *MultiFactorSignature, cached cachedFactors) {
	if sig.Client == "" {
		sig.Client = cached.Client
	}
	if sig.Plugin == "" {
		sig.Plugin = cached.Plugin
	}
	if sig.IPClient == "" {
		sig.IPClient = cached.IPClient
	}
	if sig.UAClient == "" {
		sig.UAClient = cached.UAClient
	}
	if sig.Country == "" {
		sig.Country = cached.Country
	}
}

func (f *Factory) countCarry(hit bool) {
	if f.metrics == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	f.metrics.CarryForwardHits.WithLabelValues(outcome).Inc()
}

// CacheLen reports the carry-forward cache population.
func (f *Factory) CacheLen() int {
	return f.cache.len()
}
