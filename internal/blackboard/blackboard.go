// Package blackboard implements the per-request signal store shared by all
// detectors. Signals are keyed by dotted namespaces ("ua.*", "ip.*",
// "geo.*", "behavioral.*", "client.*", "ai.*") and, once written, are not
// overwritten for the remainder of the request.
package blackboard

import (
	"strings"
	"sync"
)

// Well-known signal keys referenced by name across detectors.
const (
	SignalGeoCountryCode = "geo.country_code"
	SignalIPIsDatacenter = "ip.is_datacenter"
	SignalIPCloudVendor  = "ip.cloud_vendor"
	SignalUAFamily       = "ua.family"
	SignalUAMajorVersion = "ua.major_version"
	SignalSignaturePrim  = "signature.primary"
	SignalVerifiedBot    = "ua.verified_bot"
)

// Handler receives a newly published signal.
type Handler func(key string, value any)

type subscription struct {
	prefix  string
	handler Handler
}

// Blackboard is a single-request signal map with prefix pub/sub. Writes
// from concurrent detectors in the same wave are serialized internally;
// the board is never shared across requests.
type Blackboard struct {
	mu      sync.RWMutex
	signals map[string]any
	subs    []subscription
}

// New creates an empty blackboard.
func New() *Blackboard {
	return &Blackboard{
		signals: make(map[string]any),
	}
}

// Set writes a signal. The first writer wins: a second write to the same
// key within a request is ignored, preserving the monotonicity invariant.
// Returns true if the write took effect.
func (b *Blackboard) Set(key string, value any) bool {
	b.mu.Lock()
	if _, exists := b.signals[key]; exists {
		b.mu.Unlock()
		return false
	}
	b.signals[key] = value
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if strings.HasPrefix(key, s.prefix) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(key, value)
	}
	return true
}

// Get returns the raw signal value.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.signals[key]
	return v, ok
}

// Has reports whether the signal exists.
func (b *Blackboard) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.signals[key]
	return ok
}

// GetString returns a string signal, or "" when absent or mistyped.
func (b *Blackboard) GetString(key string) string {
	if v, ok := b.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetBool returns a bool signal, defaulting to false.
func (b *Blackboard) GetBool(key string) bool {
	if v, ok := b.Get(key); ok {
		if t, ok := v.(bool); ok {
			return t
		}
	}
	return false
}

// GetFloat returns a float64 signal, defaulting to 0.
func (b *Blackboard) GetFloat(key string) float64 {
	if v, ok := b.Get(key); ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return 0
}

// Subscribe registers a handler for every future signal whose key starts
// with prefix. Handlers run synchronously on the writer's goroutine.
func (b *Blackboard) Subscribe(prefix string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{prefix: prefix, handler: handler})
}

// Keys returns a snapshot of all signal keys present.
func (b *Blackboard) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.signals))
	for k := range b.signals {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of selected signals, used when assembling the
// final evidence. Missing keys are skipped.
func (b *Blackboard) Snapshot(keys ...string) map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := b.signals[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Len returns the number of signals written so far.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.signals)
}
