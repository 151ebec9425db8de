// Package signature builds the zero-PII multi-factor signature bundle for
// each request and keeps secondary factors stable across WebSocket and XHR
// traffic via a carry-forward cache.
package signature

import (
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/requestctx"
)

// MultiFactorSignature is the per-request correlation key bundle. Every
// factor except Country is a 16-byte keyed HMAC, base64url without
// padding; Primary is never empty.
type MultiFactorSignature struct {
	Primary string `json:"primary_signature"`

	IP       string `json:"ip_hash,omitempty"`
	UA       string `json:"ua_hash,omitempty"`
	Client   string `json:"client_hash,omitempty"`
	Plugin   string `json:"plugin_hash,omitempty"`
	Subnet   string `json:"subnet_hash,omitempty"`
	IPClient string `json:"ip_client_hash,omitempty"`
	UAClient string `json:"ua_client_hash,omitempty"`

	// Country is the raw two-letter code from the geo lookup. Coarse
	// enough to not count as PII.
	Country string `json:"country,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	FactorCount int       `json:"factor_count"`
}

// recount recomputes FactorCount. Primary always counts, so the result
// is at least 1.
func (s *MultiFactorSignature) recount() {
	n := 1
	for _, f := range []string{s.IP, s.UA, s.Client, s.Plugin, s.Subnet, s.IPClient, s.UAClient, s.Country} {
		if f != "" {
			n++
		}
	}
	s.FactorCount = n
}

// clientFingerprint joins the client-hint surface the browser exposes.
// WebSocket and fetch requests drop most of these, which is exactly what
// the carry-forward cache compensates for.
func clientFingerprint(req *requestctx.RequestCtx) string {
	parts := collect(req,
		"Sec-CH-UA",
		"Sec-CH-UA-Platform",
		"Sec-CH-UA-Mobile",
		"X-Client-Fingerprint",
		"X-Screen-Resolution",
		"X-Timezone-Offset",
	)
	return strings.Join(parts, "|")
}

// pluginShape captures the header surface that varies with the client
// software build rather than the user.
func pluginShape(req *requestctx.RequestCtx) string {
	parts := collect(req,
		"Accept-Language",
		"Accept-Encoding",
		"DNT",
	)
	return strings.Join(parts, "|")
}

func collect(req *requestctx.RequestCtx, names ...string) []string {
	var out []string
	for _, n := range names {
		if v := req.Header.Get(n); v != "" {
			out = append(out, v)
		}
	}
	return out
}
