// Package requestctx defines the read-only view of an inbound HTTP request
// that the detection pipeline consumes. The hosting server builds one
// RequestCtx per request; detectors never see the raw *http.Request.
package requestctx

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// TLSInfo carries the connection-level TLS metadata the fingerprint
// detectors consume. All fields are optional; plaintext connections
// leave the struct zero-valued.
type TLSInfo struct {
	Version         uint16
	CipherSuite     uint16
	ServerName      string
	NegotiatedProto string
	HasClientCert   bool
	JA3             string // precomputed by the edge, when available
}

// GeoResult is the outcome of an (optional) IP geolocation lookup
// performed by the adapter before the pipeline runs.
type GeoResult struct {
	CountryCode string
	ISP         string
	IsDatacenter bool
	IsAnonymous  bool
}

// RequestCtx is the immutable request snapshot handed to the pipeline.
type RequestCtx struct {
	Method       string
	Path         string
	Query        string
	Header       http.Header
	RemoteIP     string
	LocalIP      string
	Proto        string // "HTTP/1.1", "HTTP/2.0"
	ConnectionID string
	TLS          *TLSInfo
	Geo          *GeoResult
	BytesIn      int64
	ReceivedAt   time.Time
	Deadline     time.Time // soft budget for the whole pipeline

	// Response feedback, populated only for the post-request wave.
	ResponseStatus int
	ResponseBytes  int64
	ResponseTime   time.Duration
}

// FromHTTP builds a RequestCtx from a live request. remoteIP is derived
// from X-Forwarded-For when present (first hop), falling back to
// RemoteAddr.
func FromHTTP(r *http.Request, connectionID string, budget time.Duration) *RequestCtx {
	now := time.Now()
	ctx := &RequestCtx{
		Method:       r.Method,
		Path:         r.URL.Path,
		Query:        r.URL.RawQuery,
		Header:       r.Header,
		RemoteIP:     ClientIP(r),
		Proto:        r.Proto,
		ConnectionID: connectionID,
		BytesIn:      r.ContentLength,
		ReceivedAt:   now,
		Deadline:     now.Add(budget),
	}

	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			ctx.LocalIP = host
		}
	}

	if r.TLS != nil {
		ctx.TLS = &TLSInfo{
			Version:         r.TLS.Version,
			CipherSuite:     r.TLS.CipherSuite,
			ServerName:      r.TLS.ServerName,
			NegotiatedProto: r.TLS.NegotiatedProtocol,
			HasClientCert:   len(r.TLS.PeerCertificates) > 0,
		}
	}

	return ctx
}

// ClientIP extracts the originating client IP, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UserAgent returns the User-Agent header value.
func (c *RequestCtx) UserAgent() string {
	return c.Header.Get("User-Agent")
}

// IsDocumentRequest reports whether this request fetches a top-level
// document. WebSocket upgrades, XHR/fetch calls, and event streams are
// non-document: their signature factors are carried forward from the
// last document request with the same primary signature.
func (c *RequestCtx) IsDocumentRequest() bool {
	if strings.EqualFold(c.Header.Get("Upgrade"), "websocket") {
		return false
	}
	if dest := c.Header.Get("Sec-Fetch-Dest"); dest != "" {
		if dest != "document" && dest != "iframe" {
			return false
		}
	}
	accept := c.Header.Get("Accept")
	if strings.Contains(accept, "application/json") || strings.Contains(accept, "text/event-stream") {
		return false
	}
	return true
}

// RemainingBudget returns how much of the soft deadline is left.
func (c *RequestCtx) RemainingBudget() time.Duration {
	if c.Deadline.IsZero() {
		return 0
	}
	return time.Until(c.Deadline)
}
