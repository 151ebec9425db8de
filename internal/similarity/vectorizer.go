package similarity

import (
	"strings"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/requestctx"
)

// Feature slot layout for the heuristic vector. The schema is positional
// and append-only: new features claim the next free slot, old slots are
// never reused.
const (
	slotMethodGet = iota
	slotMethodPost
	slotMethodHead
	slotMethodOther
	slotPathDepth
	slotPathLen
	slotPathHasAPI
	slotPathHasAdmin
	slotPathHasDotfile
	slotQueryLen
	slotHeaderCount
	slotUALen
	slotUAEmpty
	slotUAMozilla
	slotUABotWord
	slotUAToolWord
	slotHasAcceptLanguage
	slotHasAcceptEncoding
	slotHasReferer
	slotHasCookie
	slotHasDNT
	slotHasClientHints
	slotHasSecFetch
	slotIsDocument
	slotIsWebsocket
	slotIsXHRLike
	slotHTTP2
	slotTLS
	slotBytesIn
	slotHourOfDay
	slotSignalBase // signal-derived slots start here
)

var signalSlots = map[string]int{
	"ip.is_datacenter":           slotSignalBase,
	"ip.is_localhost":            slotSignalBase + 1,
	"protocol.anomaly":           slotSignalBase + 2,
	"ua.is_bad_bot":              slotSignalBase + 3,
	"ua.is_automation":           slotSignalBase + 4,
	"header.is_suspicious":       slotSignalBase + 5,
	"behavioral.high_rate":       slotSignalBase + 6,
	"client.js_capable":          slotSignalBase + 7,
	blackboard.SignalVerifiedBot: slotSignalBase + 8,
	"security.scanner":           slotSignalBase + 9,
}

// Vectorize produces the fixed-length heuristic feature vector for one
// request plus its emitted signals. Missing features stay 0; callers
// normalize via Index.Add.
func Vectorize(req *requestctx.RequestCtx, signals map[string]any) []float32 {
	v := make([]float32, HeuristicDim)

	switch req.Method {
	case "GET":
		v[slotMethodGet] = 1
	case "POST":
		v[slotMethodPost] = 1
	case "HEAD":
		v[slotMethodHead] = 1
	default:
		v[slotMethodOther] = 1
	}

	v[slotPathDepth] = capped(float32(strings.Count(req.Path, "/")), 10)
	v[slotPathLen] = capped(float32(len(req.Path))/100, 1)
	lower := strings.ToLower(req.Path)
	if strings.Contains(lower, "/api/") {
		v[slotPathHasAPI] = 1
	}
	if strings.Contains(lower, "admin") {
		v[slotPathHasAdmin] = 1
	}
	if strings.Contains(lower, "/.") {
		v[slotPathHasDotfile] = 1
	}
	v[slotQueryLen] = capped(float32(len(req.Query))/200, 1)
	v[slotHeaderCount] = capped(float32(len(req.Header))/30, 1)

	ua := req.Header.Get("User-Agent")
	v[slotUALen] = capped(float32(len(ua))/200, 1)
	if strings.TrimSpace(ua) == "" {
		v[slotUAEmpty] = 1
	}
	uaLower := strings.ToLower(ua)
	if strings.HasPrefix(uaLower, "mozilla/") {
		v[slotUAMozilla] = 1
	}
	if strings.Contains(uaLower, "bot") || strings.Contains(uaLower, "crawl") || strings.Contains(uaLower, "spider") {
		v[slotUABotWord] = 1
	}
	if strings.Contains(uaLower, "curl") || strings.Contains(uaLower, "wget") || strings.Contains(uaLower, "python") {
		v[slotUAToolWord] = 1
	}

	boolSlot(v, slotHasAcceptLanguage, req.Header.Get("Accept-Language") != "")
	boolSlot(v, slotHasAcceptEncoding, req.Header.Get("Accept-Encoding") != "")
	boolSlot(v, slotHasReferer, req.Header.Get("Referer") != "")
	boolSlot(v, slotHasCookie, req.Header.Get("Cookie") != "")
	boolSlot(v, slotHasDNT, req.Header.Get("DNT") != "")
	boolSlot(v, slotHasClientHints, req.Header.Get("Sec-CH-UA") != "")
	boolSlot(v, slotHasSecFetch, req.Header.Get("Sec-Fetch-Dest") != "")
	boolSlot(v, slotIsDocument, req.IsDocumentRequest())
	boolSlot(v, slotIsWebsocket, strings.EqualFold(req.Header.Get("Upgrade"), "websocket"))
	boolSlot(v, slotIsXHRLike, strings.Contains(req.Header.Get("Accept"), "application/json"))
	boolSlot(v, slotHTTP2, strings.HasPrefix(req.Proto, "HTTP/2"))
	boolSlot(v, slotTLS, req.TLS != nil)
	v[slotBytesIn] = capped(float32(req.BytesIn)/65536, 1)
	if !req.ReceivedAt.IsZero() {
		v[slotHourOfDay] = float32(req.ReceivedAt.UTC().Hour()) / 24
	}

	for key, slot := range signalSlots {
		if val, ok := signals[key]; ok {
			if b, ok := val.(bool); ok && b {
				v[slot] = 1
			}
		}
	}
	return v
}

func boolSlot(v []float32, slot int, b bool) {
	if b {
		v[slot] = 1
	}
}

func capped(f, max float32) float32 {
	if f > max {
		return max
	}
	return f
}
