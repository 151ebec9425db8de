package detectors

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// VerifiedBot matches crawler UA claims against the published IP ranges
// of the crawler's operator, with optional FCrDNS confirmation. A claim
// from a foreign range is strong bot evidence; a verified claim pulls
// the verdict sharply toward allow.
type VerifiedBot struct {
	deps *Deps
}

func NewVerifiedBot(d *Deps) *VerifiedBot {
	return &VerifiedBot{deps: d}
}

func (v *VerifiedBot) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:         "verified_bot",
		Category:     detection.CategoryReputation,
		Priority:     90,
		Phase:        detection.PhaseStandard,
		EmitsSignals: []string{blackboard.SignalVerifiedBot},
		Timeout:      20 * time.Millisecond,
	}
}

func (v *VerifiedBot) Detect(ctx context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	ua := req.Header.Get("User-Agent")
	if ua == "" || v.deps.BotLists == nil {
		return nil
	}
	bot := v.deps.BotLists.Get().MatchGoodBot(ua)
	if bot == nil {
		return nil
	}

	ip := net.ParseIP(req.RemoteIP)
	inRange := bot.IPInRange(ip)
	if !inRange && v.deps.Resolver != nil && len(bot.RDNSDomains) > 0 {
		inRange = v.fcrdns(ctx, req.RemoteIP, bot.RDNSDomains)
	}

	if inRange {
		return []detection.Contribution{{
			ConfidenceDelta: -0.8,
			Weight:          2.5,
			Reason:          "verified " + bot.Name + " crawler",
			BotType:         detection.BotTypeVerified,
			BotName:         bot.Name,
			Signals:         map[string]any{blackboard.SignalVerifiedBot: true},
		}}
	}

	// Crawler UA from an unverified address: impersonation.
	return []detection.Contribution{{
		ConfidenceDelta: 0.85,
		Weight:          2,
		Reason:          bot.Name + " user agent from unverified IP range",
		BotType:         detection.BotTypeScraper,
		Signals:         map[string]any{blackboard.SignalVerifiedBot: false},
	}}
}

// fcrdns does forward-confirmed reverse DNS: the PTR name must fall
// under one of the operator's domains and resolve back to the client IP.
func (v *VerifiedBot) fcrdns(ctx context.Context, ip string, domains []string) bool {
	names, err := v.deps.Resolver.LookupAddr(ctx, ip)
	if err != nil {
		v.deps.portFailure("rdns")
		return false
	}
	for _, name := range names {
		host := strings.TrimSuffix(name, ".")
		matched := false
		for _, d := range domains {
			if host == d || strings.HasSuffix(host, "."+d) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		addrs, err := v.deps.Resolver.LookupHost(ctx, host)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a == ip {
				return true
			}
		}
	}
	return false
}
