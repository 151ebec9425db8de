package detectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// ProjectHoneypot consults the HTTP:BL DNS zone for the client IP.
// Best-effort: results are cached, failures fail open behind the
// honeypot circuit breaker.
type ProjectHoneypot struct {
	deps *Deps

	mu    sync.Mutex
	cache map[string]honeypotResult
}

type honeypotResult struct {
	listed  bool
	threat  int
	expires time.Time
}

func NewProjectHoneypot(d *Deps) *ProjectHoneypot {
	return &ProjectHoneypot{deps: d, cache: make(map[string]honeypotResult)}
}

func (p *ProjectHoneypot) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:            "project_honeypot",
		Category:        detection.CategoryNetwork,
		Priority:        35,
		Phase:           detection.PhaseStandard,
		RequiredSignals: []string{blackboard.SignalIPIsDatacenter},
		TriggersOn:      []string{blackboard.SignalIPIsDatacenter},
		SkipWhen:        []string{blackboard.SignalVerifiedBot},
		Timeout:         30 * time.Millisecond,
	}
}

func (p *ProjectHoneypot) Detect(ctx context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	if p.deps.Honeypot == nil {
		return nil
	}

	res, ok := p.lookup(ctx, req.RemoteIP)
	if !ok || !res.listed {
		return nil
	}

	delta := 0.3 + float64(res.threat)/255*0.6
	return []detection.Contribution{{
		ConfidenceDelta: delta,
		Weight:          1.5 * p.deps.Weights.Multiplier("project_honeypot", "listed"),
		Reason:          fmt.Sprintf("listed in HTTP:BL with threat %d", res.threat),
		BotType:         detection.BotTypeScraper,
	}}
}

func (p *ProjectHoneypot) lookup(ctx context.Context, ip string) (honeypotResult, bool) {
	p.mu.Lock()
	if cached, ok := p.cache[ip]; ok && time.Now().Before(cached.expires) {
		p.mu.Unlock()
		return cached, true
	}
	p.mu.Unlock()

	run := func() (interface{}, error) {
		listed, threat, err := p.deps.Honeypot.Lookup(ctx, ip)
		if err != nil {
			return nil, err
		}
		return honeypotResult{listed: listed, threat: threat}, nil
	}

	var raw interface{}
	var err error
	if p.deps.Breakers != nil {
		raw, err = p.deps.Breakers.Honeypot.ExecuteContext(ctx, func(context.Context) (interface{}, error) { return run() })
	} else {
		raw, err = run()
	}
	if err != nil {
		p.deps.portFailure("honeypot")
		return honeypotResult{}, false
	}

	res := raw.(honeypotResult)
	res.expires = time.Now().Add(time.Hour)
	p.mu.Lock()
	if len(p.cache) > 50000 {
		p.cache = make(map[string]honeypotResult)
	}
	p.cache[ip] = res
	p.mu.Unlock()
	return res, true
}
