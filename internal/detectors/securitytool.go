package detectors

import (
	"context"
	"strings"
	"time"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/requestctx"
)

// SecurityTool flags scanner UAs and probing paths (dotfiles, backup
// drops, admin panels the app never serves).
type SecurityTool struct {
	deps *Deps
}

func NewSecurityTool(d *Deps) *SecurityTool {
	return &SecurityTool{deps: d}
}

func (s *SecurityTool) Manifest() detection.Manifest {
	return detection.Manifest{
		Name:         "security_tool",
		Category:     detection.CategoryNetwork,
		Priority:     85,
		Phase:        detection.PhaseStandard,
		EmitsSignals: []string{"security.scanner"},
		Timeout:      10 * time.Millisecond,
	}
}

var probePathFragments = []string{
	"/.git", "/.env", "/.svn", "/.htaccess", "/.aws",
	"/wp-login.php", "/wp-admin", "/phpmyadmin", "/adminer",
	"/etc/passwd", "/../", "/config.php.bak", "/backup.sql",
	"/id_rsa", "/server-status",
}

func (s *SecurityTool) Detect(_ context.Context, req *requestctx.RequestCtx, _ *blackboard.Blackboard) []detection.Contribution {
	var out []detection.Contribution

	if pattern, ok := s.deps.BotLists.Get().MatchScanner(req.UserAgent()); ok {
		out = append(out, detection.Contribution{
			ConfidenceDelta: 0.95,
			Weight:          2.5,
			Reason:          "security scanner user agent (" + pattern + ")",
			BotType:         detection.BotTypeSecurityScanner,
			BotName:         pattern,
			Signals:         map[string]any{"security.scanner": true},
		})
	}

	lower := strings.ToLower(req.Path)
	for _, frag := range probePathFragments {
		if strings.Contains(lower, frag) {
			c := detection.Contribution{
				ConfidenceDelta: 0.85,
				Weight:          2 * s.deps.Weights.Multiplier("security_tool", "probe_path"),
				Reason:          "probing request path (" + frag + ")",
				BotType:         detection.BotTypeSecurityScanner,
			}
			if len(out) == 0 {
				c.Signals = map[string]any{"security.scanner": true}
			}
			out = append(out, c)
			break
		}
	}

	return out
}
