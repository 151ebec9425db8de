// Command stylobot-check validates a gateway deployment offline: it
// loads the configuration, builds the policy engine and the detector
// plan, and optionally replays captured requests through the full
// pipeline without binding a listener or touching any durable store.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/config"
	"github.com/stylobot/gateway/internal/datasource"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/policy"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/requestctx"
	"github.com/stylobot/gateway/internal/signature"
)

// replayLine is one captured request in the replay file.
type replayLine struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	IP      string            `json:"ip"`
	Headers map[string]string `json:"headers"`
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("STYLOBOT_CONFIG", "stylobot.yaml"), "path to the YAML configuration")
	replayPath := flag.String("replay", "", "JSONL file of requests to replay through the pipeline")
	verbose := flag.Bool("v", false, "print per-detector contributions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[FAIL] config: %v", err)
	}
	fmt.Printf("[OK]   config %s (env=%s)\n", *configPath, cfg.Server.Env)

	key, err := cfg.HashKey()
	if err != nil {
		log.Fatalf("[FAIL] signature hash key: %v", err)
	}
	h, err := hasher.New(key)
	if err != nil {
		log.Fatalf("[FAIL] hasher: %v", err)
	}
	fmt.Println("[OK]   signature hash key")

	pc, err := cfg.PolicyEngineConfig()
	if err != nil {
		log.Fatalf("[FAIL] policy config: %v", err)
	}
	engine, err := policy.NewEngine(pc)
	if err != nil {
		log.Fatalf("[FAIL] policy engine: %v", err)
	}
	fmt.Printf("[OK]   policy engine (%d policies)\n", len(pc.Policies)+1)

	repCfg := reputation.DefaultCacheConfig()
	repCfg.DecayInterval = 0
	rep := reputation.NewCache(repCfg, nil, nil)
	defer rep.Stop()

	deps := &detectors.Deps{
		Reputation:  rep,
		CloudRanges: datasource.NewSource("cloud_ranges", datasource.SeedCloudRanges(), 0, nil, nil),
		BotLists:    datasource.NewSource("bot_lists", datasource.SeedBotLists(), 0, nil, nil),
		Browsers:    datasource.NewSource("browser_versions", datasource.SeedBrowserVersions(), 0, nil, nil),
		Rates:       detectors.NewRateTracker(time.Minute, 10000),
		Timings:     detectors.NewTimingTracker(10000, 20),
		GeoMemory:   detectors.NewCountryMemory(10000, time.Hour),
		Weights:     detectors.NewWeightSet(),
		Rand:        rand.New(rand.NewSource(1)),
	}

	registry, err := detection.NewRegistry(detectors.All(deps)...)
	if err != nil {
		log.Fatalf("[FAIL] detector registry: %v", err)
	}
	fmt.Printf("[OK]   detector registry (%d detectors, no cycles)\n", len(registry.Names()))

	factory := signature.NewFactory(h)
	orchestrator := detection.NewOrchestrator(detection.OrchestratorConfig{AllowShortCircuit: true}, nil, nil)
	plan := registry.BuildPlan(mustSelectAll(registry), blackboard.SignalSignaturePrim, blackboard.SignalGeoCountryCode)

	lines := builtinProbes()
	if *replayPath != "" {
		lines, err = readReplayFile(*replayPath)
		if err != nil {
			log.Fatalf("[FAIL] replay file: %v", err)
		}
		fmt.Printf("[OK]   replay file (%d requests)\n", len(lines))
	}

	th := detection.Thresholds{
		EarlyExit:      0.30,
		ImmediateBlock: 0.95,
		AIEscalation:   0.60,
		Bot:            cfg.Detection.BotThreshold,
		AllowEarlyExit: true,
	}

	for _, line := range lines {
		req := line.toRequestCtx(time.Duration(cfg.Server.SoftBudgetMs) * time.Millisecond)
		sig := factory.Build(req)
		bb := blackboard.New()
		bb.Set(blackboard.SignalSignaturePrim, sig.Primary)

		ev := orchestrator.Run(context.Background(), req, bb, plan, th)
		pol := engine.PolicyFor(req.Path)
		dec := engine.Decide(pol, ev)

		fmt.Printf("%-4s %-30s probability=%.3f confidence=%.3f band=%-8s bot=%-5v action=%s\n",
			line.Method, line.Path, ev.BotProbability, ev.Confidence, ev.Band, ev.IsBot, dec.Action.Kind)
		if *verbose {
			for _, c := range ev.Contributions {
				fmt.Printf("       %-24s delta=%+.2f weight=%.2f %s\n", c.Detector, c.ConfidenceDelta, c.Weight, c.Reason)
			}
		}
	}

	fmt.Println("status: configuration and pipeline healthy")
}

func (l replayLine) toRequestCtx(budget time.Duration) *requestctx.RequestCtx {
	r, _ := http.NewRequest(l.Method, "http://replay.local"+l.Path, nil)
	for k, v := range l.Headers {
		r.Header.Set(k, v)
	}
	r.RemoteAddr = l.IP + ":0"
	return requestctx.FromHTTP(r, "", budget)
}

func builtinProbes() []replayLine {
	return []replayLine{
		{
			Method: "GET", Path: "/", IP: "198.51.100.10",
			Headers: map[string]string{
				"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Accept":          "text/html",
				"Accept-Language": "en-US",
			},
		},
		{
			Method: "GET", Path: "/admin/.git/config", IP: "52.1.2.3",
			Headers: map[string]string{"User-Agent": "sqlmap/1.7"},
		},
		{
			Method: "GET", Path: "/sitemap.xml", IP: "66.249.66.1",
			Headers: map[string]string{"User-Agent": "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"},
		},
	}
}

func readReplayFile(path string) ([]replayLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []replayLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line replayLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", len(out)+1, err)
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

func mustSelectAll(r *detection.Registry) []detection.Detector {
	all, err := r.Select(r.Names())
	if err != nil {
		log.Fatalf("[FAIL] detector selection: %v", err)
	}
	return all
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
