// Command gateway runs the bot-detection reverse proxy: detection
// middleware in front of the configured upstream, the learning loop
// behind it, and the admin/stream surface on the side.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/stylobot/gateway/internal/api"
	"github.com/stylobot/gateway/internal/circuitbreaker"
	"github.com/stylobot/gateway/internal/config"
	"github.com/stylobot/gateway/internal/datasource"
	"github.com/stylobot/gateway/internal/detection"
	"github.com/stylobot/gateway/internal/detectors"
	"github.com/stylobot/gateway/internal/events"
	"github.com/stylobot/gateway/internal/hasher"
	"github.com/stylobot/gateway/internal/learning"
	"github.com/stylobot/gateway/internal/metrics"
	"github.com/stylobot/gateway/internal/middleware"
	"github.com/stylobot/gateway/internal/policy"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/signature"
	"github.com/stylobot/gateway/internal/similarity"
	"github.com/stylobot/gateway/internal/store"
	ws "github.com/stylobot/gateway/internal/websocket"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("STYLOBOT_CONFIG", "stylobot.yaml"), "path to the YAML configuration")
	flag.Parse()

	log.Printf("starting stylobot gateway (config=%s)", *configPath)

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg := mgr.Current()

	key, err := cfg.HashKey()
	if err != nil {
		log.Fatalf("signature hash key: %v", err)
	}
	h, err := hasher.New(key)
	if err != nil {
		log.Fatalf("hasher: %v", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reputation: Redis-shared when configured, local file otherwise.
	var patternStore reputation.PatternStore
	var patternDeleter api.PatternDeleter
	if cfg.Store.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, Password: cfg.Store.RedisPassword})
		rs := store.NewRedisPatternStore(&goRedisAdapter{rdb}, "stylobot:rep:", 48*time.Hour)
		patternStore = rs
		patternDeleter = rs
	} else {
		patternStore = store.NewFilePatternStore(filepath.Join(cfg.Store.Dir, "patterns.jsonl"))
	}

	repCache := reputation.NewCache(reputation.DefaultCacheConfig(), patternStore, m)
	defer repCache.Stop()
	if err := repCache.Warm(ctx); err != nil {
		log.Printf("reputation warm-up failed, starting cold: %v", err)
	}

	// Detection record log: Postgres when configured, JSONL otherwise.
	var sigStore store.SignatureStore
	if cfg.Store.PostgresDSN != "" {
		ps, err := store.NewPostgresSignatureStore(cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres signature store: %v", err)
		}
		sigStore = ps
	} else {
		fs, err := store.NewFileSignatureStore(filepath.Join(cfg.Store.Dir, "signatures.jsonl"))
		if err != nil {
			log.Fatalf("file signature store: %v", err)
		}
		sigStore = fs
	}
	defer sigStore.Close()

	weightStore := store.NewFileWeightStore(filepath.Join(cfg.Store.Dir, "weights.json"))

	simIdx := similarity.NewIndex(similarity.DefaultConfig(cfg.Similarity.Dir), nil)
	if err := simIdx.Load(); err != nil {
		log.Printf("similarity index load failed, starting empty: %v", err)
	}
	defer simIdx.Stop()

	// Datasources: shipped seeds, refreshed in the background where a
	// public feed exists.
	httpClient := &http.Client{Timeout: 10 * time.Second}
	cloud := datasource.NewSource("cloud_ranges", datasource.SeedCloudRanges(), 6*time.Hour, datasource.FetchCloudRanges(httpClient), m)
	defer cloud.Stop()
	bots := datasource.NewSource("bot_lists", datasource.SeedBotLists(), 0, nil, m)
	browsers := datasource.NewSource("browser_versions", datasource.SeedBrowserVersions(), 0, nil, m)

	weights := detectors.NewWeightSet()

	deps := &detectors.Deps{
		Reputation:         repCache,
		CloudRanges:        cloud,
		BotLists:           bots,
		Browsers:           browsers,
		Similarity:         simIdx,
		Resolver:           net.DefaultResolver,
		Breakers:           circuitbreaker.NewPortBreakers(),
		Rates:              detectors.NewRateTracker(time.Minute, 50000),
		Timings:            detectors.NewTimingTracker(50000, 20),
		GeoMemory:          detectors.NewCountryMemory(50000, 24*time.Hour),
		Weights:            weights,
		FastPathSampleRate: cfg.Detection.FastPath.SampleRate,
		Metrics:            m,
		Rand:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	registry, err := detection.NewRegistry(detectors.All(deps)...)
	if err != nil {
		log.Fatalf("detector registry: %v", err)
	}

	pc, err := cfg.PolicyEngineConfig()
	if err != nil {
		log.Fatalf("policy config: %v", err)
	}
	engine, err := policy.NewEngine(pc)
	if err != nil {
		log.Fatalf("policy engine: %v", err)
	}

	// Event fan-out; Pub/Sub export is optional.
	var evBus *events.Bus
	var emitter events.Emitter
	if cfg.Events.PubSubProject != "" && cfg.Events.PubSubTopic != "" {
		ps, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Fatalf("pubsub bus: %v", err)
		}
		defer ps.Close()
		evBus = ps.Bus
		emitter = ps
	} else {
		evBus = events.NewBus()
		emitter = evBus
	}

	streamer := ws.NewStreamer(evBus)
	go streamer.Run(ctx)

	factory := signature.NewFactory(h)

	// Learning loop.
	verdicts := api.NewVerdictCache(4096, 10*time.Minute)
	writer := learning.NewRecordWriter(sigStore, h, learning.RecordWriterConfig{LogRawPII: cfg.Detection.LogRawPII})
	defer writer.Stop()

	weightUpdater := learning.NewWeightUpdater(weights, weightStore)
	if loaded, err := weightStore.LoadWeights(ctx); err != nil {
		log.Printf("weight load failed, using defaults: %v", err)
	} else {
		weightUpdater.Seed(loaded)
	}

	var bus *learning.Bus
	if cfg.Detection.EnableLearning {
		bus = learning.NewBus(
			learning.BusConfig{
				Capacity:    cfg.Learning.BusCapacity,
				Concurrency: cfg.Learning.HandlerConcurrency,
			},
			[]learning.Handler{
				learning.NewReputationUpdater(repCache),
				weightUpdater,
				learning.NewSimilarityAdder(simIdx, h),
				writer,
				&api.VerdictRecorder{Cache: verdicts, Factory: factory},
			},
			m,
		)
		defer bus.Stop()
	}

	orchestrator := detection.NewOrchestrator(detection.OrchestratorConfig{AllowShortCircuit: true}, nil, m)

	throttler := middleware.NewThrottler()
	defer throttler.Stop()

	policyNames := make([]string, 0, len(pc.Policies))
	for name := range pc.Policies {
		policyNames = append(policyNames, name)
	}

	callbackURL := ""
	if cfg.Server.PublicURL != "" {
		callbackURL = strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/bot-detection/client-result"
	}

	det, err := middleware.NewDetection(middleware.Config{
		Factory:      factory,
		Registry:     registry,
		Orchestrator: orchestrator,
		Engine:       engine,
		Throttler:    throttler,
		Bus:          bus,
		Emitter:      emitter,
		Metrics:      m,
		PolicyNames:  policyNames,
		BotThreshold: cfg.Detection.BotThreshold,
		SoftBudget:   time.Duration(cfg.Server.SoftBudgetMs) * time.Millisecond,
		CallbackURL:  callbackURL,
	})
	if err != nil {
		log.Fatalf("detection middleware: %v", err)
	}

	var upstream http.Handler
	if cfg.Server.UpstreamURL != "" {
		upstream, err = api.NewUpstreamProxy(cfg.Server.UpstreamURL)
		if err != nil {
			log.Fatalf("upstream %q: %v", cfg.Server.UpstreamURL, err)
		}
	} else {
		log.Println("no upstream_url configured, serving detection headers only")
		upstream = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	server := api.NewServer(api.Deps{
		Detection:  det,
		Upstream:   upstream,
		Factory:    factory,
		Reputation: repCache,
		Patterns:   patternDeleter,
		Similarity: simIdx,
		Bus:        bus,
		Events:     evBus,
		Emitter:    emitter,
		Streamer:   streamer,
		Gatherer:   promReg,
		Verdicts:   verdicts,
	})

	go retentionLoop(ctx, sigStore, cfg.Store.RetentionDays)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	select {
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	case <-ctx.Done():
	}

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := simIdx.Save(); err != nil {
		log.Printf("similarity save: %v", err)
	}
}

// retentionLoop purges detection records past the configured horizon
// once a day.
func retentionLoop(ctx context.Context, st store.SignatureStore, days int) {
	if days <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			purgeCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			n, err := st.Purge(purgeCtx, cutoff)
			cancel()
			if err != nil {
				log.Printf("retention purge failed: %v", err)
				continue
			}
			log.Printf("retention purge removed %d records older than %s", n, cutoff.Format(time.RFC3339))
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// goRedisAdapter bridges the go-redis client onto the store's minimal
// Redis surface.
type goRedisAdapter struct {
	rdb *redis.Client
}

func (a *goRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *goRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	return a.rdb.Get(ctx, key).Bytes()
}

func (a *goRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *goRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.rdb.SAdd(ctx, key, args...).Err()
}

func (a *goRedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return a.rdb.SRem(ctx, key, args...).Err()
}

func (a *goRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}
