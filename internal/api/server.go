// Package api is the gateway's HTTP surface: the detection-wrapped
// reverse proxy to the protected upstream, the client-side validation
// callback, the admin endpoints, and the event streams.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stylobot/gateway/internal/events"
	"github.com/stylobot/gateway/internal/learning"
	"github.com/stylobot/gateway/internal/middleware"
	"github.com/stylobot/gateway/internal/reputation"
	"github.com/stylobot/gateway/internal/signature"
	"github.com/stylobot/gateway/internal/similarity"
	ws "github.com/stylobot/gateway/internal/websocket"
)

// PatternDeleter removes a durable reputation record. The Redis-backed
// pattern store implements it; file-backed deployments pass nil and the
// record disappears on the next full save.
type PatternDeleter interface {
	DeletePattern(ctx context.Context, pattern string) error
}

// Deps wires the server. Everything optional is documented as such.
type Deps struct {
	Detection *middleware.Detection
	Upstream  http.Handler

	Factory    *signature.Factory
	Reputation *reputation.Cache
	Patterns   PatternDeleter // may be nil
	Similarity *similarity.Index
	Bus        *learning.Bus // may be nil when learning is disabled
	Events     *events.Bus
	Emitter    events.Emitter // may be nil
	Streamer   *ws.Streamer   // may be nil
	Gatherer   prometheus.Gatherer

	Verdicts *VerdictCache
}

// Server owns the router and the listener lifecycle.
type Server struct {
	deps    Deps
	logger  *log.Logger
	httpSrv *http.Server
}

// NewServer builds the server; Start binds it.
func NewServer(deps Deps) *Server {
	if deps.Verdicts == nil {
		deps.Verdicts = NewVerdictCache(4096, 10*time.Minute)
	}
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles all routes. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	bd := r.PathPrefix("/api/bot-detection").Subrouter()
	bd.HandleFunc("/client-result", s.handleClientResult).Methods("POST")
	if s.deps.Events != nil {
		bd.HandleFunc("/events", s.handleEventStream).Methods("GET")
	}
	if s.deps.Streamer != nil {
		bd.HandleFunc("/stream", s.deps.Streamer.HandleWebSocket).Methods("GET")
	}

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.HandleFunc("/reputation/{signature}", s.handleReputationLookup).Methods("GET")
	admin.HandleFunc("/block", s.handleBlock).Methods("POST")
	admin.HandleFunc("/unblock", s.handleUnblock).Methods("POST")
	admin.HandleFunc("/stats", s.handleStats).Methods("GET")
	admin.HandleFunc("/decay", s.handleDecay).Methods("POST")

	// Everything else is traffic for the upstream, behind detection.
	if s.deps.Detection != nil && s.deps.Upstream != nil {
		r.PathPrefix("/").Handler(s.deps.Detection.Wrap(s.deps.Upstream))
	} else if s.deps.Upstream != nil {
		r.PathPrefix("/").Handler(s.deps.Upstream)
	}
	return r
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start(port string) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Printf("gateway listening on %s", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}
