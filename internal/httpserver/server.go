// Package httpserver exposes the memory gateway over REST/JSON and
// JSON-RPC, adapted from the teacher's gorilla/mux API server: the CORS
// middleware and route-registration shape carry over, the escrow/ghost
// pool/reputation endpoints are replaced with the gateway's write path,
// reliability report, and MCP tool surface.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onlyfeng/engram-sub002/internal/card"
	"github.com/onlyfeng/engram-sub002/internal/events"
	"github.com/onlyfeng/engram-sub002/internal/gateway"
	"github.com/onlyfeng/engram-sub002/internal/reliability"
	"github.com/onlyfeng/engram-sub002/internal/store"
)

// GovernanceStore is the settings-write surface behind the MCP
// governance_update tool.
type GovernanceStore interface {
	UpsertPolicySettings(ctx context.Context, ps store.PolicySettings) error
}

// Server is the memory gateway's HTTP surface: health, reliability
// reporting, the memory read/write path, and the MCP JSON-RPC dispatch.
type Server struct {
	gateway     *gateway.Gateway
	reliability reliability.Store
	governance  GovernanceStore
	bus         events.EventEmitter
	seekdbOn    bool
	streamer    *Streamer
	registry    *prometheus.Registry
}

func New(gw *gateway.Gateway, rel reliability.Store, gov GovernanceStore, bus events.EventEmitter, seekdbOn bool, registry *prometheus.Registry) *Server {
	s := &Server{
		gateway:     gw,
		reliability: rel,
		governance:  gov,
		bus:         bus,
		seekdbOn:    seekdbOn,
		streamer:    NewStreamer(),
		registry:    registry,
	}
	go s.streamer.Run()
	switch b := bus.(type) {
	case *events.EventBus:
		s.streamer.Relay(b)
	case *events.PubSubEventBus:
		s.streamer.Relay(b.EventBus)
	}
	return s
}

// Router builds the mux.Router for this server; exported so cmd/gateway
// can wrap it with additional middleware (request logging, pprof) if
// needed without exposing ListenAndServe here.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/reliability/report", s.handleReliabilityReport).Methods(http.MethodGet)
	r.HandleFunc("/memory/store", s.handleMemoryStore).Methods(http.MethodPost)
	r.HandleFunc("/memory/query", s.handleMemoryQuery).Methods(http.MethodPost)
	r.HandleFunc("/mcp", s.handleMCP).Methods(http.MethodPost)
	r.HandleFunc("/sync/stream", s.streamer.HandleWebSocket)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}

// Start runs the HTTP server on port, blocking until it returns an
// error (mirrors the teacher's APIServer.Start shape).
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("memory gateway listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "disabled"
	if s.seekdbOn {
		status = "enabled"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"status":  "ok",
		"service": "memory-gateway",
		"seekdb":  status,
	})
}

func (s *Server) handleReliabilityReport(w http.ResponseWriter, r *http.Request) {
	report, err := reliability.Build(r.Context(), s.reliability)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"outbox_stats": report.Outbox,
		"audit_stats":  report.Audit,
		"generated_at": time.Now().UTC(),
	})
}

type memoryStoreRequest struct {
	ProjectKey  string    `json:"project_key"`
	ActorUserID string    `json:"actor_user_id"`
	TargetSpace string    `json:"target_space"`
	Card        cardInput `json:"card"`
}

type cardInput struct {
	Kind       string          `json:"kind"`
	Owner      string          `json:"owner"`
	Module     string          `json:"module"`
	Summary    string          `json:"summary"`
	Details    []string        `json:"details"`
	Evidence   []card.Evidence `json:"evidence"`
	Confidence string          `json:"confidence"`
	Visibility string          `json:"visibility"`
	TTL        string          `json:"ttl"`
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	var req memoryStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.storeCard(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":             false,
			"action":         "error",
			"correlation_id": result.CorrelationID,
			"reason":         "audit_or_outbox_write_failed",
		})
		return
	}

	if s.bus != nil {
		s.bus.Emit(events.TypeGatewayWrite, "memory-gateway", req.ProjectKey, map[string]interface{}{
			"action":         result.Action,
			"correlation_id": result.CorrelationID,
		})
	}
	writeJSON(w, http.StatusOK, storeResponse(result))
}

func (s *Server) storeCard(ctx context.Context, req memoryStoreRequest) (gateway.StoreResult, error) {
	c := card.Card{
		Kind:       card.Kind(req.Card.Kind),
		Owner:      req.Card.Owner,
		Module:     req.Card.Module,
		Summary:    req.Card.Summary,
		Details:    req.Card.Details,
		Evidence:   req.Card.Evidence,
		Confidence: card.Confidence(req.Card.Confidence),
		Visibility: card.Visibility(req.Card.Visibility),
		TTL:        card.TTL(req.Card.TTL),
	}
	return s.gateway.StoreCard(ctx, gateway.StoreRequest{
		ProjectKey:  req.ProjectKey,
		ActorUserID: req.ActorUserID,
		TargetSpace: req.TargetSpace,
		Card:        c,
	})
}

func storeResponse(result gateway.StoreResult) map[string]interface{} {
	resp := map[string]interface{}{
		"ok":             result.OK,
		"action":         result.Action,
		"correlation_id": result.CorrelationID,
	}
	if result.MemoryID != "" {
		resp["memory_id"] = result.MemoryID
	}
	if result.Action == "deferred" {
		resp["outbox_id"] = result.OutboxID
	}
	return resp
}

type memoryQueryRequest struct {
	Space string `json:"space"`
	Query string `json:"query"`
}

func (s *Server) handleMemoryQuery(w http.ResponseWriter, r *http.Request) {
	var req memoryQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.gateway.QueryCard(r.Context(), req.Space, req.Query)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":             false,
			"correlation_id": result.CorrelationID,
			"error":          err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"results":        result.Results,
		"degraded":       result.Degraded,
		"fallback_used":  result.FallbackUsed,
		"correlation_id": result.CorrelationID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
