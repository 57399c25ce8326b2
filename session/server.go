package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/weftworks/weft/core"
	"github.com/weftworks/weft/orchestration"
)

// Server owns the HTTP surface: the WebSocket chat endpoint plus the
// read-only JSON endpoints for health, store stats, templates, and recent
// runs. Everything mutating happens over the WebSocket protocol.
type Server struct {
	cfg    *core.Config
	logger core.Logger

	store   *orchestration.Store
	runs    *orchestration.RunStore
	manager Manager
	ws      *WSHandler

	httpSrv *http.Server
}

// NewServer assembles the server. runs may be nil; the runs endpoint then
// answers an empty list.
func NewServer(cfg *core.Config, store *orchestration.Store, runs *orchestration.RunStore,
	manager Manager, ws *WSHandler, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		runs:    runs,
		manager: manager,
		ws:      ws,
	}

	// Server-level write timeouts don't touch upgraded connections: the
	// upgrade clears conn deadlines and the pumps set their own.
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return s
}

// Handler builds the route table, instrumented for tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/ws", s.ws)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	return otelhttp.NewHandler(withCORS(mux), "weft.http")
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"operation": "serve",
		"addr":      s.httpSrv.Addr,
	})
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains the HTTP server. Session loops are owned by the runtime
// and shut down separately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// statsResponse is the /api/v1/stats body.
type statsResponse struct {
	Store          orchestration.StoreStats `json:"store"`
	ActiveSessions int64                    `json:"activeSessions"`
	OpenClients    int                      `json:"openClients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statsResponse{Store: s.store.Stats()}
	if s.manager != nil {
		n, err := s.manager.ActiveCount(r.Context())
		if err != nil {
			s.logger.Warn("Failed to count sessions", map[string]interface{}{
				"operation": "stats",
				"error":     err.Error(),
			})
		} else {
			resp.ActiveSessions = n
		}
	}
	if s.ws != nil {
		resp.OpenClients = s.ws.ClientCount()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	templates := s.store.List()
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].LastUsedAt.After(templates[j].LastUsedAt)
	})
	s.writeJSON(w, map[string]interface{}{
		"workflows": templates,
		"count":     len(templates),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be an integer in [1,500]", http.StatusBadRequest)
			return
		}
		limit = n
	}

	summaries := []orchestration.RunSummary{}
	if s.runs != nil {
		var err error
		summaries, err = s.runs.ListRecent(r.Context(), limit)
		if err != nil {
			s.logger.Error("Failed to list runs", map[string]interface{}{
				"operation": "runs",
				"error":     err.Error(),
			})
			http.Error(w, "failed to list runs", http.StatusInternalServerError)
			return
		}
	}
	s.writeJSON(w, map[string]interface{}{
		"runs":  summaries,
		"count": len(summaries),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", map[string]interface{}{
			"operation": "serve",
			"error":     err.Error(),
		})
	}
}

// withCORS answers preflights and marks responses so browser clients
// served from another origin can reach the API during development.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
