// Package server is the thin HTTP/WebSocket collaborator over the
// engine facade. Handlers only (de)serialize; all orchestration logic
// lives in the engine.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/revoforge/modelgate/pkg/engine"
	"github.com/revoforge/modelgate/pkg/provider"
)

// Server exposes the engine over REST and WebSocket.
type Server struct {
	engine *engine.Engine
	log    zerolog.Logger
}

// New creates a server around the engine.
func New(e *engine.Engine, logger zerolog.Logger) *Server {
	return &Server{engine: e, log: logger.With().Str("component", "server").Logger()}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/generate", s.handleGenerate).Methods("POST")
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/api/providers", s.handleProviders).Methods("GET")
	r.HandleFunc("/api/providers/{id}/enable", s.handleEnable).Methods("POST")
	r.HandleFunc("/api/providers/{id}/credential", s.handleCredential).Methods("POST")
	r.HandleFunc("/api/preferred/{id}", s.handlePreferred).Methods("POST")
	r.HandleFunc("/ws/generate", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	return r
}

// ListenAndServe runs the HTTP server until it fails.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("listening")
	return srv.ListenAndServe()
}

// generateRequest is the wire form of a generation call.
type generateRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Preferred   string  `json:"preferred_provider,omitempty"`
}

func (g generateRequest) toRequest() provider.Request {
	return provider.Request{
		Prompt:      g.Prompt,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
		Preferred:   g.Preferred,
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.engine.Generate(r.Context(), req.toRequest())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetMetrics())
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetProviderStatus())
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.engine.SetEnabled(id, body.Enabled); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": body.Enabled})
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.engine.SetCredential(r.Context(), id, body.Secret); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "credential set"})
}

func (s *Server) handlePreferred(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "-" {
		id = ""
	}
	if err := s.engine.SwitchPreferred(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferred": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetHealth())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
