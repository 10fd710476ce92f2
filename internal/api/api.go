// Package api is the thin HTTP layer in front of the orchestrator. It is
// explicitly NOT the subject of this module (spec.md §1 names URL shapes,
// request/response schemas, and auth as an external collaborator's
// concern) — kept minimal on purpose, just enough to drive the pool
// end to end.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/leanrepl/leanreplpool/internal/orchestrator"
)

// Server is the HTTP server fronting an Orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	router chi.Router
}

// NewServer builds a Server with its routes configured.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	s := &Server{orch: orch}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/api/check", s.handleCheck)

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// checkRequest is the wire shape of POST /api/check. It mirrors spec.md
// §3's internal snippet request plus the batch/debug knobs from
// original_source's CheckRequest schema.
type checkRequest struct {
	Snippets []snippetIn `json:"snippets"`
	Timeout  int         `json:"timeout"`
	Debug    bool        `json:"debug"`
}

type snippetIn struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if req.Timeout == 0 {
		timeout = 30 * time.Second
	}

	snippetReqs := make([]orchestrator.SnippetRequest, len(req.Snippets))
	for i, sn := range req.Snippets {
		snippetReqs[i] = orchestrator.SnippetRequest{
			CustomID: sn.ID,
			Code:     sn.Code,
			Timeout:  timeout,
			Debug:    req.Debug,
		}
	}

	results := s.orch.Batch(r.Context(), snippetReqs)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}
