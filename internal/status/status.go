// Package status exposes a small HTTP surface for operators: a JSON
// snapshot of in-flight work, pause/resume of ticket ingestion, and a
// forced poll. It is read/control only; no ticket or PR mutation happens
// here.
package status

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ytnobody/ticketflow/internal/registry"
)

// Controller is the slice of the orchestrator the surface drives.
type Controller interface {
	Paused() bool
	SetPaused(bool)
	ForcePoll()
	Registry() *registry.Registry
}

// ProjectLister exposes the tracker's project discovery.
type ProjectLister interface {
	Projects(ctx context.Context) ([]string, error)
}

// Server is the HTTP status surface.
type Server struct {
	addr     string
	ctl      Controller
	projects ProjectLister
	version  string
}

// New creates a Server. addr is the listen address; empty disables Run.
func New(addr string, ctl Controller, projects ProjectLister, version string) *Server {
	return &Server{addr: addr, ctl: ctl, projects: projects, version: version}
}

// Run serves until ctx is cancelled. A nil error is returned when the
// surface is disabled or shut down cleanly.
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		return nil
	}

	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[status] listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		<-errCh
		log.Println("[status] stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler returns the route mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /poll", s.handlePoll)
	mux.HandleFunc("GET /projects", s.handleProjects)
	return mux
}

type statusResponse struct {
	Version string              `json:"version"`
	Paused  bool                `json:"paused"`
	Active  []registry.WorkItem `json:"active"`
	Recent  []registry.WorkItem `json:"recent"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.ctl.Registry().Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Version: s.version,
		Paused:  s.ctl.Paused(),
		Active:  snap.Active,
		Recent:  snap.Recent,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctl.SetPaused(true)
	log.Println("[status] ingestion paused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.ctl.SetPaused(false)
	s.ctl.ForcePoll()
	log.Println("[status] ingestion resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.ctl.ForcePoll()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "poll scheduled"})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if s.projects == nil {
		http.Error(w, "tracker not configured", http.StatusServiceUnavailable)
		return
	}
	projects, err := s.projects.Projects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"projects": projects})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[status] encode response: %v", err)
	}
}
