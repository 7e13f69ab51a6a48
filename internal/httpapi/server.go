package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mzanetti/agentrun/internal/agent"
	"github.com/mzanetti/agentrun/internal/config"
	"github.com/mzanetti/agentrun/internal/observability"
	"github.com/mzanetti/agentrun/internal/orchestrator"
	"github.com/mzanetti/agentrun/internal/sessions"
	"github.com/mzanetti/agentrun/internal/tasks"
)

type Server struct {
	cfg      config.Config
	state    *tasks.State
	sessions *sessions.Store
	orch     *orchestrator.Orchestrator
	runner   agent.Runner
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	feedMu    sync.Mutex
	feedSubs  map[chan struct{}]struct{}
	storeMode string
}

func New(cfg config.Config, state *tasks.State, sessionStore *sessions.Store, orch *orchestrator.Orchestrator, runner agent.Runner, metrics *observability.Metrics, storeMode string) *Server {
	return &Server{
		cfg:       cfg,
		state:     state,
		sessions:  sessionStore,
		orch:      orch,
		runner:    runner,
		metrics:   metrics,
		feedSubs:  make(map[chan struct{}]struct{}),
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, in case the service is ever exposed beyond
				// localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/tasks/reorder", s.handleReorderTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Patch("/v1/tasks/{id}", s.handleUpdateTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)

	r.Post("/v1/tasks/{id}/subtasks", s.handleCreateSubtask)
	r.Post("/v1/tasks/{id}/subtasks/reorder", s.handleReorderSubtasks)
	r.Patch("/v1/tasks/{id}/subtasks/{sid}", s.handleUpdateSubtask)
	r.Delete("/v1/tasks/{id}/subtasks/{sid}", s.handleDeleteSubtask)

	r.Post("/v1/tasks/{id}/subtasks/{sid}/steps", s.handleCreateStep)
	r.Patch("/v1/tasks/{id}/subtasks/{sid}/steps/{stepID}", s.handleUpdateStep)
	r.Delete("/v1/tasks/{id}/subtasks/{sid}/steps/{stepID}", s.handleDeleteStep)

	r.Post("/v1/tags", s.handleCreateTag)
	r.Get("/v1/tags", s.handleListTags)
	r.Patch("/v1/tags/{id}", s.handleUpdateTag)
	r.Delete("/v1/tags/{id}", s.handleDeleteTag)

	r.Post("/v1/folders", s.handleCreateFolder)
	r.Get("/v1/folders", s.handleListFolders)
	r.Post("/v1/folders/reorder", s.handleReorderFolders)
	r.Patch("/v1/folders/{id}", s.handleUpdateFolder)
	r.Delete("/v1/folders/{id}", s.handleDeleteFolder)

	r.Post("/v1/tasks/{id}/subtasks/{sid}/execute", s.handleExecuteSubtask)
	r.Post("/v1/tasks/{id}/loop", s.handleStartLoop)
	r.Post("/v1/tasks/{id}/loop/stop", s.handleStopLoop)
	r.Post("/v1/executions/abort", s.handleAbortExecution)
	r.Get("/v1/executions", s.handleListExecutions)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/current", s.handleCurrentSession)
	r.Get("/v1/sessions/ws", s.handleSessionsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if s.runner == nil || !s.runner.Health(ctx) {
		respondError(w, http.StatusServiceUnavailable, "runtime_unreachable", "agent runtime is not reachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

// SessionsChanged wakes every websocket subscriber. Registered as the
// session store's change hook; a slow subscriber only loses intermediate
// snapshots, it never blocks the stream.
func (s *Server) SessionsChanged() {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for ch := range s.feedSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Server) subscribeSessions() chan struct{} {
	ch := make(chan struct{}, 1)
	s.feedMu.Lock()
	s.feedSubs[ch] = struct{}{}
	s.feedMu.Unlock()
	return ch
}

func (s *Server) unsubscribeSessions(ch chan struct{}) {
	s.feedMu.Lock()
	delete(s.feedSubs, ch)
	s.feedMu.Unlock()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, tasks.ErrSubtaskNotFound),
		errors.Is(err, tasks.ErrStepNotFound),
		errors.Is(err, tasks.ErrTagNotFound),
		errors.Is(err, tasks.ErrFolderNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		// The optimistic apply was rolled back; the store is the failing
		// side, so surface it as such.
		respondError(w, http.StatusBadGateway, "store_failed", err.Error())
	}
}

func urlParam(r *http.Request, key string) string {
	return strings.TrimSpace(chi.URLParam(r, key))
}
