package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/mzanetti/agentrun/internal/orchestrator"
)

type executeRequest struct {
	ModelID string `json:"model_id"`
}

type abortRequest struct {
	WorkingDirectory string `json:"working_directory"`
}

func (s *Server) handleExecuteSubtask(w http.ResponseWriter, r *http.Request) {
	taskID, subtaskID := urlParam(r, "id"), urlParam(r, "sid")
	if taskID == "" || subtaskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing task or subtask id")
		return
	}
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.state.Task(taskID)
	if err != nil {
		respondStateError(w, err)
		return
	}

	result, err := s.orch.ExecuteSubtask(r.Context(), task, subtaskID, req.ModelID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDirectoryBusy):
			respondError(w, http.StatusConflict, "directory_busy", err.Error())
		case errors.Is(err, orchestrator.ErrNoWorkingDirectory):
			respondError(w, http.StatusBadRequest, "no_working_directory", err.Error())
		default:
			respondStateError(w, err)
		}
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStartLoop(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, err := s.state.Task(taskID)
	if err != nil {
		respondStateError(w, err)
		return
	}
	dir := strings.TrimSpace(task.WorkingDirectory)
	if dir == "" {
		respondError(w, http.StatusBadRequest, "no_working_directory", orchestrator.ErrNoWorkingDirectory.Error())
		return
	}
	if s.orch.IsExecuting(dir) || s.orch.IsLooping(dir) {
		respondError(w, http.StatusConflict, "directory_busy", orchestrator.ErrDirectoryBusy.Error())
		return
	}

	// The loop runs unattended; the caller observes it through the session
	// stream and /v1/executions. The guard inside StartLoop settles races
	// between two concurrent requests.
	go func() {
		result, err := s.orch.StartLoop(context.Background(), task, req.ModelID)
		if err != nil {
			log.Printf("subtask loop for %s ended with error: %v", dir, err)
			return
		}
		log.Printf("subtask loop for %s finished: %d completed, %d failed, aborted=%v",
			dir, result.Completed, result.Failed, result.Aborted)
	}()

	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":            "loop_started",
		"working_directory": dir,
	})
}

func (s *Server) handleStopLoop(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	task, err := s.state.Task(taskID)
	if err != nil {
		respondStateError(w, err)
		return
	}

	s.orch.StopLoop(task.WorkingDirectory)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "stop_requested",
		"working_directory": strings.TrimSpace(task.WorkingDirectory),
	})
}

func (s *Server) handleAbortExecution(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "working_directory is required")
		return
	}

	if err := s.orch.AbortExecution(r.Context(), req.WorkingDirectory); err != nil {
		respondError(w, http.StatusBadGateway, "abort_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "aborted"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"executions": s.orch.Executions()})
}
